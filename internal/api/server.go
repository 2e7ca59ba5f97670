// Package api exposes the safety subsystem over HTTP: JSON snapshots for
// dashboards, POST endpoints for operator actions, and a server-sent-events
// stream of live state changes.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/safety-control/estopd/internal/estop"
	"github.com/safety-control/estopd/internal/eventlog"
	"github.com/safety-control/estopd/internal/monitoring"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	mgr   *estop.Manager
	store *eventlog.Store
	logf  func(format string, v ...interface{})

	mu          sync.Mutex
	subscribers map[string]chan []byte
}

// NewServer wires an HTTP surface over the manager. store may be nil; event
// history then comes from the in-memory log only. The server registers
// handlers on the manager to feed its event stream.
func NewServer(mgr *estop.Manager, store *eventlog.Store) *Server {
	s := &Server{
		mgr:         mgr,
		store:       store,
		logf:        monitoring.Component("api"),
		subscribers: make(map[string]chan []byte),
	}

	mgr.RegisterStateChangeHandler(func(state estop.SystemSafetyState) {
		s.publish(streamFrame{Type: "state", State: state})
	})
	mgr.RegisterEmergencyHandler(func(ev estop.EmergencyEvent) {
		s.publish(streamFrame{Type: "event", Event: &ev})
	})
	mgr.RegisterFaultHandler(func(deviceID string, faults []estop.FaultType) {
		s.publish(streamFrame{Type: "fault", DeviceID: deviceID, Faults: faults})
	})
	return s
}

// streamFrame is one SSE payload.
type streamFrame struct {
	Type     string                  `json:"type"`
	State    estop.SystemSafetyState `json:"state,omitempty"`
	Event    *estop.EmergencyEvent   `json:"event,omitempty"`
	DeviceID string                  `json:"device_id,omitempty"`
	Faults   []estop.FaultType       `json:"faults,omitempty"`
}

func (s *Server) publish(frame streamFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		s.logf("encode stream frame: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.subscribers {
		// non-blocking: a stalled client drops frames rather than
		// stalling the dispatcher
		select {
		case c <- payload:
		default:
		}
	}
}

func (s *Server) subscribe() (string, chan []byte) {
	id := uuid.NewString()
	c := make(chan []byte, 16)
	s.mu.Lock()
	s.subscribers[id] = c
	s.mu.Unlock()
	return id, c
}

func (s *Server) unsubscribe(id string) {
	s.mu.Lock()
	delete(s.subscribers, id)
	s.mu.Unlock()
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.showHealth)
	mux.HandleFunc("/api/diagnostics", s.showDiagnostics)
	mux.HandleFunc("/api/devices", s.listDevices)
	mux.HandleFunc("/api/events", s.listEvents)
	mux.HandleFunc("/api/estop/activate", s.activateHandler)
	mux.HandleFunc("/api/estop/deactivate", s.deactivateHandler)
	mux.HandleFunc("/api/estop/reset", s.resetHandler)
	mux.HandleFunc("/api/estop/test", s.selfTestHandler)
	mux.HandleFunc("/api/stream", s.streamHandler)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) showHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	devices := s.mgr.DeviceStates()
	healthy := 0
	for _, d := range devices {
		if d.Healthy {
			healthy++
		}
	}
	health := map[string]interface{}{
		"state":           s.mgr.CurrentState(),
		"devices":         len(devices),
		"healthy_devices": healthy,
	}
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write health")
	}
}

func (s *Server) showDiagnostics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := json.NewEncoder(w).Encode(s.mgr.ExportDiagnostics()); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write diagnostics")
	}
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := json.NewEncoder(w).Encode(s.mgr.DeviceStates()); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write devices")
	}
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	var (
		events []estop.EmergencyEvent
		err    error
	)
	if s.store != nil {
		events, err = s.store.Recent(limit)
	} else {
		events = s.mgr.EmergencyEvents(limit)
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve events: %v", err))
		return
	}
	if events == nil {
		events = []estop.EmergencyEvent{}
	}
	if err := json.NewEncoder(w).Encode(events); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write events")
	}
}

func (s *Server) activateHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	operator := r.FormValue("operator")
	if operator == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'operator' parameter")
		return
	}
	reason := r.FormValue("reason")
	if reason == "" {
		reason = "manual activation"
	}

	if !s.mgr.ActivateEmergencyStop(estop.SourceOperator(operator), reason) {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Manager is shut down")
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"state": s.mgr.CurrentState()})
}

func (s *Server) deactivateHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	operator := r.FormValue("operator")
	if operator == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'operator' parameter")
		return
	}
	override := r.FormValue("override") == "true"

	if !s.mgr.DeactivateEmergencyStop(operator, override) {
		s.writeJSONError(w, http.StatusConflict, "Deactivation refused")
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"state": s.mgr.CurrentState()})
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if !s.mgr.Reset(r.Context()) {
		s.writeJSONError(w, http.StatusConflict, "Reset refused")
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"state": s.mgr.CurrentState()})
}

func (s *Server) selfTestHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	report, err := s.mgr.TestSystem(r.Context())
	if err != nil {
		s.writeJSONError(w, http.StatusConflict, fmt.Sprintf("Self-test refused: %v", err))
		return
	}
	if err := json.NewEncoder(w).Encode(report); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write report")
	}
}

func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	id, c := s.subscribe()
	defer s.unsubscribe(id)

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case payload, ok := <-c:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
