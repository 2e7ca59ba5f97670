package estop

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Trigger sources recorded on emergency events.
const SourceSystem = "system"

// SourceDevice tags an event as triggered by a physical device.
func SourceDevice(deviceID string) string { return "device:" + deviceID }

// SourceOperator tags an event as triggered by a human operator.
func SourceOperator(operatorID string) string { return "operator:" + operatorID }

// EmergencyEvent is an append-only record of one transition into (and
// eventually out of) EMERGENCY or FAULT. Never mutated after resolution.
type EmergencyEvent struct {
	ID         string     `json:"id"`
	Timestamp  time.Time  `json:"timestamp"`
	Source     string     `json:"source"`
	Reason     string     `json:"reason"`
	Actions    []string   `json:"actions,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether the event has a resolution record.
func (e EmergencyEvent) Resolved() bool { return e.ResolvedAt != nil }

func (e EmergencyEvent) String() string {
	state := "open"
	if e.Resolved() {
		state = "resolved"
	}
	return fmt.Sprintf("event %s (%s, %s): %s", e.ID, e.Source, state, e.Reason)
}

// EventSink receives every event append and resolution, e.g. for the audit
// database. Sink failures are logged, never propagated into the safety path.
type EventSink interface {
	Append(ev EmergencyEvent) error
	Resolve(id string, at time.Time) error
}

// eventLog is the Manager-owned in-memory event log. Appends are monotonic by
// commit order.
type eventLog struct {
	mu     sync.Mutex
	events []EmergencyEvent
	sink   EventSink
	logf   func(format string, v ...interface{})
}

func newEventLog(sink EventSink, logf func(format string, v ...interface{})) *eventLog {
	return &eventLog{sink: sink, logf: logf}
}

// record creates, appends, and returns a new open event.
func (l *eventLog) record(source, reason string, actions []string) EmergencyEvent {
	ev := EmergencyEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Source:    source,
		Reason:    reason,
		Actions:   append([]string(nil), actions...),
	}

	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()

	if l.sink != nil {
		if err := l.sink.Append(ev); err != nil {
			l.logf("event sink append %s: %v", ev.ID, err)
		}
	}
	return ev
}

// resolveLatest stamps a resolution on the most recent open event. Returns
// false when no event is open.
func (l *eventLog) resolveLatest(at time.Time) (EmergencyEvent, bool) {
	l.mu.Lock()
	var resolved EmergencyEvent
	found := false
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].ResolvedAt == nil {
			t := at
			l.events[i].ResolvedAt = &t
			resolved = l.events[i]
			found = true
			break
		}
	}
	l.mu.Unlock()

	if found && l.sink != nil {
		if err := l.sink.Resolve(resolved.ID, at); err != nil {
			l.logf("event sink resolve %s: %v", resolved.ID, err)
		}
	}
	return resolved, found
}

// hasOpen reports whether any event lacks a resolution record.
func (l *eventLog) hasOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].ResolvedAt == nil {
			return true
		}
	}
	return false
}

// recent returns up to limit events, most recent first. limit <= 0 returns
// all.
func (l *eventLog) recent(limit int) []EmergencyEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]EmergencyEvent, 0, n)
	for i := len(l.events) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, l.events[i])
	}
	return out
}
