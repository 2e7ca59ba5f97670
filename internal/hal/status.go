package hal

import (
	"sync"
	"time"
)

// ConnectionState is the lifecycle state of an adapter's transport.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
	StateError        ConnectionState = "ERROR"
)

// ProtocolStatus is a point-in-time snapshot of an adapter's connection
// lifecycle and I/O counters. Snapshots are values; the live status is owned
// exclusively by the adapter that produced it.
type ProtocolStatus struct {
	State         ConnectionState `json:"state"`
	LastError     string          `json:"last_error,omitempty"`
	BytesSent     uint64          `json:"bytes_sent"`
	BytesReceived uint64          `json:"bytes_received"`
	LastActivity  time.Time       `json:"last_activity"`
}

// statusTracker holds the mutable status for one adapter. Every concrete
// adapter embeds one; only that adapter's internal operations update it.
type statusTracker struct {
	mu     sync.Mutex
	status ProtocolStatus
}

func newStatusTracker() statusTracker {
	return statusTracker{status: ProtocolStatus{State: StateDisconnected}}
}

func (t *statusTracker) setState(s ConnectionState) {
	t.mu.Lock()
	t.status.State = s
	if s == StateConnected {
		t.status.LastError = ""
	}
	t.mu.Unlock()
}

func (t *statusTracker) setError(err error) {
	t.mu.Lock()
	t.status.State = StateError
	t.status.LastError = err.Error()
	t.mu.Unlock()
}

func (t *statusTracker) addSent(n int) {
	t.mu.Lock()
	t.status.BytesSent += uint64(n)
	t.status.LastActivity = time.Now()
	t.mu.Unlock()
}

func (t *statusTracker) addReceived(n int) {
	t.mu.Lock()
	t.status.BytesReceived += uint64(n)
	t.status.LastActivity = time.Now()
	t.mu.Unlock()
}

func (t *statusTracker) snapshot() ProtocolStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *statusTracker) state() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.State
}
