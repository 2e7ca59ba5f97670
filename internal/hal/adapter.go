// Package hal is the hardware abstraction layer: a protocol-adapter framework
// for talking to heterogeneous physical devices over serial, USB-HID, mock,
// and redundant composite transports.
//
// An Adapter translates semantic write/read/query calls into byte-level I/O
// on a transport handle that the adapter owns exclusively. The Registry is
// the single authority for adapter lifecycle.
package hal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/safety-control/estopd/internal/monitoring"
)

// EventKind classifies adapter events delivered to subscribers.
type EventKind string

const (
	EventConnected    EventKind = "CONNECTED"
	EventDisconnected EventKind = "DISCONNECTED"
	EventData         EventKind = "DATA"
	EventError        EventKind = "ERROR"
)

// Event is delivered to subscribed handlers on connection-state changes and
// inbound data.
type Event struct {
	Kind      EventKind
	Packet    *DataPacket // set for EventData
	Err       error       // set for EventError
	Timestamp time.Time
}

// EventHandler receives adapter events. Handlers run on the adapter's
// goroutine; a panicking handler is logged and contained so one faulty handler
// cannot break the adapter or its peers.
type EventHandler func(Event)

// Adapter is the capability contract every protocol variant implements.
type Adapter interface {
	// Connect establishes the transport. Idempotent if already connected;
	// fails with ErrConnection if the transport is unreachable within the
	// configured connect timeout.
	Connect(ctx context.Context) error

	// Disconnect releases transport resources unconditionally. Safe to call
	// multiple times and safe to call if never connected.
	Disconnect() error

	// Write sends the packet payload. Fails with ErrTimeout or ErrTransport;
	// data is never silently dropped.
	Write(ctx context.Context, packet DataPacket) error

	// Read blocks until inbound data arrives or the timeout elapses. A zero
	// timeout uses the configured read timeout.
	Read(ctx context.Context, timeout time.Duration) (DataPacket, error)

	// Query writes the request and returns the matching response.
	Query(ctx context.Context, request DataPacket, timeout time.Duration) (DataPacket, error)

	// Subscribe registers a handler for connection-state and data events.
	Subscribe(handler EventHandler)

	// Connected reports whether the transport is currently established.
	Connected() bool

	// Status returns a snapshot of the connection lifecycle and counters.
	Status() ProtocolStatus

	// Config returns the normalized configuration the adapter was built with.
	Config() ProtocolConfig
}

var halLogf = monitoring.Component("hal")

// handlerList is an ordered list of event subscribers shared by the concrete
// adapters. Dispatch is synchronous but isolated: a handler panic is logged,
// not propagated.
type handlerList struct {
	mu       sync.Mutex
	handlers []EventHandler
}

func (l *handlerList) add(h EventHandler) {
	if h == nil {
		return
	}
	l.mu.Lock()
	l.handlers = append(l.handlers, h)
	l.mu.Unlock()
}

func (l *handlerList) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	l.mu.Lock()
	handlers := append([]EventHandler(nil), l.handlers...)
	l.mu.Unlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					halLogf("event handler panic (%s): %v", ev.Kind, r)
				}
			}()
			h(ev)
		}()
	}
}

// pendingEvents collects events raised while an adapter lock is held. They
// are published only after the lock is released, so a subscriber may call
// back into the adapter from its handler without deadlocking.
type pendingEvents []Event

func (p *pendingEvents) add(ev Event) { *p = append(*p, ev) }

func (p *pendingEvents) publish(handlers *handlerList) {
	for _, ev := range *p {
		handlers.emit(ev)
	}
}

// withRetries runs op up to policy.MaxAttempts times. Only timed-out attempts
// are retried, with policy.Backoff between them; transport and configuration
// errors surface immediately.
func withRetries(ctx context.Context, policy RetryPolicy, op func() error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op()
		if err == nil || !errors.Is(err, ErrTimeout) {
			return err
		}
		if attempt == attempts || policy.Backoff <= 0 {
			continue
		}
		select {
		case <-time.After(policy.Backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// ioTimeout resolves the effective timeout for an I/O call: the caller's
// value when positive, the configured default otherwise.
func ioTimeout(requested, configured time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	return configured
}
