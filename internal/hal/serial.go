package hal

import (
	"context"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialAdapter drives a device over a serial port. Each instance owns
// exactly one port handle; the handle is never shared across adapters so
// reads and writes cannot tear on the wire.
type SerialAdapter struct {
	cfg      ProtocolConfig
	tracker  statusTracker
	handlers handlerList

	mu   sync.Mutex // guards port open/close and serializes I/O
	port serial.Port

	// open is swappable for tests so the adapter logic can run against a
	// fake port without serial hardware.
	open func(name string, mode *serial.Mode) (serial.Port, error)
}

// serialReadBuffer is sized for short command/telemetry frames; e-stop
// devices exchange packets well under this.
const serialReadBuffer = 512

// NewSerialAdapter creates a serial adapter from the given configuration.
// The configuration must carry serial parameters.
func NewSerialAdapter(cfg ProtocolConfig) (*SerialAdapter, error) {
	normalized, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	if normalized.Serial == nil {
		return nil, wrapf(ErrConfiguration, "serial adapter %q requires serial parameters", normalized.Name)
	}
	return &SerialAdapter{
		cfg:     normalized,
		tracker: newStatusTracker(),
		open:    serial.Open,
	}, nil
}

// Connect opens the serial port. Idempotent if already connected.
func (a *SerialAdapter) Connect(ctx context.Context) error {
	var pending pendingEvents
	defer pending.publish(&a.handlers)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.port != nil {
		return nil
	}

	mode, err := a.cfg.Serial.Mode()
	if err != nil {
		return err
	}

	a.tracker.setState(StateConnecting)

	type openResult struct {
		port serial.Port
		err  error
	}
	done := make(chan openResult, 1)
	go func() {
		port, err := a.open(a.cfg.Serial.Port, mode)
		done <- openResult{port, err}
	}()

	timer := time.NewTimer(a.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			err := wrapf(ErrConnection, "open %s: %v", a.cfg.Serial.Port, res.err)
			a.tracker.setError(err)
			return err
		}
		a.port = res.port
		a.tracker.setState(StateConnected)
		pending.add(Event{Kind: EventConnected})
		return nil
	case <-timer.C:
		// the straggling open result closes the port if it ever arrives
		go func() {
			if res := <-done; res.err == nil && res.port != nil {
				res.port.Close()
			}
		}()
		err := wrapf(ErrConnection, "open %s: no response within %s", a.cfg.Serial.Port, a.cfg.ConnectTimeout)
		a.tracker.setError(err)
		return err
	case <-ctx.Done():
		go func() {
			if res := <-done; res.err == nil && res.port != nil {
				res.port.Close()
			}
		}()
		a.tracker.setState(StateDisconnected)
		return ctx.Err()
	}
}

// Disconnect closes the port unconditionally. Safe to call multiple times and
// safe to call if never connected.
func (a *SerialAdapter) Disconnect() error {
	var pending pendingEvents
	defer pending.publish(&a.handlers)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.port == nil {
		a.tracker.setState(StateDisconnected)
		return nil
	}
	err := a.port.Close()
	a.port = nil
	a.tracker.setState(StateDisconnected)
	pending.add(Event{Kind: EventDisconnected})
	if err != nil {
		return wrapf(ErrTransport, "close %s: %v", a.cfg.Serial.Port, err)
	}
	return nil
}

// Write sends the payload, bounded by the configured write timeout. A port
// that does not accept the bytes in time is treated as wedged: the handle is
// closed and dropped, and the caller sees ErrTimeout.
func (a *SerialAdapter) Write(ctx context.Context, packet DataPacket) error {
	var pending pendingEvents
	defer pending.publish(&a.handlers)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.port == nil {
		return wrapf(ErrNotConnected, "serial %s", a.cfg.Name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload := packet.Payload()

	type writeResult struct {
		n   int
		err error
	}
	done := make(chan writeResult, 1)
	port := a.port
	go func() {
		n, err := port.Write(payload)
		done <- writeResult{n, err}
	}()

	timer := time.NewTimer(a.cfg.WriteTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			a.tracker.setError(res.err)
			pending.add(Event{Kind: EventError, Err: res.err})
			return wrapf(ErrTransport, "write %s: %v", a.cfg.Serial.Port, res.err)
		}
		a.tracker.addSent(res.n)
		if res.n != len(payload) {
			return wrapf(ErrTransport, "write %s: short write %d of %d bytes", a.cfg.Serial.Port, res.n, len(payload))
		}
		return nil
	case <-timer.C:
		// closing unblocks the stalled write; the handle is not reusable
		a.port = nil
		port.Close()
		go func() { <-done }()
		err := wrapf(ErrTimeout, "write %s: not accepted within %s", a.cfg.Serial.Port, a.cfg.WriteTimeout)
		a.tracker.setError(err)
		pending.add(Event{Kind: EventError, Err: err})
		pending.add(Event{Kind: EventDisconnected})
		return err
	}
}

// Read blocks for the next inbound frame, retrying timed-out attempts per the
// configured retry policy.
func (a *SerialAdapter) Read(ctx context.Context, timeout time.Duration) (DataPacket, error) {
	var pending pendingEvents
	defer pending.publish(&a.handlers)

	a.mu.Lock()
	defer a.mu.Unlock()

	var packet DataPacket
	err := withRetries(ctx, a.cfg.Retry, func() error {
		var err error
		packet, err = a.readLocked(ctx, timeout, &pending)
		return err
	})
	return packet, err
}

func (a *SerialAdapter) readLocked(ctx context.Context, timeout time.Duration, pending *pendingEvents) (DataPacket, error) {
	if a.port == nil {
		return DataPacket{}, wrapf(ErrNotConnected, "serial %s", a.cfg.Name)
	}
	if err := ctx.Err(); err != nil {
		return DataPacket{}, err
	}

	effective := ioTimeout(timeout, a.cfg.ReadTimeout)
	if err := a.port.SetReadTimeout(effective); err != nil {
		return DataPacket{}, wrapf(ErrTransport, "set read timeout: %v", err)
	}

	buf := make([]byte, serialReadBuffer)
	n, err := a.port.Read(buf)
	if err != nil {
		a.tracker.setError(err)
		pending.add(Event{Kind: EventError, Err: err})
		return DataPacket{}, wrapf(ErrTransport, "read %s: %v", a.cfg.Serial.Port, err)
	}
	// go.bug.st/serial reports an expired read timeout as a zero-byte read
	if n == 0 {
		return DataPacket{}, wrapf(ErrTimeout, "read %s: no data within %s", a.cfg.Serial.Port, effective)
	}

	a.tracker.addReceived(n)
	packet := NewPacket(DirectionRX, buf[:n], nil)
	pending.add(Event{Kind: EventData, Packet: &packet})
	return packet, nil
}

// Query writes the request and reads the next frame as its response. The
// port mutex is held across both halves so concurrent queries cannot
// interleave their request/response pairs. A timed-out exchange is retried
// from the write per the configured retry policy.
func (a *SerialAdapter) Query(ctx context.Context, request DataPacket, timeout time.Duration) (DataPacket, error) {
	var pending pendingEvents
	defer pending.publish(&a.handlers)

	a.mu.Lock()
	defer a.mu.Unlock()

	var response DataPacket
	err := withRetries(ctx, a.cfg.Retry, func() error {
		if a.port == nil {
			return wrapf(ErrNotConnected, "serial %s", a.cfg.Name)
		}

		payload := request.Payload()
		n, err := a.port.Write(payload)
		if err != nil {
			a.tracker.setError(err)
			return wrapf(ErrTransport, "write %s: %v", a.cfg.Serial.Port, err)
		}
		a.tracker.addSent(n)
		if n != len(payload) {
			return wrapf(ErrTransport, "write %s: short write %d of %d bytes", a.cfg.Serial.Port, n, len(payload))
		}

		response, err = a.readLocked(ctx, timeout, &pending)
		return err
	})
	return response, err
}

func (a *SerialAdapter) Subscribe(handler EventHandler) { a.handlers.add(handler) }

func (a *SerialAdapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.port != nil
}

func (a *SerialAdapter) Status() ProtocolStatus { return a.tracker.snapshot() }

func (a *SerialAdapter) Config() ProtocolConfig { return a.cfg }
