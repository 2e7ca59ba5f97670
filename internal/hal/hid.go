package hal

import (
	"context"
	"sync"
	"time"

	hid "github.com/sstallion/go-hid"
)

// hidDevice is the subset of *hid.Device the adapter uses, extracted so tests
// can substitute a fake without HID hardware.
type hidDevice interface {
	Write(p []byte) (int, error)
	ReadWithTimeout(p []byte, timeout time.Duration) (int, error)
	Close() error
}

// HIDAdapter drives a device over USB-HID reports via the hidapi binding.
// Each instance owns exactly one device handle.
type HIDAdapter struct {
	cfg      ProtocolConfig
	tracker  statusTracker
	handlers handlerList

	mu     sync.Mutex
	device hidDevice

	open func(vid, pid uint16, serial string) (hidDevice, error)
}

// NewHIDAdapter creates a USB-HID adapter from the given configuration. The
// configuration must carry HID parameters.
func NewHIDAdapter(cfg ProtocolConfig) (*HIDAdapter, error) {
	normalized, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	if normalized.HID == nil {
		return nil, wrapf(ErrConfiguration, "hid adapter %q requires hid parameters", normalized.Name)
	}
	return &HIDAdapter{
		cfg:     normalized,
		tracker: newStatusTracker(),
		open: func(vid, pid uint16, serial string) (hidDevice, error) {
			if serial != "" {
				return hid.Open(vid, pid, serial)
			}
			return hid.OpenFirst(vid, pid)
		},
	}, nil
}

// Connect opens the HID device handle. Idempotent if already connected.
func (a *HIDAdapter) Connect(ctx context.Context) error {
	var pending pendingEvents
	defer pending.publish(&a.handlers)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.device != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.tracker.setState(StateConnecting)
	dev, err := a.open(a.cfg.HID.VendorID, a.cfg.HID.ProductID, a.cfg.HID.SerialNumber)
	if err != nil {
		werr := wrapf(ErrConnection, "open hid %04x:%04x: %v", a.cfg.HID.VendorID, a.cfg.HID.ProductID, err)
		a.tracker.setError(werr)
		return werr
	}
	a.device = dev
	a.tracker.setState(StateConnected)
	pending.add(Event{Kind: EventConnected})
	return nil
}

// Disconnect closes the device handle unconditionally.
func (a *HIDAdapter) Disconnect() error {
	var pending pendingEvents
	defer pending.publish(&a.handlers)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.device == nil {
		a.tracker.setState(StateDisconnected)
		return nil
	}
	err := a.device.Close()
	a.device = nil
	a.tracker.setState(StateDisconnected)
	pending.add(Event{Kind: EventDisconnected})
	if err != nil {
		return wrapf(ErrTransport, "close hid: %v", err)
	}
	return nil
}

// Write sends one output report, bounded by the configured write timeout. A
// device that does not accept the report in time is treated as wedged: the
// handle is closed and dropped, and the caller sees ErrTimeout.
func (a *HIDAdapter) Write(ctx context.Context, packet DataPacket) error {
	var pending pendingEvents
	defer pending.publish(&a.handlers)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.device == nil {
		return wrapf(ErrNotConnected, "hid %s", a.cfg.Name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	report, err := a.padReport(packet.Payload())
	if err != nil {
		return err
	}

	type writeResult struct {
		n   int
		err error
	}
	done := make(chan writeResult, 1)
	dev := a.device
	go func() {
		n, err := dev.Write(report)
		done <- writeResult{n, err}
	}()

	timer := time.NewTimer(a.cfg.WriteTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			a.tracker.setError(res.err)
			pending.add(Event{Kind: EventError, Err: res.err})
			return wrapf(ErrTransport, "hid write: %v", res.err)
		}
		a.tracker.addSent(res.n)
		return nil
	case <-timer.C:
		// closing unblocks the stalled write; the handle is not reusable
		a.device = nil
		dev.Close()
		go func() { <-done }()
		err := wrapf(ErrTimeout, "hid write: report not accepted within %s", a.cfg.WriteTimeout)
		a.tracker.setError(err)
		pending.add(Event{Kind: EventError, Err: err})
		pending.add(Event{Kind: EventDisconnected})
		return err
	}
}

// padReport pads the payload to the fixed report size; HID output reports are
// always full-length.
func (a *HIDAdapter) padReport(payload []byte) ([]byte, error) {
	if len(payload) > a.cfg.HID.ReportSize {
		return nil, wrapf(ErrConfiguration, "payload %d exceeds report size %d", len(payload), a.cfg.HID.ReportSize)
	}
	report := make([]byte, a.cfg.HID.ReportSize)
	copy(report, payload)
	return report, nil
}

// Read blocks for the next input report, retrying timed-out attempts per the
// configured retry policy.
func (a *HIDAdapter) Read(ctx context.Context, timeout time.Duration) (DataPacket, error) {
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

func (a *HIDAdapter) readLocked(ctx context.Context, timeout time.Duration, pending *pendingEvents) (DataPacket, error) {
	if a.device == nil {
		return DataPacket{}, wrapf(ErrNotConnected, "hid %s", a.cfg.Name)
	}
	if err := ctx.Err(); err != nil {
		return DataPacket{}, err
	}

	effective := ioTimeout(timeout, a.cfg.ReadTimeout)
	buf := make([]byte, a.cfg.HID.ReportSize)
	n, err := a.device.ReadWithTimeout(buf, effective)
	if err != nil {
		a.tracker.setError(err)
		pending.add(Event{Kind: EventError, Err: err})
		return DataPacket{}, wrapf(ErrTransport, "hid read: %v", err)
	}
	// hidapi reports an expired read timeout as a zero-byte read
	if n == 0 {
		return DataPacket{}, wrapf(ErrTimeout, "hid read: no report within %s", effective)
	}

	a.tracker.addReceived(n)
	packet := NewPacket(DirectionRX, buf[:n], nil)
	pending.add(Event{Kind: EventData, Packet: &packet})
	return packet, nil
}

// Query writes an output report and reads the next input report as its
// response, holding the device mutex across both halves. A timed-out exchange
// is retried from the write per the configured retry policy.
func (a *HIDAdapter) Query(ctx context.Context, request DataPacket, timeout time.Duration) (DataPacket, error) {
	var pending pendingEvents
	defer pending.publish(&a.handlers)

	a.mu.Lock()
	defer a.mu.Unlock()

	var response DataPacket
	err := withRetries(ctx, a.cfg.Retry, func() error {
		if a.device == nil {
			return wrapf(ErrNotConnected, "hid %s", a.cfg.Name)
		}

		report, err := a.padReport(request.Payload())
		if err != nil {
			return err
		}
		n, err := a.device.Write(report)
		if err != nil {
			a.tracker.setError(err)
			return wrapf(ErrTransport, "hid write: %v", err)
		}
		a.tracker.addSent(n)

		response, err = a.readLocked(ctx, timeout, &pending)
		return err
	})
	return response, err
}

func (a *HIDAdapter) Subscribe(handler EventHandler) { a.handlers.add(handler) }

func (a *HIDAdapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.device != nil
}

func (a *HIDAdapter) Status() ProtocolStatus { return a.tracker.snapshot() }

func (a *HIDAdapter) Config() ProtocolConfig { return a.cfg }
