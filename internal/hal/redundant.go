package hal

import (
	"context"
	"errors"
	"time"
)

// RedundantAdapter composes N child adapters of the same semantic role so a
// single adapter-level failure does not lose button coverage. Writes fan out
// to every child; reads and queries return the first successful response and
// fail only when every child has failed.
type RedundantAdapter struct {
	cfg      ProtocolConfig
	children []Adapter
	handlers handlerList
	tracker  statusTracker
}

// NewRedundantAdapter creates a composite over the given children. At least
// one child is required.
func NewRedundantAdapter(cfg ProtocolConfig, children ...Adapter) (*RedundantAdapter, error) {
	normalized, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		return nil, wrapf(ErrConfiguration, "redundant adapter %q requires at least one child", normalized.Name)
	}
	r := &RedundantAdapter{
		cfg:      normalized,
		children: append([]Adapter(nil), children...),
		tracker:  newStatusTracker(),
	}
	// forward child data/error events so subscribers see one merged stream
	for _, child := range r.children {
		child.Subscribe(func(ev Event) {
			if ev.Kind == EventData || ev.Kind == EventError {
				r.handlers.emit(ev)
			}
		})
	}
	return r, nil
}

// Connect connects every child and succeeds if at least one child connected.
// Per-child failures are collected, not fatal.
func (r *RedundantAdapter) Connect(ctx context.Context) error {
	var errs []error
	connected := 0
	for _, child := range r.children {
		if err := child.Connect(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		connected++
	}
	if connected == 0 {
		r.tracker.setError(errors.Join(errs...))
		return wrapf(ErrConnection, "redundant %s: all %d children failed: %v", r.cfg.Name, len(r.children), errors.Join(errs...))
	}
	if len(errs) > 0 {
		halLogf("redundant %s: %d of %d children connected", r.cfg.Name, connected, len(r.children))
	}
	r.tracker.setState(StateConnected)
	r.handlers.emit(Event{Kind: EventConnected})
	return nil
}

// Disconnect disconnects every child unconditionally, collecting failures.
func (r *RedundantAdapter) Disconnect() error {
	var errs []error
	for _, child := range r.children {
		if err := child.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	r.tracker.setState(StateDisconnected)
	r.handlers.emit(Event{Kind: EventDisconnected})
	return errors.Join(errs...)
}

// Write fans the packet out to every connected child and succeeds if at least
// one child accepted it.
func (r *RedundantAdapter) Write(ctx context.Context, packet DataPacket) error {
	var errs []error
	delivered := 0
	for _, child := range r.children {
		if !child.Connected() {
			continue
		}
		if err := child.Write(ctx, packet); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		if len(errs) == 0 {
			return wrapf(ErrNotConnected, "redundant %s: no connected children", r.cfg.Name)
		}
		return wrapf(ErrTransport, "redundant %s: all writes failed: %v", r.cfg.Name, errors.Join(errs...))
	}
	r.tracker.addSent(packet.Len())
	return nil
}

// Read returns the first successful child read.
func (r *RedundantAdapter) Read(ctx context.Context, timeout time.Duration) (DataPacket, error) {
	var errs []error
	for _, child := range r.children {
		if !child.Connected() {
			continue
		}
		packet, err := child.Read(ctx, timeout)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r.tracker.addReceived(packet.Len())
		return packet, nil
	}
	if len(errs) == 0 {
		return DataPacket{}, wrapf(ErrNotConnected, "redundant %s: no connected children", r.cfg.Name)
	}
	return DataPacket{}, wrapf(ErrTransport, "redundant %s: all reads failed: %v", r.cfg.Name, errors.Join(errs...))
}

// Query returns the first successful child response, trying children in
// order. It fails only when every child has failed.
func (r *RedundantAdapter) Query(ctx context.Context, request DataPacket, timeout time.Duration) (DataPacket, error) {
	var errs []error
	for _, child := range r.children {
		if !child.Connected() {
			continue
		}
		response, err := child.Query(ctx, request, timeout)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r.tracker.addSent(request.Len())
		r.tracker.addReceived(response.Len())
		return response, nil
	}
	if len(errs) == 0 {
		return DataPacket{}, wrapf(ErrNotConnected, "redundant %s: no connected children", r.cfg.Name)
	}
	return DataPacket{}, wrapf(ErrTransport, "redundant %s: all queries failed: %v", r.cfg.Name, errors.Join(errs...))
}

func (r *RedundantAdapter) Subscribe(handler EventHandler) { r.handlers.add(handler) }

// Connected reports true while at least one child is connected.
func (r *RedundantAdapter) Connected() bool {
	for _, child := range r.children {
		if child.Connected() {
			return true
		}
	}
	return false
}

func (r *RedundantAdapter) Status() ProtocolStatus {
	status := r.tracker.snapshot()
	if r.Connected() {
		status.State = StateConnected
	} else if status.State == StateConnected {
		status.State = StateDisconnected
	}
	return status
}

func (r *RedundantAdapter) Config() ProtocolConfig { return r.cfg }

// Children returns the composed child adapters, in order.
func (r *RedundantAdapter) Children() []Adapter {
	return append([]Adapter(nil), r.children...)
}
