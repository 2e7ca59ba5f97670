package hal

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Protocol type tags for the built-in adapter variants. Registry matching is
// exact and case-sensitive: "Serial" is not "serial", and is rejected rather
// than normalized.
const (
	ProtocolSerial = "serial"
	ProtocolUSBHID = "usb_hid"
	ProtocolMock   = "mock"
)

// Builder constructs an adapter from a configuration. New protocol types are
// added by registering a Builder; there is no reflection-based discovery.
type Builder func(cfg ProtocolConfig) (Adapter, error)

// Registry is the single authority for adapter lifecycle: construction from a
// protocol-type tag, tracking by caller-supplied id, lookup, and bulk
// teardown. It is an explicitly constructed object passed to its callers, not
// process-wide state, and is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	builders map[string]Builder
	adapters map[string]Adapter
}

// NewRegistry creates a registry with the built-in protocol types
// (serial, usb_hid, mock) pre-registered.
func NewRegistry() *Registry {
	r := &Registry{
		builders: make(map[string]Builder),
		adapters: make(map[string]Adapter),
	}
	r.builders[ProtocolSerial] = func(cfg ProtocolConfig) (Adapter, error) { return NewSerialAdapter(cfg) }
	r.builders[ProtocolUSBHID] = func(cfg ProtocolConfig) (Adapter, error) { return NewHIDAdapter(cfg) }
	r.builders[ProtocolMock] = func(cfg ProtocolConfig) (Adapter, error) { return NewMockAdapter(cfg) }
	return r
}

// RegisterProtocol adds a builder for a new protocol type. Re-registering an
// existing type fails rather than silently replacing the builder.
func (r *Registry) RegisterProtocol(protocolType string, builder Builder) error {
	if protocolType == "" || builder == nil {
		return wrapf(ErrConfiguration, "protocol type and builder must be set")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builders[protocolType]; exists {
		return wrapf(ErrConfiguration, "protocol type %q already registered", protocolType)
	}
	r.builders[protocolType] = builder
	return nil
}

// Create builds an adapter of the given protocol type and tracks it under id.
func (r *Registry) Create(protocolType string, cfg ProtocolConfig, id string) (Adapter, error) {
	if id == "" {
		return nil, wrapf(ErrConfiguration, "adapter id must not be empty")
	}

	r.mu.Lock()
	builder, ok := r.builders[protocolType]
	if !ok {
		r.mu.Unlock()
		return nil, wrapf(ErrUnsupportedProtocol, "%q", protocolType)
	}
	if _, exists := r.adapters[id]; exists {
		r.mu.Unlock()
		return nil, wrapf(ErrDuplicateID, "%q", id)
	}
	// reserve the id before building so a concurrent Create with the same id
	// fails fast instead of racing construction
	r.adapters[id] = nil
	r.mu.Unlock()

	adapter, err := builder(cfg)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		delete(r.adapters, id)
		return nil, err
	}
	r.adapters[id] = adapter
	return adapter, nil
}

// Track registers an externally constructed adapter (e.g. a Redundant
// composite) under id.
func (r *Registry) Track(id string, adapter Adapter) error {
	if id == "" || adapter == nil {
		return wrapf(ErrConfiguration, "adapter id and adapter must be set")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[id]; exists {
		return wrapf(ErrDuplicateID, "%q", id)
	}
	r.adapters[id] = adapter
	return nil
}

// Get returns the adapter tracked under id.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	adapter, ok := r.adapters[id]
	if !ok || adapter == nil {
		return nil, false
	}
	return adapter, true
}

// Remove disconnects (best-effort) and evicts the adapter. Disconnect errors
// are logged, not propagated: removal always succeeds for the caller.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	adapter, ok := r.adapters[id]
	delete(r.adapters, id)
	r.mu.Unlock()

	if !ok || adapter == nil {
		return
	}
	if err := adapter.Disconnect(); err != nil {
		halLogf("registry: disconnect during remove of %q: %v", id, err)
	}
}

// IDs returns the ids of all tracked adapters, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.adapters))
	for id, adapter := range r.adapters {
		if adapter == nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ConnectAll connects every tracked adapter, collecting per-adapter failures.
func (r *Registry) ConnectAll(ctx context.Context) error {
	var errs []error
	for _, id := range r.IDs() {
		adapter, ok := r.Get(id)
		if !ok {
			continue
		}
		if err := adapter.Connect(ctx); err != nil {
			errs = append(errs, wrapf(err, "adapter %q", id))
		}
	}
	return errors.Join(errs...)
}

// DisconnectAll disconnects every tracked adapter. Per-adapter failures are
// collected and returned joined; the iteration never aborts early.
func (r *Registry) DisconnectAll() error {
	var errs []error
	for _, id := range r.IDs() {
		adapter, ok := r.Get(id)
		if !ok {
			continue
		}
		if err := adapter.Disconnect(); err != nil {
			errs = append(errs, wrapf(err, "adapter %q", id))
		}
	}
	return errors.Join(errs...)
}
