package hal

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// MockAdapter is a deterministic, configurable simulation of a device
// transport. It is used by tests and by the simulation integration layer.
//
// Behaviour knobs: injected latency, packet loss rate, a bandwidth cap, a
// pre-programmed request/response table, and per-device error injection. The
// adapter multiplexes multiple simulated devices by keeping a mapping from
// device id to pending responses; InjectData simulates inbound bytes without
// a real transport.
type MockAdapter struct {
	cfg      ProtocolConfig
	tracker  statusTracker
	handlers handlerList

	mu sync.Mutex
	// responses maps an exact request payload to the response returned by
	// Query. Device-scoped tables take precedence over the shared table.
	responses       map[string][]byte
	deviceResponses map[string]map[string][]byte
	deviceErrors    map[string]error

	latency     time.Duration
	lossRate    float64 // probability in [0,1] that a write is dropped
	bytesPerSec int     // 0 means uncapped

	inbound chan DataPacket
	rng     *rand.Rand
}

// mockInboundBuffer bounds pending injected packets; InjectData fails the
// oldest-first contract if exceeded, so tests should drain reads.
const mockInboundBuffer = 64

// NewMockAdapter creates a mock adapter with the given configuration.
func NewMockAdapter(cfg ProtocolConfig) (*MockAdapter, error) {
	normalized, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	return &MockAdapter{
		cfg:             normalized,
		tracker:         newStatusTracker(),
		responses:       make(map[string][]byte),
		deviceResponses: make(map[string]map[string][]byte),
		deviceErrors:    make(map[string]error),
		inbound:         make(chan DataPacket, mockInboundBuffer),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// SetLatency injects a fixed delay into every I/O operation.
func (m *MockAdapter) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}

// SetPacketLoss sets the probability that a written packet is silently lost
// on the simulated wire. The write call itself still succeeds, as it would
// for a real lossy transport.
func (m *MockAdapter) SetPacketLoss(rate float64) {
	m.mu.Lock()
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	m.lossRate = rate
	m.mu.Unlock()
}

// SetBandwidth caps simulated throughput in bytes per second. Zero removes
// the cap.
func (m *MockAdapter) SetBandwidth(bytesPerSec int) {
	m.mu.Lock()
	m.bytesPerSec = bytesPerSec
	m.mu.Unlock()
}

// Program maps an exact request payload to the response Query returns.
func (m *MockAdapter) Program(request, response []byte) {
	m.mu.Lock()
	m.responses[string(request)] = append([]byte(nil), response...)
	m.mu.Unlock()
}

// ProgramDevice maps a request to a response for one simulated device.
// Device-scoped entries shadow the shared table for queries carrying that
// device id in their packet metadata under the "device" key.
func (m *MockAdapter) ProgramDevice(deviceID string, request, response []byte) {
	m.mu.Lock()
	table, ok := m.deviceResponses[deviceID]
	if !ok {
		table = make(map[string][]byte)
		m.deviceResponses[deviceID] = table
	}
	table[string(request)] = append([]byte(nil), response...)
	m.mu.Unlock()
}

// FailDevice makes every query for the given device id fail with err until
// cleared with a nil err.
func (m *MockAdapter) FailDevice(deviceID string, err error) {
	m.mu.Lock()
	if err == nil {
		delete(m.deviceErrors, deviceID)
	} else {
		m.deviceErrors[deviceID] = err
	}
	m.mu.Unlock()
}

// InjectData simulates inbound bytes from the device. The data is delivered
// to blocked Read calls and announced to subscribers as an EventData event.
func (m *MockAdapter) InjectData(data []byte) {
	packet := NewPacket(DirectionRX, data, nil)
	select {
	case m.inbound <- packet:
	default:
		halLogf("mock %s: inbound buffer full, dropping %d bytes", m.cfg.Name, len(data))
		return
	}
	m.tracker.addReceived(len(data))
	m.handlers.emit(Event{Kind: EventData, Packet: &packet})
}

// Connect marks the mock transport as established.
func (m *MockAdapter) Connect(ctx context.Context) error {
	if m.tracker.state() == StateConnected {
		return nil
	}
	m.tracker.setState(StateConnecting)
	if err := m.simulateDelay(ctx, 0); err != nil {
		m.tracker.setState(StateDisconnected)
		return err
	}
	m.tracker.setState(StateConnected)
	m.handlers.emit(Event{Kind: EventConnected})
	return nil
}

// Disconnect tears the mock transport down. Safe to call repeatedly.
func (m *MockAdapter) Disconnect() error {
	if m.tracker.state() == StateDisconnected {
		return nil
	}
	m.tracker.setState(StateDisconnected)
	m.handlers.emit(Event{Kind: EventDisconnected})
	return nil
}

func (m *MockAdapter) Write(ctx context.Context, packet DataPacket) error {
	if m.tracker.state() != StateConnected {
		return wrapf(ErrNotConnected, "mock %s", m.cfg.Name)
	}
	if err := m.simulateDelay(ctx, packet.Len()); err != nil {
		return err
	}

	m.mu.Lock()
	lost := m.lossRate > 0 && m.rng.Float64() < m.lossRate
	m.mu.Unlock()

	m.tracker.addSent(packet.Len())
	if lost {
		halLogf("mock %s: simulated loss of %d byte packet", m.cfg.Name, packet.Len())
	}
	return nil
}

func (m *MockAdapter) Read(ctx context.Context, timeout time.Duration) (DataPacket, error) {
	if m.tracker.state() != StateConnected {
		return DataPacket{}, wrapf(ErrNotConnected, "mock %s", m.cfg.Name)
	}
	timer := time.NewTimer(ioTimeout(timeout, m.cfg.ReadTimeout))
	defer timer.Stop()

	select {
	case packet := <-m.inbound:
		return packet, nil
	case <-timer.C:
		return DataPacket{}, wrapf(ErrTimeout, "mock %s: no data within %s", m.cfg.Name, ioTimeout(timeout, m.cfg.ReadTimeout))
	case <-ctx.Done():
		return DataPacket{}, ctx.Err()
	}
}

// Query looks the request up in the programmed response table. Requests with
// a "device" metadata key consult that device's table (and error injection)
// first. Unprogrammed requests time out, as they would against silent
// hardware.
func (m *MockAdapter) Query(ctx context.Context, request DataPacket, timeout time.Duration) (DataPacket, error) {
	if m.tracker.state() != StateConnected {
		return DataPacket{}, wrapf(ErrNotConnected, "mock %s", m.cfg.Name)
	}
	if err := m.simulateDelay(ctx, request.Len()); err != nil {
		return DataPacket{}, err
	}
	m.tracker.addSent(request.Len())

	deviceID := ""
	if md := request.Metadata(); md != nil {
		if id, ok := md["device"].(string); ok {
			deviceID = id
		}
	}

	m.mu.Lock()
	if deviceID != "" {
		if err, ok := m.deviceErrors[deviceID]; ok {
			m.mu.Unlock()
			return DataPacket{}, wrapf(ErrTransport, "mock %s device %s: %v", m.cfg.Name, deviceID, err)
		}
	}
	response, ok := m.lookupLocked(deviceID, request.payload)
	m.mu.Unlock()

	if !ok {
		return DataPacket{}, wrapf(ErrTimeout, "mock %s: no response programmed for request", m.cfg.Name)
	}

	m.tracker.addReceived(len(response))
	return NewPacket(DirectionRX, response, map[string]interface{}{"device": deviceID}), nil
}

func (m *MockAdapter) lookupLocked(deviceID string, request []byte) ([]byte, bool) {
	if deviceID != "" {
		if table, ok := m.deviceResponses[deviceID]; ok {
			if response, ok := table[string(request)]; ok {
				return response, true
			}
		}
	}
	response, ok := m.responses[string(request)]
	return response, ok
}

func (m *MockAdapter) Subscribe(handler EventHandler) { m.handlers.add(handler) }

func (m *MockAdapter) Connected() bool { return m.tracker.state() == StateConnected }

func (m *MockAdapter) Status() ProtocolStatus { return m.tracker.snapshot() }

func (m *MockAdapter) Config() ProtocolConfig { return m.cfg }

// simulateDelay sleeps for the configured latency plus the bandwidth-derived
// transfer time for n bytes, honouring context cancellation.
func (m *MockAdapter) simulateDelay(ctx context.Context, n int) error {
	m.mu.Lock()
	delay := m.latency
	if m.bytesPerSec > 0 && n > 0 {
		delay += time.Duration(float64(n) / float64(m.bytesPerSec) * float64(time.Second))
	}
	m.mu.Unlock()

	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
