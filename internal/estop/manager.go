// Package estop aggregates one or more physical or virtual stop-button
// devices into a single fail-safe, system-wide safety state.
//
// The Manager is the safety state machine. Ambiguous or faulty conditions
// resolve toward EMERGENCY or FAULT, never toward SAFE: the unacceptable
// failure mode is staying SAFE while a button is pressed, not a spurious
// emergency. The voting policy over redundant buttons is any-agrees.
package estop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/safety-control/estopd/internal/hal"
	"github.com/safety-control/estopd/internal/monitoring"
)

// SystemSafetyState is the Manager's own state. Exactly one authoritative
// value exists at any instant, guarded by the transition lock.
type SystemSafetyState string

const (
	SystemInitializing SystemSafetyState = "INITIALIZING"
	SystemSafe         SystemSafetyState = "SAFE"
	SystemEmergency    SystemSafetyState = "EMERGENCY"
	SystemFault        SystemSafetyState = "FAULT"
)

// AlarmSink is the alarm/notification side-channel fired on EMERGENCY entry.
// Fire-and-forget: failures are logged only.
type AlarmSink interface {
	Alarm(source, reason string) error
}

// Handler signatures for the three event categories. Handlers are invoked in
// the order transitions were committed, after the state is updated, and are
// isolated: a panicking handler is logged, not propagated.
type (
	StateChangeHandler func(state SystemSafetyState)
	EmergencyHandler   func(ev EmergencyEvent)
	FaultHandler       func(deviceID string, faults []FaultType)
)

// Options wires a Manager's collaborators. Only Safety is mandatory.
type Options struct {
	Safety SafetyConfig

	// Alarm receives EMERGENCY activations when alarm_on_activation is set.
	Alarm AlarmSink

	// Sink receives every event append/resolution (audit export).
	Sink EventSink

	// Discoverer supplies devices during Initialize when
	// auto_discovery_enabled is set.
	Discoverer hal.Discoverer

	// Registry builds adapters for discovered devices.
	Registry *hal.Registry

	// DiscoveredDevice is the device configuration template applied to
	// devices found by discovery.
	DiscoveredDevice DeviceConfig
}

// Manager is the emergency-stop safety state machine.
type Manager struct {
	cfg              SafetyConfig
	alarm            AlarmSink
	discoverer       hal.Discoverer
	registry         *hal.Registry
	discoveredDevice DeviceConfig
	logf             func(format string, v ...interface{})

	// mu is the transition lock: at most one state transition is computed
	// and applied at a time. It also guards the device map and handler
	// lists. Device I/O never runs under mu.
	mu       sync.Mutex
	state    SystemSafetyState
	devices  map[string]*device
	shutdown bool

	stateHandlers     []StateChangeHandler
	emergencyHandlers []EmergencyHandler
	faultHandlers     []FaultHandler

	log *eventLog

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// handler dispatch queue, drained by a single goroutine so handlers
	// observe transitions in commit order without blocking the lock
	queueMu      sync.Mutex
	queue        []notification
	wake         chan struct{}
	dispatchDone chan struct{}
}

type notifyKind int

const (
	notifyState notifyKind = iota
	notifyEmergency
	notifyFault
)

type notification struct {
	kind     notifyKind
	state    SystemSafetyState
	event    EmergencyEvent
	deviceID string
	faults   []FaultType
}

// NewManager creates a Manager in the INITIALIZING state.
func NewManager(opts Options) (*Manager, error) {
	if err := opts.Safety.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:              opts.Safety,
		alarm:            opts.Alarm,
		discoverer:       opts.Discoverer,
		registry:         opts.Registry,
		discoveredDevice: opts.DiscoveredDevice,
		logf:             monitoring.Component("estop"),
		state:            SystemInitializing,
		devices:          make(map[string]*device),
		ctx:              ctx,
		cancel:           cancel,
		wake:             make(chan struct{}, 1),
		dispatchDone:     make(chan struct{}),
	}
	m.log = newEventLog(opts.Sink, m.logf)

	go m.dispatch()
	return m, nil
}

// CurrentState returns the authoritative system safety state.
func (m *Manager) CurrentState() SystemSafetyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RegisterStateChangeHandler adds a listener for system state transitions.
func (m *Manager) RegisterStateChangeHandler(h StateChangeHandler) {
	if h == nil {
		return
	}
	m.mu.Lock()
	m.stateHandlers = append(m.stateHandlers, h)
	m.mu.Unlock()
}

// RegisterEmergencyHandler adds a listener for emergency events. Handlers may
// perform further I/O; they run on the dispatch goroutine, not inside the
// transition lock.
func (m *Manager) RegisterEmergencyHandler(h EmergencyHandler) {
	if h == nil {
		return
	}
	m.mu.Lock()
	m.emergencyHandlers = append(m.emergencyHandlers, h)
	m.mu.Unlock()
}

// RegisterFaultHandler adds a listener for per-device fault set changes.
func (m *Manager) RegisterFaultHandler(h FaultHandler) {
	if h == nil {
		return
	}
	m.mu.Lock()
	m.faultHandlers = append(m.faultHandlers, h)
	m.mu.Unlock()
}

// AddDevice registers a stop-button device behind the given adapter and
// starts its heartbeat monitor. The id must be unique.
func (m *Manager) AddDevice(id string, adapter hal.Adapter, cfg DeviceConfig) error {
	if id == "" {
		return errf(ErrConfiguration, "device id must not be empty")
	}
	if adapter == nil {
		return errf(ErrConfiguration, "device %q: adapter must not be nil", id)
	}
	if cfg.Name == "" {
		cfg.Name = id
	}
	normalized, err := cfg.Normalize()
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ErrShutdown
	}
	if _, exists := m.devices[id]; exists {
		m.mu.Unlock()
		return errf(ErrDuplicateDevice, "%q", id)
	}
	d := newDevice(id, adapter, normalized)
	// arm the watchdog from registration time
	d.lastHeartbeat = time.Now()
	m.devices[id] = d
	m.mu.Unlock()

	if !adapter.Connected() {
		if err := adapter.Connect(m.ctx); err != nil {
			m.logf("device %s: connect: %v", id, err)
			m.mu.Lock()
			if d.faults.Add(FaultCommunicationError) {
				d.state = DeviceFault
				m.enqueueFaultLocked(d)
			}
			m.evaluateLocked()
			m.mu.Unlock()
		}
	}

	// inbound data pushed by the device (or injected by a simulation) is a
	// status report too; it reacts faster than the next poll tick
	adapter.Subscribe(func(ev hal.Event) {
		if ev.Kind != hal.EventData || ev.Packet == nil {
			return
		}
		report, ok := parseStatusReport(ev.Packet.Payload())
		if !ok {
			return
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.shutdown {
			return
		}
		if _, exists := m.devices[id]; !exists {
			return
		}
		m.applyReportLocked(d, report)
		m.evaluateLocked()
	})

	if m.cfg.HeartbeatCheckEnabled {
		monitorCtx, cancel := context.WithCancel(m.ctx)
		d.cancel = cancel
		m.wg.Add(1)
		go m.monitor(monitorCtx, d)
	}
	return nil
}

// Initialize completes startup: runs discovery (when enabled), performs the
// initial health check, and leaves INITIALIZING for SAFE, EMERGENCY, or
// FAULT.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ErrShutdown
	}
	if m.state != SystemInitializing {
		m.mu.Unlock()
		return errf(ErrConfiguration, "initialize called in state %s", m.state)
	}
	m.mu.Unlock()

	if m.cfg.AutoDiscoveryEnabled && m.discoverer != nil {
		m.runDiscovery(ctx)
	}
	m.pollAll()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != SystemInitializing {
		// a pressed button observed during pollAll already latched EMERGENCY
		return nil
	}

	healthy := m.healthyCountLocked()
	if pressed := m.pressedDeviceLocked(); pressed != "" {
		m.setStateLocked(SystemEmergency, SourceDevice(pressed), "stop button pressed at startup", []string{"emergency_latched"})
		return nil
	}
	if m.cfg.RequireRedundancy && healthy < m.cfg.MinimumButtonsRequired {
		m.setStateLocked(SystemFault, SourceSystem,
			fmt.Sprintf("%d healthy devices, %d required", healthy, m.cfg.MinimumButtonsRequired),
			[]string{"redundancy_check_failed"})
		return nil
	}
	if m.cfg.FailSafeOnFault && m.anyFaultLocked() {
		m.setStateLocked(SystemEmergency, SourceSystem, "unresolved device fault at startup", []string{"fail_safe_latched"})
		return nil
	}
	m.setStateLocked(SystemSafe, SourceSystem, "initialization complete", nil)
	return nil
}

// ActivateEmergencyStop transitions to EMERGENCY unconditionally. Already
// EMERGENCY is a no-op returning true with no duplicate event. Returns false
// only when the Manager has been shut down.
func (m *Manager) ActivateEmergencyStop(source, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return false
	}
	if m.state == SystemEmergency {
		return true
	}
	if source == "" {
		source = SourceSystem
	}
	actions := []string{"emergency_latched", "handlers_notified"}
	if m.cfg.AlarmOnActivation {
		actions = append(actions, "alarm_triggered")
	}
	m.setStateLocked(SystemEmergency, source, reason, actions)
	return true
}

// DeactivateEmergencyStop clears an EMERGENCY. It succeeds only when every
// device reports RELEASED, or overrideSafety is set: the system must not
// silently clear an active stop condition. Returns false, state unchanged,
// otherwise.
func (m *Manager) DeactivateEmergencyStop(operatorID string, overrideSafety bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return false
	}
	switch m.state {
	case SystemSafe:
		return true
	case SystemInitializing, SystemFault:
		return false
	}

	if !overrideSafety {
		for id, d := range m.devices {
			if d.state == DevicePressed {
				m.logf("deactivation refused: device %s still pressed", id)
				return false
			}
		}
	}
	m.setStateLocked(SystemSafe, SourceOperator(operatorID), "emergency stop deactivated", nil)
	return true
}

// Reset attempts FAULT -> SAFE: re-runs discovery when the policy demands it,
// re-checks device health, and succeeds only when the INITIALIZING health
// policy would pass again.
func (m *Manager) Reset(ctx context.Context) bool {
	m.mu.Lock()
	if m.shutdown || m.state != SystemFault {
		defer m.mu.Unlock()
		return m.state == SystemSafe && !m.shutdown
	}
	m.mu.Unlock()

	if m.cfg.ResetRequiresDiscovery && m.cfg.AutoDiscoveryEnabled && m.discoverer != nil {
		m.runDiscovery(ctx)
	}
	m.pollAll()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != SystemFault {
		return m.state == SystemSafe
	}
	if m.pressedDeviceLocked() != "" {
		return false
	}
	if m.cfg.RequireRedundancy && m.healthyCountLocked() < m.cfg.MinimumButtonsRequired {
		return false
	}
	if m.cfg.FailSafeOnFault && m.anyFaultLocked() {
		return false
	}
	m.setStateLocked(SystemSafe, SourceSystem, "fault reset: health check passed", nil)
	return true
}

// Command sends a request through a device's adapter and returns the raw
// response payload. I/O failures are recorded as fault candidates for the
// device, never propagated as crashes.
func (m *Manager) Command(ctx context.Context, deviceID string, request []byte, timeout time.Duration) ([]byte, error) {
	m.mu.Lock()
	d, ok := m.devices[deviceID]
	m.mu.Unlock()
	if !ok {
		return nil, errf(ErrDeviceNotFound, "%q", deviceID)
	}

	req := hal.NewPacket(hal.DirectionTX, request, map[string]interface{}{"device": deviceID})
	resp, err := d.adapter.Query(ctx, req, timeout)
	if err != nil {
		if hal.IsFaultCandidate(err) {
			m.mu.Lock()
			if !m.shutdown {
				if d.faults.Add(FaultCommunicationError) {
					m.enqueueFaultLocked(d)
				}
				m.evaluateLocked()
			}
			m.mu.Unlock()
		}
		return nil, err
	}
	return resp.Payload(), nil
}

// DeviceStates returns a snapshot of every registered device.
func (m *Manager) DeviceStates() map[string]DeviceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]DeviceStatus, len(m.devices))
	for id, d := range m.devices {
		out[id] = d.snapshot()
	}
	return out
}

// EmergencyEvents returns up to limit events, most recent first. limit <= 0
// returns all.
func (m *Manager) EmergencyEvents(limit int) []EmergencyEvent {
	return m.log.recent(limit)
}

// Shutdown stops all heartbeat monitors, disconnects adapters, and drains the
// handler queue. Out-of-band lifecycle action, not a safety state; safe to
// call more than once.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	devices := make([]*device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	for _, d := range devices {
		if err := d.adapter.Disconnect(); err != nil {
			m.logf("shutdown: disconnect %s: %v", d.id, err)
		}
	}
	<-m.dispatchDone
}

// --- internal: polling and evaluation ---

func (m *Manager) monitor(ctx context.Context, d *device) {
	defer m.wg.Done()
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollDevice(d)
		}
	}
}

// pollDevice performs one heartbeat poll. The adapter query runs outside the
// transition lock so device I/O never blocks state decisions.
func (m *Manager) pollDevice(d *device) {
	req := hal.NewPacket(hal.DirectionTX, statusRequest, map[string]interface{}{"device": d.id})
	resp, err := d.adapter.Query(m.ctx, req, d.cfg.HeartbeatInterval)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return
	}
	if _, exists := m.devices[d.id]; !exists {
		return
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		m.recordPollFailureLocked(d, err)
		m.evaluateLocked()
		return
	}
	report, ok := parseStatusReport(resp.Payload())
	if !ok {
		m.recordPollFailureLocked(d, errf(ErrConfiguration, "unparseable status payload"))
		m.evaluateLocked()
		return
	}
	m.applyReportLocked(d, report)
	m.evaluateLocked()
}

func (m *Manager) pollAll() {
	m.mu.Lock()
	devices := make([]*device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.Unlock()

	for _, d := range devices {
		m.pollDevice(d)
	}
}

// applyReportLocked folds a successful status report into the device record.
func (m *Manager) applyReportLocked(d *device, report statusReport) {
	d.lastHeartbeat = time.Now()
	changed := d.faults.Resolve(FaultCommunicationError)
	changed = d.faults.Resolve(FaultHeartbeatTimeout) || changed

	switch report.State {
	case string(DevicePressed):
		d.state = DevicePressed
	case string(DeviceReleased):
		d.state = DeviceReleased
	case string(DeviceFault):
		d.state = DeviceFault
	}

	if report.VoltageV != nil {
		d.voltage = *report.VoltageV
		v := d.voltage
		if v < d.cfg.PowerLossVolts {
			changed = d.faults.Add(FaultPowerLoss) || changed
		} else {
			changed = d.faults.Resolve(FaultPowerLoss) || changed
		}
		if v < d.cfg.VoltageMinV || v > d.cfg.VoltageMaxV {
			changed = d.faults.Add(FaultVoltageOutOfRange) || changed
		} else {
			changed = d.faults.Resolve(FaultVoltageOutOfRange) || changed
		}
	}

	if changed {
		m.enqueueFaultLocked(d)
	}
}

// recordPollFailureLocked folds a failed poll into the device record: a
// communication fault immediately, a heartbeat-timeout fault once the
// device's silence exceeds its configured timeout.
func (m *Manager) recordPollFailureLocked(d *device, err error) {
	changed := d.faults.Add(FaultCommunicationError)
	if time.Since(d.lastHeartbeat) > d.cfg.HeartbeatTimeout {
		changed = d.faults.Add(FaultHeartbeatTimeout) || changed
	}
	if changed {
		d.state = DeviceFault
		m.logf("device %s: poll failed: %v (faults %v)", d.id, err, d.faults.List())
		m.enqueueFaultLocked(d)
	}
}

func (m *Manager) healthyCountLocked() int {
	n := 0
	for _, d := range m.devices {
		if d.healthy() {
			n++
		}
	}
	return n
}

func (m *Manager) pressedDeviceLocked() string {
	for id, d := range m.devices {
		if d.state == DevicePressed {
			return id
		}
	}
	return ""
}

func (m *Manager) anyFaultLocked() bool {
	for _, d := range m.devices {
		if !d.faults.Empty() {
			return true
		}
	}
	return false
}

// evaluateLocked recomputes the system state from device signals. Voting is
// any-agrees: a single pressed button is sufficient for EMERGENCY.
func (m *Manager) evaluateLocked() {
	if m.shutdown {
		return
	}

	pressed := m.pressedDeviceLocked()
	healthy := m.healthyCountLocked()

	switch m.state {
	case SystemInitializing, SystemSafe:
		if pressed != "" {
			m.setStateLocked(SystemEmergency, SourceDevice(pressed), "stop button pressed", []string{"emergency_latched"})
			return
		}
		if m.cfg.RequireRedundancy && healthy < m.cfg.MinimumButtonsRequired {
			m.setStateLocked(SystemFault, SourceSystem,
				fmt.Sprintf("%d healthy devices, %d required", healthy, m.cfg.MinimumButtonsRequired),
				[]string{"redundancy_lost"})
			return
		}
		if m.state == SystemSafe && m.cfg.FailSafeOnFault && m.anyFaultLocked() {
			m.setStateLocked(SystemEmergency, SourceSystem, "unresolved device fault", []string{"fail_safe_latched"})
		}
	case SystemEmergency:
		if m.cfg.RequireRedundancy && healthy < m.cfg.MinimumButtonsRequired {
			m.setStateLocked(SystemFault, SourceSystem,
				fmt.Sprintf("%d healthy devices, %d required", healthy, m.cfg.MinimumButtonsRequired),
				[]string{"redundancy_lost"})
		}
	case SystemFault:
		// leaves FAULT only via explicit Reset
	}
}

// setStateLocked commits a state transition and queues handler notifications
// in commit order. Entries into EMERGENCY/FAULT open an event; exits resolve
// the most recent open one.
func (m *Manager) setStateLocked(to SystemSafetyState, source, reason string, actions []string) {
	if m.state == to {
		return
	}
	from := m.state
	m.state = to

	if m.cfg.LogAllEvents || to == SystemEmergency || to == SystemFault {
		m.logf("state %s -> %s (%s: %s)", from, to, source, reason)
	}

	if from == SystemEmergency || from == SystemFault {
		if ev, ok := m.log.resolveLatest(time.Now()); ok {
			m.enqueue(notification{kind: notifyEmergency, event: ev})
		}
	}

	m.enqueue(notification{kind: notifyState, state: to})

	if to == SystemEmergency || to == SystemFault {
		ev := m.log.record(source, reason, actions)
		m.enqueue(notification{kind: notifyEmergency, event: ev})
		if to == SystemEmergency && m.cfg.AlarmOnActivation && m.alarm != nil {
			go m.fireAlarm(source, reason)
		}
	}
}

func (m *Manager) fireAlarm(source, reason string) {
	defer func() {
		if r := recover(); r != nil {
			m.logf("alarm sink panic: %v", r)
		}
	}()
	if err := m.alarm.Alarm(source, reason); err != nil {
		m.logf("alarm sink: %v", err)
	}
}

func (m *Manager) enqueueFaultLocked(d *device) {
	m.enqueue(notification{kind: notifyFault, deviceID: d.id, faults: d.faults.List()})
}

func (m *Manager) runDiscovery(ctx context.Context) {
	found, err := m.discoverer.Discover(ctx)
	if err != nil {
		m.logf("discovery: %v", err)
		return
	}
	for _, candidate := range found {
		id := candidate.Config.Name
		if id == "" {
			continue
		}
		m.mu.Lock()
		_, exists := m.devices[id]
		m.mu.Unlock()
		if exists {
			continue
		}

		if m.registry == nil {
			m.logf("discovery: no registry to build %s adapter for %s", candidate.ProtocolType, id)
			continue
		}
		adapter, err := m.registry.Create(candidate.ProtocolType, candidate.Config, id)
		if err != nil {
			if errors.Is(err, hal.ErrDuplicateID) {
				continue
			}
			m.logf("discovery: create %s (%s): %v", id, candidate.ProtocolType, err)
			continue
		}
		cfg := m.discoveredDevice
		cfg.Name = id
		if err := m.AddDevice(id, adapter, cfg); err != nil {
			m.logf("discovery: add %s: %v", id, err)
			m.registry.Remove(id)
		}
	}
}

// --- internal: handler dispatch ---

func (m *Manager) dispatch() {
	defer close(m.dispatchDone)
	for {
		m.drainQueue()
		select {
		case <-m.wake:
		case <-m.ctx.Done():
			m.drainQueue()
			return
		}
	}
}

func (m *Manager) drainQueue() {
	for {
		m.queueMu.Lock()
		batch := m.queue
		m.queue = nil
		m.queueMu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, n := range batch {
			m.deliver(n)
		}
	}
}

func (m *Manager) enqueue(n notification) {
	m.queueMu.Lock()
	m.queue = append(m.queue, n)
	m.queueMu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) deliver(n notification) {
	m.mu.Lock()
	var stateHandlers []StateChangeHandler
	var emergencyHandlers []EmergencyHandler
	var faultHandlers []FaultHandler
	switch n.kind {
	case notifyState:
		stateHandlers = append(stateHandlers, m.stateHandlers...)
	case notifyEmergency:
		emergencyHandlers = append(emergencyHandlers, m.emergencyHandlers...)
	case notifyFault:
		faultHandlers = append(faultHandlers, m.faultHandlers...)
	}
	m.mu.Unlock()

	invoke := func(f func()) {
		defer func() {
			if r := recover(); r != nil {
				m.logf("handler panic: %v", r)
			}
		}()
		f()
	}
	for _, h := range stateHandlers {
		h := h
		invoke(func() { h(n.state) })
	}
	for _, h := range emergencyHandlers {
		h := h
		invoke(func() { h(n.event) })
	}
	for _, h := range faultHandlers {
		h := h
		invoke(func() { h(n.deviceID, n.faults) })
	}
}
