package estop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safety-control/estopd/internal/hal"
	"github.com/safety-control/estopd/internal/testutil"
)

const testHeartbeat = 20 * time.Millisecond

var (
	releasedReport = []byte(`{"state":"RELEASED","voltage_v":24}`)
	pressedReport  = []byte(`{"state":"PRESSED","voltage_v":24}`)
)

// newButtonAdapter builds a connected mock adapter simulating one released
// stop button.
func newButtonAdapter(t *testing.T, id string) *hal.MockAdapter {
	t.Helper()
	adapter, err := hal.NewMockAdapter(hal.ProtocolConfig{Name: id})
	require.NoError(t, err)
	require.NoError(t, adapter.Connect(context.Background()))
	adapter.ProgramDevice(id, statusRequest, releasedReport)
	return adapter
}

// newTestManager builds an initialized manager with one mock button per id.
func newTestManager(t *testing.T, cfg SafetyConfig, ids ...string) (*Manager, map[string]*hal.MockAdapter) {
	t.Helper()
	m, err := NewManager(Options{Safety: cfg})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	adapters := make(map[string]*hal.MockAdapter, len(ids))
	for _, id := range ids {
		adapter := newButtonAdapter(t, id)
		adapters[id] = adapter
		require.NoError(t, m.AddDevice(id, adapter, DeviceConfig{HeartbeatInterval: testHeartbeat}))
	}
	require.NoError(t, m.Initialize(context.Background()))
	return m, adapters
}

func waitForState(t *testing.T, m *Manager, want SystemSafetyState) {
	t.Helper()
	ok := testutil.WaitFor(t, 2*time.Second, func() bool { return m.CurrentState() == want })
	require.True(t, ok, "state = %s, want %s", m.CurrentState(), want)
}

func TestInitializeReachesSafe(t *testing.T) {
	m, _ := newTestManager(t, DefaultSafetyConfig(), "button-1")

	assert.Equal(t, SystemSafe, m.CurrentState())
	status := m.DeviceStates()["button-1"]
	assert.Equal(t, DeviceReleased, status.State)
	assert.True(t, status.Healthy)
	assert.InDelta(t, 24.0, status.VoltageV, 0.001)
}

func TestInitializeWithPressedButtonLatchesEmergency(t *testing.T) {
	m, err := NewManager(Options{Safety: DefaultSafetyConfig()})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	adapter := newButtonAdapter(t, "button-1")
	adapter.ProgramDevice("button-1", statusRequest, pressedReport)
	require.NoError(t, m.AddDevice("button-1", adapter, DeviceConfig{HeartbeatInterval: testHeartbeat}))
	require.NoError(t, m.Initialize(context.Background()))

	assert.Equal(t, SystemEmergency, m.CurrentState())
}

func TestInitializeFailSafeOnStartupFault(t *testing.T) {
	cfg := DefaultSafetyConfig()
	cfg.HeartbeatCheckEnabled = false
	m, err := NewManager(Options{Safety: cfg})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	// released button, but the supervised loop reports a dead supply
	adapter := newButtonAdapter(t, "button-1")
	adapter.ProgramDevice("button-1", statusRequest, []byte(`{"state":"RELEASED","voltage_v":2.0}`))
	require.NoError(t, m.AddDevice("button-1", adapter, DeviceConfig{HeartbeatInterval: testHeartbeat}))
	require.NoError(t, m.Initialize(context.Background()))

	assert.Equal(t, SystemEmergency, m.CurrentState())
	status := m.DeviceStates()["button-1"]
	assert.Contains(t, status.Faults, FaultPowerLoss)
	assert.Contains(t, status.Faults, FaultVoltageOutOfRange)
}

func TestButtonPressTriggersEmergencyWithinHeartbeat(t *testing.T) {
	m, adapters := newTestManager(t, DefaultSafetyConfig(), "button-1")

	adapters["button-1"].ProgramDevice("button-1", statusRequest, pressedReport)
	waitForState(t, m, SystemEmergency)

	events := m.EmergencyEvents(1)
	require.Len(t, events, 1)
	assert.Equal(t, SourceDevice("button-1"), events[0].Source)
	assert.False(t, events[0].Resolved())
}

func TestPushedPressReactsWithoutPolling(t *testing.T) {
	cfg := DefaultSafetyConfig()
	cfg.HeartbeatCheckEnabled = false
	m, adapters := newTestManager(t, cfg, "button-1")

	adapters["button-1"].InjectData([]byte("PRESSED"))
	waitForState(t, m, SystemEmergency)
}

func TestActivateEmergencyStopIdempotent(t *testing.T) {
	cfg := DefaultSafetyConfig()
	cfg.HeartbeatCheckEnabled = false
	m, _ := newTestManager(t, cfg, "button-1")

	assert.True(t, m.ActivateEmergencyStop(SourceOperator("alice"), "drill"))
	assert.Equal(t, SystemEmergency, m.CurrentState())

	// second activation is a no-op success with no duplicate event
	assert.True(t, m.ActivateEmergencyStop(SourceOperator("bob"), "drill again"))
	events := m.EmergencyEvents(0)
	require.Len(t, events, 1)
	assert.Equal(t, SourceOperator("alice"), events[0].Source)
}

func TestDeactivateRefusedWhileButtonPressed(t *testing.T) {
	cfg := DefaultSafetyConfig()
	cfg.HeartbeatCheckEnabled = false
	m, adapters := newTestManager(t, cfg, "button-1")

	adapters["button-1"].InjectData([]byte("PRESSED"))
	waitForState(t, m, SystemEmergency)

	assert.False(t, m.DeactivateEmergencyStop("alice", false))
	assert.Equal(t, SystemEmergency, m.CurrentState())

	adapters["button-1"].InjectData([]byte("RELEASED"))
	ok := testutil.WaitFor(t, 2*time.Second, func() bool {
		return m.DeviceStates()["button-1"].State == DeviceReleased
	})
	require.True(t, ok)

	assert.True(t, m.DeactivateEmergencyStop("alice", false))
	assert.Equal(t, SystemSafe, m.CurrentState())

	events := m.EmergencyEvents(1)
	require.Len(t, events, 1)
	assert.True(t, events[0].Resolved(), "emergency exit must resolve the event")
}

func TestDeactivateWithOverride(t *testing.T) {
	cfg := DefaultSafetyConfig()
	cfg.HeartbeatCheckEnabled = false
	m, adapters := newTestManager(t, cfg, "button-1")

	adapters["button-1"].InjectData([]byte("PRESSED"))
	waitForState(t, m, SystemEmergency)

	assert.True(t, m.DeactivateEmergencyStop("supervisor", true))
	assert.Equal(t, SystemSafe, m.CurrentState())
}

func TestRedundancyLossFaultsSystem(t *testing.T) {
	cfg := DefaultSafetyConfig()
	cfg.RequireRedundancy = true
	cfg.MinimumButtonsRequired = 2
	m, adapters := newTestManager(t, cfg, "button-1", "button-2")
	require.Equal(t, SystemSafe, m.CurrentState())

	adapters["button-2"].FailDevice("button-2", context.DeadlineExceeded)
	waitForState(t, m, SystemFault)

	status := m.DeviceStates()["button-2"]
	assert.False(t, status.Healthy)
	assert.Contains(t, status.Faults, FaultCommunicationError)

	// FAULT is only left via an explicit reset
	assert.False(t, m.DeactivateEmergencyStop("alice", true))
}

func TestResetRestoresSafeAfterFaultCleared(t *testing.T) {
	cfg := DefaultSafetyConfig()
	cfg.RequireRedundancy = true
	cfg.MinimumButtonsRequired = 2
	m, adapters := newTestManager(t, cfg, "button-1", "button-2")

	adapters["button-2"].FailDevice("button-2", context.DeadlineExceeded)
	waitForState(t, m, SystemFault)

	// reset without healing must refuse
	assert.False(t, m.Reset(context.Background()))
	assert.Equal(t, SystemFault, m.CurrentState())

	adapters["button-2"].FailDevice("button-2", nil)
	ok := testutil.WaitFor(t, 2*time.Second, func() bool { return m.Reset(context.Background()) })
	require.True(t, ok, "reset after healing")
	assert.Equal(t, SystemSafe, m.CurrentState())
}

func TestHeartbeatTimeoutRaisesFaultAndFailSafe(t *testing.T) {
	m, err := NewManager(Options{Safety: DefaultSafetyConfig()})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	adapter := newButtonAdapter(t, "button-1")
	require.NoError(t, m.AddDevice("button-1", adapter, DeviceConfig{
		HeartbeatInterval: testHeartbeat,
		HeartbeatTimeout:  3 * testHeartbeat,
	}))
	require.NoError(t, m.Initialize(context.Background()))
	require.Equal(t, SystemSafe, m.CurrentState())

	// silence the device; its watchdog must trip once the timeout elapses
	adapter.FailDevice("button-1", context.DeadlineExceeded)

	ok := testutil.WaitFor(t, 2*time.Second, func() bool {
		return m.DeviceStates()["button-1"].Faults != nil &&
			m.DeviceStates()["button-1"].State == DeviceFault
	})
	require.True(t, ok)
	ok = testutil.WaitFor(t, 2*time.Second, func() bool {
		for _, f := range m.DeviceStates()["button-1"].Faults {
			if f == FaultHeartbeatTimeout {
				return true
			}
		}
		return false
	})
	assert.True(t, ok, "HEARTBEAT_TIMEOUT fault not raised: %v", m.DeviceStates()["button-1"].Faults)

	// fail_safe_on_fault drives the system to EMERGENCY, not to a silent SAFE
	waitForState(t, m, SystemEmergency)
}

func TestVoltageOutOfRangeFault(t *testing.T) {
	m, adapters := newTestManager(t, DefaultSafetyConfig(), "button-1")

	adapters["button-1"].ProgramDevice("button-1", statusRequest, []byte(`{"state":"RELEASED","voltage_v":12.0}`))
	ok := testutil.WaitFor(t, 2*time.Second, func() bool {
		for _, f := range m.DeviceStates()["button-1"].Faults {
			if f == FaultVoltageOutOfRange {
				return true
			}
		}
		return false
	})
	assert.True(t, ok, "faults: %v", m.DeviceStates()["button-1"].Faults)
}

func TestPowerLossFault(t *testing.T) {
	m, adapters := newTestManager(t, DefaultSafetyConfig(), "button-1")

	adapters["button-1"].ProgramDevice("button-1", statusRequest, []byte(`{"state":"RELEASED","voltage_v":2.0}`))
	ok := testutil.WaitFor(t, 2*time.Second, func() bool {
		for _, f := range m.DeviceStates()["button-1"].Faults {
			if f == FaultPowerLoss {
				return true
			}
		}
		return false
	})
	assert.True(t, ok, "faults: %v", m.DeviceStates()["button-1"].Faults)
}

func TestAddDeviceDuplicateID(t *testing.T) {
	cfg := DefaultSafetyConfig()
	cfg.HeartbeatCheckEnabled = false
	m, adapters := newTestManager(t, cfg, "button-1")

	err := m.AddDevice("button-1", adapters["button-1"], DeviceConfig{})
	assert.ErrorIs(t, err, ErrDuplicateDevice)
}

func TestCommandRoundTrip(t *testing.T) {
	cfg := DefaultSafetyConfig()
	cfg.HeartbeatCheckEnabled = false
	m, adapters := newTestManager(t, cfg, "button-1")

	adapters["button-1"].ProgramDevice("button-1", []byte("read_temperature"), []byte("22.5"))

	resp, err := m.Command(context.Background(), "button-1", []byte("read_temperature"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "22.5", string(resp))

	_, err = m.Command(context.Background(), "no-such-device", []byte("x"), time.Second)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestDiagnosticsSnapshot(t *testing.T) {
	m, err := NewManager(Options{Safety: DefaultSafetyConfig()})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	for _, id := range []string{"button-1", "button-2"} {
		adapter := newButtonAdapter(t, id)
		require.NoError(t, m.AddDevice(id, adapter, DeviceConfig{HeartbeatInterval: testHeartbeat}))
	}

	// before the initial health check every device is UNKNOWN
	diag := m.ExportDiagnostics()
	assert.Equal(t, SystemInitializing, diag.State)
	require.Len(t, diag.Devices, 2)
	for id, status := range diag.Devices {
		assert.Equal(t, DeviceUnknown, status.State, "device %s", id)
		assert.False(t, status.Healthy, "device %s", id)
	}
	assert.Equal(t, 0, diag.HealthyDevices)

	require.NoError(t, m.Initialize(context.Background()))

	diag = m.ExportDiagnostics()
	assert.Equal(t, SystemSafe, diag.State)
	assert.Equal(t, 2, diag.HealthyDevices)
	assert.False(t, diag.OpenEvent)
	for id, status := range diag.Devices {
		assert.Equal(t, DeviceReleased, status.State, "device %s", id)
	}
}

func TestSelfTest(t *testing.T) {
	cfg := DefaultSafetyConfig()
	cfg.HeartbeatCheckEnabled = false
	cfg.TestModeAllowed = true
	m, adapters := newTestManager(t, cfg, "button-1", "button-2")

	adapters["button-1"].ProgramDevice("button-1", selfTestRequest, []byte(`{"result":"pass"}`))
	adapters["button-2"].ProgramDevice("button-2", selfTestRequest, []byte(`{"result":"fail","detail":"stuck contact"}`))

	report, err := m.TestSystem(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Passed)
	require.Len(t, report.Results, 2)

	byDevice := make(map[string]TestResult, len(report.Results))
	for _, res := range report.Results {
		byDevice[res.DeviceID] = res
	}
	assert.True(t, byDevice["button-1"].Passed)
	assert.False(t, byDevice["button-2"].Passed)
	assert.Equal(t, "stuck contact", byDevice["button-2"].Detail)
}

func TestSelfTestGating(t *testing.T) {
	cfg := DefaultSafetyConfig()
	cfg.HeartbeatCheckEnabled = false
	m, _ := newTestManager(t, cfg, "button-1")

	_, err := m.TestSystem(context.Background())
	assert.ErrorIs(t, err, ErrTestModeDisabled)
}

func TestSelfTestRefusedDuringEmergency(t *testing.T) {
	cfg := DefaultSafetyConfig()
	cfg.HeartbeatCheckEnabled = false
	cfg.TestModeAllowed = true
	m, _ := newTestManager(t, cfg, "button-1")

	require.True(t, m.ActivateEmergencyStop(SourceSystem, "drill"))
	_, err := m.TestSystem(context.Background())
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestHandlersObserveTransitionsInOrder(t *testing.T) {
	cfg := DefaultSafetyConfig()
	cfg.HeartbeatCheckEnabled = false
	m, _ := newTestManager(t, cfg, "button-1")

	var mu sync.Mutex
	var states []SystemSafetyState
	m.RegisterStateChangeHandler(func(state SystemSafetyState) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	})

	require.True(t, m.ActivateEmergencyStop(SourceSystem, "drill"))
	require.True(t, m.DeactivateEmergencyStop("alice", false))

	ok := testutil.WaitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 2
	})
	require.True(t, ok)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []SystemSafetyState{SystemEmergency, SystemSafe}, states[:2])
}

func TestPanickingHandlerIsContained(t *testing.T) {
	cfg := DefaultSafetyConfig()
	cfg.HeartbeatCheckEnabled = false
	m, _ := newTestManager(t, cfg, "button-1")

	m.RegisterStateChangeHandler(func(state SystemSafetyState) { panic("broken handler") })

	notified := make(chan SystemSafetyState, 1)
	m.RegisterStateChangeHandler(func(state SystemSafetyState) {
		select {
		case notified <- state:
		default:
		}
	})

	require.True(t, m.ActivateEmergencyStop(SourceSystem, "drill"))
	select {
	case state := <-notified:
		assert.Equal(t, SystemEmergency, state)
	case <-time.After(2 * time.Second):
		t.Fatal("second handler starved by panicking first handler")
	}
}

func TestEmergencyHandlerSeesEventAndResolution(t *testing.T) {
	cfg := DefaultSafetyConfig()
	cfg.HeartbeatCheckEnabled = false
	m, _ := newTestManager(t, cfg, "button-1")

	events := make(chan EmergencyEvent, 4)
	m.RegisterEmergencyHandler(func(ev EmergencyEvent) { events <- ev })

	require.True(t, m.ActivateEmergencyStop(SourceOperator("alice"), "drill"))
	require.True(t, m.DeactivateEmergencyStop("alice", false))

	var got []EmergencyEvent
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("received %d emergency notifications, want 2", len(got))
		}
	}
	assert.False(t, got[0].Resolved(), "first notification is the open event")
	assert.True(t, got[1].Resolved(), "second notification is the resolution")
	assert.Equal(t, got[0].ID, got[1].ID)
}

func TestFaultHandlerNotified(t *testing.T) {
	m, adapters := newTestManager(t, DefaultSafetyConfig(), "button-1")

	type faultNote struct {
		deviceID string
		faults   []FaultType
	}
	notes := make(chan faultNote, 8)
	m.RegisterFaultHandler(func(deviceID string, faults []FaultType) {
		notes <- faultNote{deviceID, faults}
	})

	adapters["button-1"].FailDevice("button-1", context.DeadlineExceeded)

	select {
	case note := <-notes:
		assert.Equal(t, "button-1", note.deviceID)
		assert.Contains(t, note.faults, FaultCommunicationError)
	case <-time.After(2 * time.Second):
		t.Fatal("fault handler not notified")
	}
}

type recordingAlarm struct {
	mu    sync.Mutex
	calls []string
}

func (a *recordingAlarm) Alarm(source, reason string) error {
	a.mu.Lock()
	a.calls = append(a.calls, source+": "+reason)
	a.mu.Unlock()
	return nil
}

func (a *recordingAlarm) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func TestAlarmFiredOnActivation(t *testing.T) {
	cfg := DefaultSafetyConfig()
	cfg.HeartbeatCheckEnabled = false
	alarm := &recordingAlarm{}

	m, err := NewManager(Options{Safety: cfg, Alarm: alarm})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)
	require.NoError(t, m.Initialize(context.Background()))

	require.True(t, m.ActivateEmergencyStop(SourceOperator("alice"), "drill"))
	ok := testutil.WaitFor(t, 2*time.Second, func() bool { return alarm.count() == 1 })
	assert.True(t, ok, "alarm fired %d times, want 1", alarm.count())
}

func TestShutdownStopsOperations(t *testing.T) {
	cfg := DefaultSafetyConfig()
	cfg.HeartbeatCheckEnabled = false
	m, adapters := newTestManager(t, cfg, "button-1")

	m.Shutdown()
	m.Shutdown() // safe to repeat

	assert.False(t, m.ActivateEmergencyStop(SourceSystem, "too late"))
	assert.False(t, adapters["button-1"].Connected(), "adapter not disconnected on shutdown")

	err := m.AddDevice("button-2", adapters["button-1"], DeviceConfig{})
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestDiscoveryRegistersDevices(t *testing.T) {
	registry := hal.NewRegistry()
	cfg := DefaultSafetyConfig()
	cfg.AutoDiscoveryEnabled = true
	cfg.HeartbeatCheckEnabled = false

	discoverer := hal.DiscoverFunc(func(ctx context.Context) ([]hal.Discovered, error) {
		return []hal.Discovered{
			{ProtocolType: hal.ProtocolMock, Config: hal.ProtocolConfig{Name: "found-1"}},
			{ProtocolType: hal.ProtocolMock, Config: hal.ProtocolConfig{Name: "found-2"}},
		}, nil
	})

	m, err := NewManager(Options{
		Safety:     cfg,
		Discoverer: discoverer,
		Registry:   registry,
		DiscoveredDevice: DeviceConfig{
			HeartbeatInterval: testHeartbeat,
		},
	})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	require.NoError(t, m.Initialize(context.Background()))

	states := m.DeviceStates()
	assert.Len(t, states, 2)
	assert.Contains(t, states, "found-1")
	assert.Contains(t, states, "found-2")
	assert.Len(t, registry.IDs(), 2)
}
