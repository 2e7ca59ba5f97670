package estop

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/safety-control/estopd/internal/hal"
)

// Diagnostics is a coherent snapshot of the whole safety subsystem, taken
// under the transition lock so state, devices, and counters agree.
type Diagnostics struct {
	GeneratedAt    time.Time               `json:"generated_at"`
	State          SystemSafetyState       `json:"state"`
	Safety         SafetyConfig            `json:"safety"`
	Devices        map[string]DeviceStatus `json:"devices"`
	HealthyDevices int                     `json:"healthy_devices"`
	OpenEvent      bool                    `json:"open_event"`
	RecentEvents   []EmergencyEvent        `json:"recent_events,omitempty"`
}

const diagnosticsEventLimit = 20

// ExportDiagnostics returns a consistent snapshot of system state, per-device
// status, the active policy, and the most recent events.
func (m *Manager) ExportDiagnostics() Diagnostics {
	m.mu.Lock()
	diag := Diagnostics{
		GeneratedAt:    time.Now(),
		State:          m.state,
		Safety:         m.cfg,
		Devices:        make(map[string]DeviceStatus, len(m.devices)),
		HealthyDevices: m.healthyCountLocked(),
	}
	for id, d := range m.devices {
		diag.Devices[id] = d.snapshot()
	}
	m.mu.Unlock()

	diag.OpenEvent = m.log.hasOpen()
	diag.RecentEvents = m.log.recent(diagnosticsEventLimit)
	return diag
}

// TestResult is the outcome of one device's self-test.
type TestResult struct {
	DeviceID string        `json:"device_id"`
	Passed   bool          `json:"passed"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// TestReport is the outcome of a full system self-test.
type TestReport struct {
	StartedAt time.Time    `json:"started_at"`
	Passed    bool         `json:"passed"`
	Results   []TestResult `json:"results"`
}

type selfTestReport struct {
	Result string `json:"result"`
	Detail string `json:"detail"`
}

// TestSystem runs the self-test sequence on every registered device. It is
// gated on test_mode_allowed and refused outside SAFE: a self-test must never
// mask a live emergency.
func (m *Manager) TestSystem(ctx context.Context) (TestReport, error) {
	if !m.cfg.TestModeAllowed {
		return TestReport{}, ErrTestModeDisabled
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return TestReport{}, ErrShutdown
	}
	if m.state != SystemSafe {
		state := m.state
		m.mu.Unlock()
		return TestReport{}, errf(ErrConfiguration, "self-test refused in state %s", state)
	}
	type target struct {
		id string
		d  *device
	}
	targets := make([]target, 0, len(m.devices))
	for id, d := range m.devices {
		targets = append(targets, target{id: id, d: d})
	}
	m.mu.Unlock()

	report := TestReport{StartedAt: time.Now(), Passed: true}
	for _, t := range targets {
		res := m.testDevice(ctx, t.id, t.d)
		if !res.Passed {
			report.Passed = false
		}
		report.Results = append(report.Results, res)
	}
	m.logf("self-test: %d devices, passed=%v", len(report.Results), report.Passed)
	return report, nil
}

func (m *Manager) testDevice(ctx context.Context, id string, d *device) TestResult {
	start := time.Now()
	res := TestResult{DeviceID: id}

	req := hal.NewPacket(hal.DirectionTX, selfTestRequest, map[string]interface{}{"device": id})
	resp, err := d.adapter.Query(ctx, req, d.cfg.HeartbeatTimeout)
	res.Duration = time.Since(start)
	if err != nil {
		res.Detail = err.Error()
		return res
	}

	payload := resp.Payload()
	if strings.EqualFold(strings.TrimSpace(string(payload)), "PASS") {
		res.Passed = true
		return res
	}
	var parsed selfTestReport
	if err := json.Unmarshal(payload, &parsed); err != nil {
		res.Detail = "unparseable self-test response"
		return res
	}
	res.Detail = parsed.Detail
	res.Passed = strings.EqualFold(parsed.Result, "pass")
	return res
}
