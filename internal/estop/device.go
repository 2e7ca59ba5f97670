package estop

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/safety-control/estopd/internal/hal"
)

// ButtonType identifies the role of a stop button in a redundant set.
type ButtonType string

const (
	ButtonPrimary   ButtonType = "PRIMARY"
	ButtonSecondary ButtonType = "SECONDARY"
	ButtonAuxiliary ButtonType = "AUXILIARY"
)

// DeviceState is the semantic state of one emergency-stop device.
type DeviceState string

const (
	DeviceReleased DeviceState = "RELEASED"
	DevicePressed  DeviceState = "PRESSED"
	DeviceFault    DeviceState = "FAULT"
	DeviceUnknown  DeviceState = "UNKNOWN"
)

// FaultType classifies one fault condition observed on a device. A device
// carries a set of faults, not a single value; faults are independently
// resolvable.
type FaultType string

const (
	FaultHeartbeatTimeout   FaultType = "HEARTBEAT_TIMEOUT"
	FaultPowerLoss          FaultType = "POWER_LOSS"
	FaultCommunicationError FaultType = "COMMUNICATION_ERROR"
	FaultVoltageOutOfRange  FaultType = "VOLTAGE_OUT_OF_RANGE"
)

// FaultSet holds the active faults for a device.
type FaultSet map[FaultType]struct{}

func (s FaultSet) Has(f FaultType) bool { _, ok := s[f]; return ok }

func (s FaultSet) Add(f FaultType) bool {
	if s.Has(f) {
		return false
	}
	s[f] = struct{}{}
	return true
}

func (s FaultSet) Resolve(f FaultType) bool {
	if !s.Has(f) {
		return false
	}
	delete(s, f)
	return true
}

func (s FaultSet) Empty() bool { return len(s) == 0 }

// List returns the active faults in stable order.
func (s FaultSet) List() []FaultType {
	if len(s) == 0 {
		return nil
	}
	out := make([]FaultType, 0, len(s))
	for f := range s {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DeviceConfig is the per-device configuration, immutable after registration.
type DeviceConfig struct {
	Name              string        `json:"name"`
	Button            ButtonType    `json:"button_type"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `json:"heartbeat_timeout"`

	// Voltage policy for the button's supervision loop. A reading below
	// PowerLossVolts raises POWER_LOSS; a reading outside
	// [VoltageMinV, VoltageMaxV] raises VOLTAGE_OUT_OF_RANGE.
	PowerLossVolts float64 `json:"power_loss_volts"`
	VoltageMinV    float64 `json:"voltage_min_v"`
	VoltageMaxV    float64 `json:"voltage_max_v"`
}

const (
	defaultHeartbeatInterval = 100 * time.Millisecond
	defaultPowerLossVolts    = 5.0
	defaultVoltageMinV       = 18.0
	defaultVoltageMaxV       = 30.0
)

// Normalize validates the device configuration and applies defaults.
func (c DeviceConfig) Normalize() (DeviceConfig, error) {
	cfg := c
	if cfg.Button == "" {
		cfg.Button = ButtonPrimary
	}
	switch cfg.Button {
	case ButtonPrimary, ButtonSecondary, ButtonAuxiliary:
	default:
		return cfg, errf(ErrConfiguration, "unknown button type %q", cfg.Button)
	}
	if cfg.HeartbeatInterval < 0 || cfg.HeartbeatTimeout < 0 {
		return cfg, errf(ErrConfiguration, "heartbeat timings must not be negative")
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 3 * cfg.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout < cfg.HeartbeatInterval {
		return cfg, errf(ErrConfiguration, "heartbeat timeout %s shorter than interval %s", cfg.HeartbeatTimeout, cfg.HeartbeatInterval)
	}
	if cfg.PowerLossVolts == 0 {
		cfg.PowerLossVolts = defaultPowerLossVolts
	}
	if cfg.VoltageMinV == 0 && cfg.VoltageMaxV == 0 {
		cfg.VoltageMinV = defaultVoltageMinV
		cfg.VoltageMaxV = defaultVoltageMaxV
	}
	if cfg.VoltageMaxV < cfg.VoltageMinV {
		return cfg, errf(ErrConfiguration, "voltage range [%v, %v] inverted", cfg.VoltageMinV, cfg.VoltageMaxV)
	}
	return cfg, nil
}

// DeviceStatus is a point-in-time snapshot of one device, as exposed to
// diagnostics and fault handlers.
type DeviceStatus struct {
	State         DeviceState `json:"state"`
	Button        ButtonType  `json:"button_type"`
	Healthy       bool        `json:"healthy"`
	VoltageV      float64     `json:"voltage_v"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	Faults        []FaultType `json:"faults,omitempty"`
}

// device is the Manager-owned live record for one registered stop button.
// Mutations happen only under the Manager's transition lock.
type device struct {
	id      string
	cfg     DeviceConfig
	adapter hal.Adapter
	cancel  context.CancelFunc

	state         DeviceState
	voltage       float64
	lastHeartbeat time.Time
	faults        FaultSet
}

func newDevice(id string, adapter hal.Adapter, cfg DeviceConfig) *device {
	return &device{
		id:      id,
		cfg:     cfg,
		adapter: adapter,
		state:   DeviceUnknown,
		faults:  make(FaultSet),
	}
}

// healthy reports whether the device is usable for safety decisions: it has
// reported a state and carries no active faults. A pressed button is healthy;
// it is doing its job.
func (d *device) healthy() bool {
	return d.faults.Empty() && (d.state == DeviceReleased || d.state == DevicePressed)
}

func (d *device) snapshot() DeviceStatus {
	return DeviceStatus{
		State:         d.state,
		Button:        d.cfg.Button,
		Healthy:       d.healthy(),
		VoltageV:      d.voltage,
		LastHeartbeat: d.lastHeartbeat,
		Faults:        d.faults.List(),
	}
}

// Wire protocol: stop-button devices answer JSON requests on their transport.
var (
	statusRequest   = []byte(`{"action":"status"}`)
	selfTestRequest = []byte(`{"action":"self_test"}`)
)

// statusReport is a device's answer to a status poll. Voltage is optional;
// devices without a supervised loop omit it.
type statusReport struct {
	State    string   `json:"state"`
	VoltageV *float64 `json:"voltage_v"`
}

// parseStatusReport decodes a device status payload. Bare-text "PRESSED" /
// "RELEASED" frames from minimal firmware are accepted alongside JSON.
func parseStatusReport(payload []byte) (statusReport, bool) {
	trimmed := strings.TrimSpace(string(payload))
	switch strings.ToUpper(trimmed) {
	case string(DevicePressed):
		return statusReport{State: string(DevicePressed)}, true
	case string(DeviceReleased):
		return statusReport{State: string(DeviceReleased)}, true
	}

	var report statusReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return statusReport{}, false
	}
	report.State = strings.ToUpper(strings.TrimSpace(report.State))
	switch report.State {
	case string(DevicePressed), string(DeviceReleased), string(DeviceFault):
		return report, true
	}
	return statusReport{}, false
}
