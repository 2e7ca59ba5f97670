package estop

// SafetyConfig is the process-wide safety policy, set once at Manager
// construction.
type SafetyConfig struct {
	// RequireRedundancy demands MinimumButtonsRequired healthy devices for
	// the system to report SAFE.
	RequireRedundancy bool `json:"require_redundancy"`

	// AutoDiscoveryEnabled runs the discovery provider during Initialize.
	AutoDiscoveryEnabled bool `json:"auto_discovery_enabled"`

	// HeartbeatCheckEnabled runs one watchdog monitor per registered device.
	HeartbeatCheckEnabled bool `json:"heartbeat_check_enabled"`

	// FailSafeOnFault forces EMERGENCY while any unresolved device fault
	// exists, rather than ignoring it.
	FailSafeOnFault bool `json:"fail_safe_on_fault"`

	// MinimumButtonsRequired is the healthy-device floor (>= 1).
	MinimumButtonsRequired int `json:"minimum_buttons_required"`

	// AlarmOnActivation fires the alarm side-channel on every EMERGENCY entry.
	AlarmOnActivation bool `json:"alarm_on_activation"`

	// LogAllEvents logs every state transition, not only emergencies.
	LogAllEvents bool `json:"log_all_events"`

	// TestModeAllowed permits TestSystem to exercise device self-tests.
	TestModeAllowed bool `json:"test_mode_allowed"`

	// ResetRequiresDiscovery makes a FAULT->SAFE reset re-run discovery
	// before the health re-check instead of only re-checking registered
	// devices.
	ResetRequiresDiscovery bool `json:"reset_requires_discovery"`
}

// DefaultSafetyConfig returns the fail-safe baseline policy.
func DefaultSafetyConfig() SafetyConfig {
	return SafetyConfig{
		HeartbeatCheckEnabled:  true,
		FailSafeOnFault:        true,
		MinimumButtonsRequired: 1,
		AlarmOnActivation:      true,
		LogAllEvents:           true,
	}
}

// Validate rejects policies that cannot express a safe system.
func (c SafetyConfig) Validate() error {
	if c.MinimumButtonsRequired < 1 {
		return errf(ErrConfiguration, "minimum_buttons_required %d: must be at least 1", c.MinimumButtonsRequired)
	}
	return nil
}
