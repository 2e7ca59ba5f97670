// Package config loads daemon settings from a JSON file. All fields are
// pointers so a partial file overrides only what it names; the Get* methods
// supply defaults for everything else.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/safety-control/estopd/internal/estop"
)

// Settings is the root daemon configuration. The schema matches the
// /api/diagnostics safety section where fields overlap, so an exported
// snapshot can be replayed as configuration.
type Settings struct {
	// HTTP listen address, e.g. ":8080".
	Listen *string `json:"listen,omitempty"`

	// Audit database path. Empty string disables persistence.
	DatabasePath *string `json:"database_path,omitempty"`

	// Alarm broker. Empty broker URL disables MQTT and falls back to the log.
	MQTTBroker   *string `json:"mqtt_broker,omitempty"`
	MQTTClientID *string `json:"mqtt_client_id,omitempty"`
	MQTTTopic    *string `json:"mqtt_topic,omitempty"`

	// Serial discovery filter and port settings.
	SerialVendorID *string `json:"serial_vendor_id,omitempty"`
	SerialBaudRate *int    `json:"serial_baud_rate,omitempty"`

	// Device supervision timings, duration strings like "100ms".
	HeartbeatInterval *string `json:"heartbeat_interval,omitempty"`
	HeartbeatTimeout  *string `json:"heartbeat_timeout,omitempty"`

	// Safety policy
	RequireRedundancy      *bool `json:"require_redundancy,omitempty"`
	AutoDiscoveryEnabled   *bool `json:"auto_discovery_enabled,omitempty"`
	HeartbeatCheckEnabled  *bool `json:"heartbeat_check_enabled,omitempty"`
	FailSafeOnFault        *bool `json:"fail_safe_on_fault,omitempty"`
	MinimumButtonsRequired *int  `json:"minimum_buttons_required,omitempty"`
	AlarmOnActivation      *bool `json:"alarm_on_activation,omitempty"`
	LogAllEvents           *bool `json:"log_all_events,omitempty"`
	TestModeAllowed        *bool `json:"test_mode_allowed,omitempty"`
	ResetRequiresDiscovery *bool `json:"reset_requires_discovery,omitempty"`
}

// EmptySettings returns a Settings with all fields unset.
func EmptySettings() *Settings {
	return &Settings{}
}

// LoadSettings loads Settings from a JSON file. The file must have a .json
// extension and stay under the max file size. Fields omitted from the JSON
// keep their defaults, so partial configs are safe.
func LoadSettings(path string) (*Settings, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySettings()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *Settings) Validate() error {
	if c.HeartbeatInterval != nil && *c.HeartbeatInterval != "" {
		if _, err := time.ParseDuration(*c.HeartbeatInterval); err != nil {
			return fmt.Errorf("invalid heartbeat_interval '%s': %w", *c.HeartbeatInterval, err)
		}
	}
	if c.HeartbeatTimeout != nil && *c.HeartbeatTimeout != "" {
		if _, err := time.ParseDuration(*c.HeartbeatTimeout); err != nil {
			return fmt.Errorf("invalid heartbeat_timeout '%s': %w", *c.HeartbeatTimeout, err)
		}
	}
	if c.MinimumButtonsRequired != nil && *c.MinimumButtonsRequired < 1 {
		return fmt.Errorf("minimum_buttons_required must be at least 1, got %d", *c.MinimumButtonsRequired)
	}
	if c.SerialBaudRate != nil && *c.SerialBaudRate < 0 {
		return fmt.Errorf("serial_baud_rate must be non-negative, got %d", *c.SerialBaudRate)
	}
	return nil
}

// GetListen returns the listen address or the default.
func (c *Settings) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return ":8080"
	}
	return *c.Listen
}

// GetDatabasePath returns the audit database path or the default.
func (c *Settings) GetDatabasePath() string {
	if c.DatabasePath == nil {
		return "estop_events.db"
	}
	return *c.DatabasePath
}

// GetMQTTBroker returns the MQTT broker URL, empty when disabled.
func (c *Settings) GetMQTTBroker() string {
	if c.MQTTBroker == nil {
		return ""
	}
	return *c.MQTTBroker
}

// GetMQTTClientID returns the MQTT client id or the default.
func (c *Settings) GetMQTTClientID() string {
	if c.MQTTClientID == nil || *c.MQTTClientID == "" {
		return "estopd"
	}
	return *c.MQTTClientID
}

// GetMQTTTopic returns the alarm topic or the default.
func (c *Settings) GetMQTTTopic() string {
	if c.MQTTTopic == nil || *c.MQTTTopic == "" {
		return "safety/estop/alarm"
	}
	return *c.MQTTTopic
}

// GetSerialVendorID returns the discovery vendor filter, empty for all.
func (c *Settings) GetSerialVendorID() string {
	if c.SerialVendorID == nil {
		return ""
	}
	return *c.SerialVendorID
}

// GetSerialBaudRate returns the serial baud rate or the default.
func (c *Settings) GetSerialBaudRate() int {
	if c.SerialBaudRate == nil || *c.SerialBaudRate == 0 {
		return 19200
	}
	return *c.SerialBaudRate
}

// GetHeartbeatInterval parses and returns the heartbeat interval.
func (c *Settings) GetHeartbeatInterval() time.Duration {
	if c.HeartbeatInterval == nil || *c.HeartbeatInterval == "" {
		return 100 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.HeartbeatInterval)
	if err != nil {
		return 100 * time.Millisecond
	}
	return d
}

// GetHeartbeatTimeout parses and returns the heartbeat timeout. Zero means
// derive from the interval.
func (c *Settings) GetHeartbeatTimeout() time.Duration {
	if c.HeartbeatTimeout == nil || *c.HeartbeatTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(*c.HeartbeatTimeout)
	if err != nil {
		return 0
	}
	return d
}

// SafetyConfig assembles the safety policy from the loaded settings, filling
// unset fields from the fail-safe baseline.
func (c *Settings) SafetyConfig() estop.SafetyConfig {
	cfg := estop.DefaultSafetyConfig()
	if c.RequireRedundancy != nil {
		cfg.RequireRedundancy = *c.RequireRedundancy
	}
	if c.AutoDiscoveryEnabled != nil {
		cfg.AutoDiscoveryEnabled = *c.AutoDiscoveryEnabled
	}
	if c.HeartbeatCheckEnabled != nil {
		cfg.HeartbeatCheckEnabled = *c.HeartbeatCheckEnabled
	}
	if c.FailSafeOnFault != nil {
		cfg.FailSafeOnFault = *c.FailSafeOnFault
	}
	if c.MinimumButtonsRequired != nil {
		cfg.MinimumButtonsRequired = *c.MinimumButtonsRequired
	}
	if c.AlarmOnActivation != nil {
		cfg.AlarmOnActivation = *c.AlarmOnActivation
	}
	if c.LogAllEvents != nil {
		cfg.LogAllEvents = *c.LogAllEvents
	}
	if c.TestModeAllowed != nil {
		cfg.TestModeAllowed = *c.TestModeAllowed
	}
	if c.ResetRequiresDiscovery != nil {
		cfg.ResetRequiresDiscovery = *c.ResetRequiresDiscovery
	}
	return cfg
}
