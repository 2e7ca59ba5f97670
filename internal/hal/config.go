package hal

import (
	"strings"
	"time"

	"go.bug.st/serial"
)

// RetryPolicy bounds how often a failed I/O operation is retried. Retries are
// always finite; a timed-out call is reported, never spun on indefinitely.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
}

// SerialParams describes a serial transport. The fields mirror the wire
// configuration so they can be passed through from config files without
// translation.
type SerialParams struct {
	Port     string `json:"port"`
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// HIDParams describes a USB-HID transport.
type HIDParams struct {
	VendorID     uint16 `json:"vendor_id"`
	ProductID    uint16 `json:"product_id"`
	SerialNumber string `json:"serial_number,omitempty"`
	ReportSize   int    `json:"report_size,omitempty"`
}

// ProtocolConfig configures one adapter instance. Validated by Normalize at
// construction; invalid combinations fail construction rather than being
// coerced.
type ProtocolConfig struct {
	Name           string        `json:"name"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	Retry          RetryPolicy   `json:"retry"`

	// Exactly one of the transport parameter blocks is set for the concrete
	// adapters; both are nil for mock and redundant adapters.
	Serial *SerialParams `json:"serial,omitempty"`
	HID    *HIDParams    `json:"hid,omitempty"`
}

const (
	defaultConnectTimeout = 5 * time.Second
	defaultIOTimeout      = 1 * time.Second
)

// Normalize validates the configuration and applies defaults for unset values.
func (c ProtocolConfig) Normalize() (ProtocolConfig, error) {
	cfg := c

	if cfg.Name == "" {
		return cfg, wrapf(ErrConfiguration, "adapter name must not be empty")
	}
	if cfg.ConnectTimeout < 0 || cfg.ReadTimeout < 0 || cfg.WriteTimeout < 0 {
		return cfg, wrapf(ErrConfiguration, "timeouts must not be negative")
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultIOTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultIOTimeout
	}
	if cfg.Retry.MaxAttempts < 0 {
		return cfg, wrapf(ErrConfiguration, "retry attempts must not be negative")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 1
	}

	if cfg.Serial != nil && cfg.HID != nil {
		return cfg, wrapf(ErrConfiguration, "serial and hid parameters are mutually exclusive")
	}
	if cfg.Serial != nil {
		normalized, err := cfg.Serial.Normalize()
		if err != nil {
			return cfg, err
		}
		cfg.Serial = &normalized
	}
	if cfg.HID != nil {
		if cfg.HID.VendorID == 0 || cfg.HID.ProductID == 0 {
			return cfg, wrapf(ErrConfiguration, "hid vendor and product ids must be set")
		}
		if cfg.HID.ReportSize == 0 {
			cfg.HID.ReportSize = 64
		}
		if cfg.HID.ReportSize < 0 || cfg.HID.ReportSize > 4096 {
			return cfg, wrapf(ErrConfiguration, "hid report size %d out of range", cfg.HID.ReportSize)
		}
	}

	return cfg, nil
}

// Normalize validates the serial parameters and applies defaults.
func (p SerialParams) Normalize() (SerialParams, error) {
	opts := p

	if opts.Port == "" {
		return opts, wrapf(ErrConfiguration, "serial port path must not be empty")
	}
	if opts.BaudRate <= 0 {
		opts.BaudRate = 19200
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, wrapf(ErrConfiguration, "invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, wrapf(ErrConfiguration, "invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	switch parity {
	case "", "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, wrapf(ErrConfiguration, "unsupported parity %q: expected N, E, or O", opts.Parity)
	}
	opts.Parity = parity

	return opts, nil
}

// Mode converts the serial parameters into the serial.Mode structure required
// by go.bug.st/serial when opening a port.
func (p SerialParams) Mode() (*serial.Mode, error) {
	opts, err := p.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
	}

	switch opts.StopBits {
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		mode.StopBits = serial.OneStopBit
	}

	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}

	return mode, nil
}
