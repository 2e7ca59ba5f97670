package hal

import (
	"errors"
	"testing"
	"time"

	"go.bug.st/serial"
)

func TestProtocolConfigDefaults(t *testing.T) {
	cfg, err := ProtocolConfig{Name: "button-1"}.Normalize()
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if cfg.ConnectTimeout != 5*time.Second {
		t.Errorf("ConnectTimeout = %v, want 5s", cfg.ConnectTimeout)
	}
	if cfg.ReadTimeout != time.Second || cfg.WriteTimeout != time.Second {
		t.Errorf("IO timeouts = %v/%v, want 1s/1s", cfg.ReadTimeout, cfg.WriteTimeout)
	}
	if cfg.Retry.MaxAttempts != 1 {
		t.Errorf("Retry.MaxAttempts = %d, want 1", cfg.Retry.MaxAttempts)
	}
}

func TestProtocolConfigRejectsEmptyName(t *testing.T) {
	if _, err := (ProtocolConfig{}).Normalize(); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for empty name, got %v", err)
	}
}

func TestProtocolConfigRejectsNegativeTimeout(t *testing.T) {
	cfg := ProtocolConfig{Name: "x", ReadTimeout: -time.Second}
	if _, err := cfg.Normalize(); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for negative timeout, got %v", err)
	}
}

func TestProtocolConfigRejectsBothTransports(t *testing.T) {
	cfg := ProtocolConfig{
		Name:   "x",
		Serial: &SerialParams{Port: "/dev/ttyUSB0"},
		HID:    &HIDParams{VendorID: 1, ProductID: 2},
	}
	if _, err := cfg.Normalize(); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for serial+hid, got %v", err)
	}
}

func TestSerialParamsDefaults(t *testing.T) {
	params, err := SerialParams{Port: "/dev/ttyUSB0"}.Normalize()
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if params.BaudRate != 19200 {
		t.Errorf("BaudRate = %d, want 19200", params.BaudRate)
	}
	if params.DataBits != 8 || params.StopBits != 1 || params.Parity != "N" {
		t.Errorf("framing = %d%s%d, want 8N1", params.DataBits, params.Parity, params.StopBits)
	}
}

func TestSerialParamsValidation(t *testing.T) {
	cases := []struct {
		name   string
		params SerialParams
	}{
		{"empty port", SerialParams{}},
		{"data bits too low", SerialParams{Port: "/dev/x", DataBits: 4}},
		{"data bits too high", SerialParams{Port: "/dev/x", DataBits: 9}},
		{"bad stop bits", SerialParams{Port: "/dev/x", StopBits: 3}},
		{"bad parity", SerialParams{Port: "/dev/x", Parity: "Q"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.params.Normalize(); !errors.Is(err, ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestSerialParamsParityAliases(t *testing.T) {
	for alias, want := range map[string]string{"none": "N", "EVEN": "E", "odd": "O", "": "N"} {
		params, err := SerialParams{Port: "/dev/x", Parity: alias}.Normalize()
		if err != nil {
			t.Fatalf("Normalize(%q) failed: %v", alias, err)
		}
		if params.Parity != want {
			t.Errorf("parity %q normalized to %q, want %q", alias, params.Parity, want)
		}
	}
}

func TestSerialParamsMode(t *testing.T) {
	mode, err := SerialParams{Port: "/dev/x", BaudRate: 115200, StopBits: 2, Parity: "E"}.Mode()
	if err != nil {
		t.Fatalf("Mode failed: %v", err)
	}
	if mode.BaudRate != 115200 {
		t.Errorf("BaudRate = %d, want 115200", mode.BaudRate)
	}
	if mode.StopBits != serial.TwoStopBits {
		t.Errorf("StopBits = %v, want TwoStopBits", mode.StopBits)
	}
	if mode.Parity != serial.EvenParity {
		t.Errorf("Parity = %v, want EvenParity", mode.Parity)
	}
}

func TestHIDParamsValidation(t *testing.T) {
	cfg := ProtocolConfig{Name: "x", HID: &HIDParams{VendorID: 0x1234}}
	if _, err := cfg.Normalize(); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for missing product id, got %v", err)
	}

	cfg = ProtocolConfig{Name: "x", HID: &HIDParams{VendorID: 0x1234, ProductID: 0x5678}}
	normalized, err := cfg.Normalize()
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if normalized.HID.ReportSize != 64 {
		t.Errorf("ReportSize = %d, want default 64", normalized.HID.ReportSize)
	}
}
