package estop

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration indicates an invalid device or safety configuration.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrDuplicateDevice indicates AddDevice with an id already registered.
	// Duplicate registrations are rejected, never silently merged.
	ErrDuplicateDevice = errors.New("duplicate device id")

	// ErrDeviceNotFound indicates a command for an unregistered device.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrShutdown indicates an operation on a manager that has been shut down.
	ErrShutdown = errors.New("manager shut down")

	// ErrTestModeDisabled indicates TestSystem while test_mode_allowed is off.
	ErrTestModeDisabled = errors.New("test mode not allowed")
)

func errf(class error, format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", class, fmt.Sprintf(format, v...))
}
