package hal

import (
	"errors"
	"fmt"
)

// Normalized adapter error classes. Callers branch on these with errors.Is to
// tell "your code is wrong" (duplicate id, unknown protocol, bad config) apart
// from "the hardware is unreachable" (connection, transport, timeout).
var (
	// ErrConfiguration indicates an invalid adapter configuration. Fatal at
	// construction; never coerced silently.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrConnection indicates the underlying transport could not be reached
	// within the configured connect timeout.
	ErrConnection = errors.New("connection failed")

	// ErrTransport indicates an I/O failure on an established transport.
	ErrTransport = errors.New("transport failure")

	// ErrTimeout indicates no data arrived within the requested timeout.
	ErrTimeout = errors.New("timeout")

	// ErrNotConnected indicates an I/O call on a disconnected adapter.
	ErrNotConnected = errors.New("adapter not connected")

	// ErrDuplicateID indicates a registry create with an id already in use.
	ErrDuplicateID = errors.New("duplicate adapter id")

	// ErrUnsupportedProtocol indicates a registry create for a protocol type
	// that has not been registered. Matching is exact and case-sensitive.
	ErrUnsupportedProtocol = errors.New("unsupported protocol type")
)

// wrapf attaches a normalized class to a lower-level error so both survive
// errors.Is / errors.As inspection.
func wrapf(class error, format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", class, fmt.Sprintf(format, v...))
}

// IsFaultCandidate reports whether err represents a transient transport-level
// failure that should be surfaced as a device fault rather than a caller bug.
func IsFaultCandidate(err error) bool {
	return errors.Is(err, ErrConnection) ||
		errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNotConnected)
}
