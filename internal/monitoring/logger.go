// Package monitoring provides the process-wide diagnostic logger used by the
// adapter and safety packages.
//
// The safety path must never lose a log line silently, but tests need to mute
// or capture output; the package therefore exposes a replaceable Logf
// indirection rather than a fixed logger.
package monitoring

import (
	"log"
	"sync"
)

var (
	mu   sync.RWMutex
	logf func(format string, v ...interface{}) = log.Printf
)

// Logf writes a diagnostic line through the current package logger.
func Logf(format string, v ...interface{}) {
	mu.RLock()
	f := logf
	mu.RUnlock()
	f(format, v...)
}

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
// Tests or production code can redirect or mute output.
func SetLogger(f func(format string, v ...interface{})) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		logf = func(string, ...interface{}) {}
		return
	}
	logf = f
}

// Component returns a logf function that prefixes every line with the given
// subsystem tag, e.g. "[estop] heartbeat timeout on button-1".
func Component(name string) func(format string, v ...interface{}) {
	prefix := "[" + name + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
