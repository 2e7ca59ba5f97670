// Package notify carries emergency activations out of the process: to the
// log, and optionally to an MQTT broker for plant-wide alarm distribution.
package notify

import (
	"github.com/safety-control/estopd/internal/monitoring"
)

// LogNotifier writes alarms to the process log. It is the fallback sink when
// no broker is configured.
type LogNotifier struct {
	logf func(format string, v ...interface{})
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logf: monitoring.Component("alarm")}
}

func (n *LogNotifier) Alarm(source, reason string) error {
	n.logf("EMERGENCY STOP activated by %s: %s", source, reason)
	return nil
}
