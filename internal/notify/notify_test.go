package notify

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/safety-control/estopd/internal/monitoring"
)

func TestLogNotifierWritesAlarm(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		lines = append(lines, fmt.Sprintf(format, v...))
		mu.Unlock()
	})
	defer monitoring.SetLogger(nil)

	n := NewLogNotifier()
	if err := n.Alarm("device:button-1", "stop button pressed"); err != nil {
		t.Fatalf("Alarm failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 1 {
		t.Fatalf("logged %d lines, want 1", len(lines))
	}
	if !strings.Contains(lines[0], "device:button-1") || !strings.Contains(lines[0], "stop button pressed") {
		t.Errorf("alarm line missing detail: %q", lines[0])
	}
}
