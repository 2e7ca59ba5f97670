package hal

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func newRedundantPair(t *testing.T) (*RedundantAdapter, *MockAdapter, *MockAdapter) {
	t.Helper()
	a, err := NewMockAdapter(ProtocolConfig{Name: "child-a"})
	if err != nil {
		t.Fatalf("NewMockAdapter failed: %v", err)
	}
	b, err := NewMockAdapter(ProtocolConfig{Name: "child-b"})
	if err != nil {
		t.Fatalf("NewMockAdapter failed: %v", err)
	}
	r, err := NewRedundantAdapter(ProtocolConfig{Name: "pair"}, a, b)
	if err != nil {
		t.Fatalf("NewRedundantAdapter failed: %v", err)
	}
	return r, a, b
}

func TestRedundantRequiresChildren(t *testing.T) {
	if _, err := NewRedundantAdapter(ProtocolConfig{Name: "empty"}); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration without children, got %v", err)
	}
}

func TestRedundantConnectSurvivesPartialFailure(t *testing.T) {
	r, a, b := newRedundantPair(t)

	// pre-connect one child, leave the other disconnected; Connect should
	// still succeed because at least one child is reachable
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("child connect failed: %v", err)
	}
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !r.Connected() {
		t.Error("composite not connected")
	}
	if !b.Connected() {
		t.Error("second child not connected by composite Connect")
	}
}

func TestRedundantQueryFailsOverToHealthyChild(t *testing.T) {
	r, a, b := newRedundantPair(t)
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	b.Program([]byte("status"), []byte("RELEASED"))
	// child a is connected but has nothing programmed, so it times out and
	// the composite must fall through to child b
	a.SetLatency(0)

	resp, err := r.Query(context.Background(), NewPacket(DirectionTX, []byte("status"), nil), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if !bytes.Equal(resp.Payload(), []byte("RELEASED")) {
		t.Errorf("response = %q, want RELEASED", resp.Payload())
	}
}

func TestRedundantQueryAllChildrenFailed(t *testing.T) {
	r, _, _ := newRedundantPair(t)
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	_, err := r.Query(context.Background(), NewPacket(DirectionTX, []byte("unknown"), nil), 10*time.Millisecond)
	if !errors.Is(err, ErrTransport) {
		t.Errorf("expected ErrTransport when every child fails, got %v", err)
	}
}

func TestRedundantWriteFansOut(t *testing.T) {
	r, a, b := newRedundantPair(t)
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := r.Write(context.Background(), NewPacket(DirectionTX, []byte("abc"), nil)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if a.Status().BytesSent != 3 || b.Status().BytesSent != 3 {
		t.Errorf("fanout counters = %d/%d, want 3/3", a.Status().BytesSent, b.Status().BytesSent)
	}
}

func TestRedundantSurvivesChildDisconnect(t *testing.T) {
	r, a, b := newRedundantPair(t)
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	b.Program([]byte("status"), []byte("RELEASED"))

	if err := a.Disconnect(); err != nil {
		t.Fatalf("child disconnect failed: %v", err)
	}
	if !r.Connected() {
		t.Error("composite reported disconnected with one healthy child")
	}
	if _, err := r.Query(context.Background(), NewPacket(DirectionTX, []byte("status"), nil), time.Second); err != nil {
		t.Errorf("Query after child loss failed: %v", err)
	}

	if err := b.Disconnect(); err != nil {
		t.Fatalf("child disconnect failed: %v", err)
	}
	if r.Connected() {
		t.Error("composite reported connected with no children")
	}
	if _, err := r.Read(context.Background(), time.Millisecond); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected with no children, got %v", err)
	}
}

func TestRedundantForwardsChildDataEvents(t *testing.T) {
	r, a, _ := newRedundantPair(t)
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	events := make(chan Event, 1)
	r.Subscribe(func(ev Event) {
		if ev.Kind == EventData {
			select {
			case events <- ev:
			default:
			}
		}
	})

	a.InjectData([]byte("PRESSED"))

	select {
	case ev := <-events:
		if ev.Packet == nil || !bytes.Equal(ev.Packet.Payload(), []byte("PRESSED")) {
			t.Errorf("forwarded event mismatch: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Error("child data event not forwarded")
	}
}
