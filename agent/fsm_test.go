package agent

import (
	"errors"
	"testing"
)

func TestFSMTransitions(t *testing.T) {
	tests := []struct {
		name  string
		path  []State
		to    State
		legal bool
	}{
		{"register", nil, StateRegistered, true},
		{"stop before register", nil, StateStopped, true},
		{"run before register", nil, StateRunning, false},
		{"idle after register", []State{StateRegistered}, StateIdle, true},
		{"drain from registered", []State{StateRegistered}, StateDraining, false},
		{"drain from idle", []State{StateRegistered, StateIdle}, StateDraining, true},
		{"reconnect from idle", []State{StateRegistered, StateIdle}, StateReconnecting, true},
		{"idle from reconnecting", []State{StateRegistered, StateIdle, StateReconnecting}, StateIdle, false},
		{"registered from reconnecting", []State{StateRegistered, StateIdle, StateReconnecting}, StateRegistered, true},
		{"idle from draining", []State{StateRegistered, StateIdle, StateDraining}, StateIdle, false},
		{"stop from draining", []State{StateRegistered, StateIdle, StateDraining}, StateStopped, true},
		{"nothing after stopped", []State{StateStopped}, StateInit, false},
		{"stopped twice", []State{StateStopped}, StateStopped, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFSM()
			for _, s := range tt.path {
				if err := f.Transition(s, "setup"); err != nil {
					t.Fatal(err)
				}
			}
			before := f.State()
			err := f.Transition(tt.to, "test")
			if tt.legal && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.legal {
				if !errors.Is(err, ErrIllegalTransition) {
					t.Fatalf("expected ErrIllegalTransition, got %v", err)
				}
				if f.State() != before {
					t.Fatalf("state changed to %s on illegal transition", f.State())
				}
			}
		})
	}
}

func idle(t *testing.T) *FSM {
	t.Helper()
	f := NewFSM()
	if err := f.Transition(StateRegistered, "registered"); err != nil {
		t.Fatal(err)
	}
	if err := f.Transition(StateIdle, "ready"); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestStartCamera(t *testing.T) {
	f := NewFSM()
	called := false
	err := f.OnStartCamera(1, "too early", func() error { called = true; return nil })
	if !errors.Is(err, ErrIllegalTransition) || called {
		t.Fatalf("start from INIT: err=%v called=%v", err, called)
	}

	f = idle(t)
	failure := errors.New("no device")
	if err = f.OnStartCamera(1, "lease", func() error { return failure }); !errors.Is(err, failure) {
		t.Fatalf("expected start error, got %v", err)
	}
	if f.State() != StateIdle {
		t.Fatalf("failed start moved to %s", f.State())
	}
	if _, ok := f.CameraID(); ok {
		t.Fatal("failed start left a camera")
	}

	if err = f.OnStartCamera(7, "lease", func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if id, ok := f.CameraID(); !ok || id != 7 || f.State() != StateRunning {
		t.Fatalf("got camera %d/%v in %s", id, ok, f.State())
	}
	if err = f.OnStartCamera(8, "again", func() error { return nil }); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("start while running: %v", err)
	}
}

func TestReconnectKeepsCamera(t *testing.T) {
	f := idle(t)
	if err := f.OnStartCamera(7, "lease", func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := f.OnConnectionError("heartbeat failed"); err != nil {
		t.Fatal(err)
	}
	if err := f.OnConnectionError("heartbeat failed again"); err != nil {
		t.Fatalf("second connection error: %v", err)
	}
	if id, ok := f.CameraID(); !ok || id != 7 {
		t.Fatalf("camera lost while reconnecting: %d %v", id, ok)
	}
	if err := f.OnReconnected("back"); err != nil {
		t.Fatal(err)
	}
	if f.State() != StateRunning {
		t.Fatalf("expected RUNNING, got %s", f.State())
	}

	// Without a camera reconnecting ends in IDLE via REGISTERED
	f = idle(t)
	if err := f.OnConnectionError("down"); err != nil {
		t.Fatal(err)
	}
	if err := f.OnReconnected("back"); err != nil {
		t.Fatal(err)
	}
	if f.State() != StateIdle {
		t.Fatalf("expected IDLE, got %s", f.State())
	}
	h := f.History()
	if len(h) != 5 || h[3].To != StateRegistered || h[4].To != StateIdle {
		t.Fatalf("unexpected history %+v", h)
	}
	for _, e := range h {
		if e.At.IsZero() || e.Reason == "" {
			t.Fatalf("incomplete history entry %+v", e)
		}
	}
}

func TestStopCameraWhileReconnecting(t *testing.T) {
	f := idle(t)
	if err := f.OnStartCamera(7, "lease", func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := f.OnConnectionError("down"); err != nil {
		t.Fatal(err)
	}
	if err := f.OnStopCamera("revoked"); err != nil {
		t.Fatal(err)
	}
	if err := f.OnReconnected("back"); err != nil {
		t.Fatal(err)
	}
	if f.State() != StateIdle {
		t.Fatalf("expected IDLE, got %s", f.State())
	}
}

func TestDrain(t *testing.T) {
	f := idle(t)
	if err := f.OnStartCamera(7, "lease", func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	stopped := false
	if err := f.OnDrain("shutdown", func() { stopped = true }); err != nil {
		t.Fatal(err)
	}
	if !stopped {
		t.Fatal("active camera was not stopped")
	}
	if _, ok := f.CameraID(); ok || f.State() != StateDraining {
		t.Fatalf("expected DRAINING without camera, got %s", f.State())
	}
	if err := f.OnConnectionError("late"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("connection error while draining: %v", err)
	}
	if err := f.OnStopped("done"); err != nil {
		t.Fatal(err)
	}

	f = idle(t)
	if err := f.OnConnectionError("down"); err != nil {
		t.Fatal(err)
	}
	if err := f.OnDrain("shutdown", nil); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("drain while reconnecting: %v", err)
	}
}
