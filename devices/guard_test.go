package devices

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeStream struct {
	once    sync.Once
	done    chan struct{}
	stopped bool
	stuck   bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{done: make(chan struct{})}
}

func (s *fakeStream) Stop() {
	s.stopped = true
	if !s.stuck {
		s.once.Do(func() { close(s.done) })
	}
}

func (s *fakeStream) Done() <-chan struct{} {
	return s.done
}

func (s *fakeStream) die() {
	s.once.Do(func() { close(s.done) })
}

func opener(s *fakeStream) OpenFunc {
	return func() (Stream, error) { return s, nil }
}

func device(i int) *int {
	return &i
}

func TestStartStream(t *testing.T) {
	g := NewGuard(50 * time.Millisecond)
	first := newFakeStream()
	if err := g.StartStream(1, device(0), opener(first)); err != nil {
		t.Fatal(err)
	}

	other := newFakeStream()
	if err := g.StartStream(2, device(0), opener(other)); err != ErrDeviceBusy {
		t.Fatalf("second camera on busy device = %v", err)
	}
	if other.stopped || first.stopped {
		t.Fatal("rejected start touched a stream")
	}

	restarted := newFakeStream()
	if err := g.StartStream(1, device(0), opener(restarted)); err != nil {
		t.Fatalf("idempotent restart = %v", err)
	}
	if !first.stopped {
		t.Error("old stream not stopped on restart")
	}

	rtsp := newFakeStream()
	if err := g.StartStream(3, nil, opener(rtsp)); err != nil {
		t.Fatal(err)
	}
	if active := g.Active(); len(active) != 2 || active[0] != 1 || active[1] != 3 {
		t.Errorf("Active() = %v", active)
	}

	g.StopStream(1)
	if !restarted.stopped {
		t.Error("StopStream did not stop")
	}
	if err := g.StartStream(2, device(0), opener(newFakeStream())); err != nil {
		t.Errorf("device not released by StopStream: %v", err)
	}
}

func TestOpenFailureLeavesDeviceFree(t *testing.T) {
	g := NewGuard(10 * time.Millisecond)
	boom := errors.New("no such device")
	if err := g.StartStream(1, device(2), func() (Stream, error) { return nil, boom }); err != boom {
		t.Fatalf("StartStream() = %v", err)
	}
	if err := g.StartStream(9, device(2), opener(newFakeStream())); err != nil {
		t.Errorf("device stayed locked after failed open: %v", err)
	}
}

func TestRestartReleasesPreviousDevice(t *testing.T) {
	tests := []struct {
		name   string
		next   *int
		freed  []int
		locked []int
	}{
		{"same device", device(0), nil, []int{0}},
		{"another device", device(4), []int{0}, []int{4}},
		{"no device", nil, []int{0}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGuard(10 * time.Millisecond)
			first := newFakeStream()
			if err := g.StartStream(1, device(0), opener(first)); err != nil {
				t.Fatal(err)
			}
			if err := g.StartStream(1, tt.next, opener(newFakeStream())); err != nil {
				t.Fatal(err)
			}
			if !first.stopped {
				t.Error("old stream not stopped")
			}
			for _, d := range tt.freed {
				if err := g.StartStream(2, device(d), opener(newFakeStream())); err != nil {
					t.Errorf("device %d still held after restart: %v", d, err)
				}
			}
			for _, d := range tt.locked {
				if err := g.StartStream(3, device(d), opener(newFakeStream())); err != ErrDeviceBusy {
					t.Errorf("device %d should stay with camera 1, got %v", d, err)
				}
			}
			if report := g.Diagnose(); !report.Healthy() {
				t.Errorf("report after restart = %+v", report)
			}
		})
	}
}

func TestDiagnose(t *testing.T) {
	g := NewGuard(10 * time.Millisecond)
	healthy := newFakeStream()
	dying := newFakeStream()
	g.StartStream(1, device(0), opener(healthy))
	g.StartStream(2, device(1), opener(dying))
	dying.die()
	// A second lock for camera 1 can only come from corrupted state
	g.mutex.Lock()
	g.devices[4] = 1
	g.mutex.Unlock()

	report := g.Diagnose()
	if len(report.OrphanedLocks) != 1 || report.OrphanedLocks[0] != (DeviceLock{Device: 1, CameraID: 2}) {
		t.Errorf("orphaned = %+v", report.OrphanedLocks)
	}
	if len(report.Duplicates) != 1 || report.Duplicates[0].CameraID != 1 || len(report.Duplicates[0].Devices) != 2 {
		t.Errorf("duplicates = %+v", report.Duplicates)
	}
	if report.Healthy() {
		t.Error("report should not be healthy")
	}
	// Diagnose only reports
	if again := g.Diagnose(); len(again.OrphanedLocks) != 1 || len(again.Duplicates) != 1 {
		t.Error("Diagnose repaired something")
	}
}

func TestCleanupAllIsBounded(t *testing.T) {
	g := NewGuard(20 * time.Millisecond)
	stuck := &fakeStream{done: make(chan struct{}), stuck: true}
	fine := newFakeStream()
	g.StartStream(1, device(0), opener(stuck))
	g.StartStream(2, device(1), opener(fine))

	start := time.Now()
	g.CleanupAll()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("CleanupAll took %v", elapsed)
	}
	if !stuck.stopped || !fine.stopped {
		t.Error("not every stream was stopped")
	}
	if report := g.Diagnose(); report.Streams != 0 || !report.Healthy() {
		t.Errorf("after cleanup = %+v", report)
	}
	if err := g.StartStream(3, device(0), opener(newFakeStream())); err != nil {
		t.Errorf("lock survived cleanup: %v", err)
	}
}
