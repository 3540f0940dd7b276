package agent

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

type State string

const (
	StateInit         State = "INIT"
	StateRegistered   State = "REGISTERED"
	StateIdle         State = "IDLE"
	StateRunning      State = "RUNNING"
	StateReconnecting State = "RECONNECTING"
	StateDraining     State = "DRAINING"
	StateStopped      State = "STOPPED"
)

var ErrIllegalTransition = errors.New("illegal agent transition")

var transitions = map[State][]State{
	StateInit:         {StateRegistered, StateStopped},
	StateRegistered:   {StateIdle, StateReconnecting, StateStopped},
	StateIdle:         {StateRunning, StateDraining, StateReconnecting, StateStopped},
	StateRunning:      {StateIdle, StateReconnecting, StateDraining, StateStopped},
	StateReconnecting: {StateRegistered, StateRunning, StateStopped},
	StateDraining:     {StateStopped},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// HistoryEntry is one recorded transition
type HistoryEntry struct {
	At       time.Time
	From     State
	To       State
	CameraID *uint64
	Reason   string
}

// FSM is the worker lifecycle. A camera is tracked while RUNNING and
// remembered across RECONNECTING, at no other time.
type FSM struct {
	Now func() time.Time

	mutex    sync.Mutex
	state    State
	cameraID *uint64
	history  []HistoryEntry
}

func NewFSM() *FSM {
	return &FSM{Now: time.Now, state: StateInit}
}

func (f *FSM) State() State {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.state
}

// CameraID is the camera being run, or remembered while reconnecting
func (f *FSM) CameraID() (uint64, bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.cameraID == nil {
		return 0, false
	}
	return *f.cameraID, true
}

func (f *FSM) History() []HistoryEntry {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]HistoryEntry(nil), f.history...)
}

// move must be called with the mutex held
func (f *FSM) move(to State, reason string) error {
	if !allowed(f.state, to) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrIllegalTransition, f.state, to, reason)
	}
	switch to {
	case StateRunning, StateReconnecting:
	default:
		f.cameraID = nil
	}
	var camera *uint64
	if f.cameraID != nil {
		id := *f.cameraID
		camera = &id
	}
	f.history = append(f.history, HistoryEntry{At: f.Now(), From: f.state, To: to, CameraID: camera, Reason: reason})
	f.state = to
	return nil
}

// Transition moves to any state the table allows
func (f *FSM) Transition(to State, reason string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.move(to, reason)
}

// OnStartCamera runs start and, if it succeeds, moves to RUNNING bound to
// cameraID. Only legal from IDLE or RECONNECTING. start must not call back
// into the FSM.
func (f *FSM) OnStartCamera(cameraID uint64, reason string, start func() error) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.state != StateIdle && f.state != StateReconnecting {
		return fmt.Errorf("%w: start camera %d in %s", ErrIllegalTransition, cameraID, f.state)
	}
	if err := start(); err != nil {
		return err
	}
	previous := f.cameraID
	f.cameraID = &cameraID
	if err := f.move(StateRunning, reason); err != nil {
		f.cameraID = previous
		return err
	}
	return nil
}

// OnStopCamera leaves RUNNING for IDLE. While reconnecting the remembered
// camera is forgotten instead, so reconnecting ends in IDLE.
func (f *FSM) OnStopCamera(reason string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.state == StateReconnecting {
		f.cameraID = nil
		return nil
	}
	return f.move(StateIdle, reason)
}

// OnConnectionError moves to RECONNECTING keeping the camera. It is a no-op
// when already reconnecting.
func (f *FSM) OnConnectionError(reason string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.state == StateReconnecting {
		return nil
	}
	return f.move(StateReconnecting, reason)
}

// OnReconnected goes back to RUNNING when a camera is remembered, otherwise
// through REGISTERED to IDLE.
func (f *FSM) OnReconnected(reason string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.state != StateReconnecting {
		return fmt.Errorf("%w: reconnected in %s", ErrIllegalTransition, f.state)
	}
	if f.cameraID != nil {
		return f.move(StateRunning, reason)
	}
	if err := f.move(StateRegistered, reason); err != nil {
		return err
	}
	return f.move(StateIdle, reason)
}

// OnDrain stops the active camera, then moves to DRAINING. stop runs without
// the lock held so capture callbacks cannot deadlock against it.
func (f *FSM) OnDrain(reason string, stop func()) error {
	f.mutex.Lock()
	state := f.state
	f.mutex.Unlock()
	if !allowed(state, StateDraining) {
		return fmt.Errorf("%w: drain in %s", ErrIllegalTransition, state)
	}
	if state == StateRunning && stop != nil {
		stop()
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.move(StateDraining, reason)
}

func (f *FSM) OnStopped(reason string) error {
	return f.Transition(StateStopped, reason)
}
