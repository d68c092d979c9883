// Package lifecycle implements the created, started, stopped state machine
// shared by every transport.
package lifecycle

import (
	"sync"

	"github.com/RobertWHurst/idmefv2transport"
)

type State int

const (
	Created State = iota
	Started
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Lifecycle guards the state transitions of a transport. The zero value is a
// lifecycle in the Created state.
//
// Start and Stop hold the write lock while their callback runs; Do holds the
// read lock, so a Stop waits for in-flight operations to finish before
// releasing the resources they use.
type Lifecycle struct {
	mu    sync.RWMutex
	state State
}

func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Start runs fn and moves to Started if it succeeds. A failing fn leaves the
// lifecycle in Created.
func (l *Lifecycle) Start(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != Created {
		return idmefv2transport.ErrAlreadyStarted
	}
	if err := fn(); err != nil {
		return err
	}
	l.state = Started
	return nil
}

// Stop moves to Stopped and runs fn. The transition happens even when fn
// fails; its error is returned.
func (l *Lifecycle) Stop(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case Created:
		return idmefv2transport.ErrNotStarted
	case Stopped:
		return idmefv2transport.ErrAlreadyStopped
	}
	l.state = Stopped
	return fn()
}

// Do runs fn if the lifecycle is Started and returns ErrNotStarted otherwise.
// Any number of Do calls may run concurrently.
func (l *Lifecycle) Do(fn func() error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.state != Started {
		return idmefv2transport.ErrNotStarted
	}
	return fn()
}
