// Package activity tracks whether the runtime is foregrounded and whether the
// end user has interacted recently, and reduces the two to a single
// "synchronization permitted now" predicate that the polling layer consumes.
package activity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davlens/bidsync/internal/clock"
)

// State is the observable environment state.
type State struct {
	Foreground bool
	UserActive bool
}

// Eligible reports whether synchronization is permitted: foregrounded and
// recently interacted with.
func (s State) Eligible() bool { return s.Foreground && s.UserActive }

// Monitor is the read side consumed by the scheduler. The concrete
// environment hooks live behind it so tests can swap in a stub.
type Monitor interface {
	// EligibleToSync reports whether refreshes should run right now.
	EligibleToSync() bool
	// State returns the full foreground/input breakdown; the scheduler uses
	// it to stretch intervals for an inactive-but-foregrounded user.
	State() State
	// OnChange registers an edge-triggered listener, called whenever the
	// state changes. The returned function unregisters it.
	OnChange(fn func(State)) (unsubscribe func())
}

// Signals are the environment-level observables. A nil channel means the
// signal cannot be determined, and the corresponding state stays permissive.
type Signals struct {
	Visibility <-chan bool
	Input      <-chan time.Time
}

// Tracker is the concrete Monitor. With no signal sources attached it reports
// permanently eligible.
type Tracker struct {
	mu         sync.Mutex
	state      State
	inactivity clock.Timer
	listeners  map[int]func(State)
	nextID     int
	closed     bool

	threshold time.Duration
	clk       clock.Clock
	log       *zap.Logger
}

// NewTracker creates a Tracker that starts out foregrounded and active.
func NewTracker(clk clock.Clock, inactivityThreshold time.Duration, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		state:     State{Foreground: true, UserActive: true},
		listeners: make(map[int]func(State)),
		threshold: inactivityThreshold,
		clk:       clk,
		log:       log,
	}
}

func (t *Tracker) EligibleToSync() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Eligible()
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) OnChange(fn func(State)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

// RecordInput marks the user as active and restarts the inactivity timer.
// Every qualifying input event lands here; the timer itself is the debounce.
func (t *Tracker) RecordInput() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if t.inactivity != nil {
		t.inactivity.Stop()
	}
	t.inactivity = t.clk.AfterFunc(t.threshold, t.inactivityExpired)

	changed := !t.state.UserActive
	t.state.UserActive = true
	t.notifyLocked(changed)
}

// SetForeground records a visibility transition. Both directions are
// edge-triggered: listeners hear about the flip immediately.
func (t *Tracker) SetForeground(fg bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	changed := t.state.Foreground != fg
	t.state.Foreground = fg
	t.notifyLocked(changed)
}

func (t *Tracker) inactivityExpired() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	changed := t.state.UserActive
	t.state.UserActive = false
	t.log.Debug("user inactivity threshold reached")
	t.notifyLocked(changed)
}

// notifyLocked snapshots the listeners and state, releases the lock, and
// delivers. Callers must hold t.mu; it is released on return.
func (t *Tracker) notifyLocked(changed bool) {
	if !changed {
		t.mu.Unlock()
		return
	}
	state := t.state
	fns := make([]func(State), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

// Pump drives the tracker from environment signal channels until ctx is done.
// Intended to run as a goroutine; channels that are nil are simply ignored.
func (t *Tracker) Pump(ctx context.Context, signals Signals) {
	for {
		select {
		case <-ctx.Done():
			return
		case fg, ok := <-signals.Visibility:
			if !ok {
				signals.Visibility = nil
				continue
			}
			t.SetForeground(fg)
		case _, ok := <-signals.Input:
			if !ok {
				signals.Input = nil
				continue
			}
			t.RecordInput()
		}
	}
}

// Close stops the inactivity timer and drops all listeners.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	if t.inactivity != nil {
		t.inactivity.Stop()
	}
	t.listeners = make(map[int]func(State))
}
