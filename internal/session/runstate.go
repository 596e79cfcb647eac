package session

import (
	"context"
	"sync"

	"github.com/standardbeagle/inspectbridge/internal/wire"
)

// RunState is the coarse, advisory execution state of the target.
type RunState int

const (
	RunStateUnknown RunState = iota
	RunStateRunning
	RunStatePaused
)

func (r RunState) String() string {
	switch r {
	case RunStateRunning:
		return "running"
	case RunStatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// State returns the last known run-state.
func (s *Session) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st RunState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == st {
		return
	}
	s.state = st
	close(s.changed)
	s.changed = make(chan struct{})
}

// Running reports whether the target is running. When the state is not yet
// known it asks the target, since every response carries the running flag.
func (s *Session) Running(ctx context.Context) (bool, error) {
	if st := s.State(); st != RunStateUnknown {
		return st == RunStateRunning, nil
	}
	if _, err := s.Call(ctx, "version", nil); err != nil {
		return false, err
	}
	return s.State() != RunStatePaused, nil
}

// WaitState blocks until the run-state equals want.
func (s *Session) WaitState(ctx context.Context, want RunState) error {
	for {
		s.mu.Lock()
		if s.state == want {
			s.mu.Unlock()
			return nil
		}
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-s.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Waiter is a one-shot subscription to the next occurrence of any of a set
// of events. Create it before sending the request that provokes the event.
type Waiter struct {
	names []string
	ch    chan *wire.Event
	once  sync.Once
	s     *Session
}

// Expect registers a Waiter for the next event named in names.
func (s *Session) Expect(names ...string) *Waiter {
	w := &Waiter{names: names, ch: make(chan *wire.Event, 1), s: s}
	s.mu.Lock()
	if s.closed {
		w.cancel()
	} else {
		s.waiters[w] = struct{}{}
	}
	s.mu.Unlock()
	return w
}

// Wait returns the matched event.
func (w *Waiter) Wait(ctx context.Context) (*wire.Event, error) {
	select {
	case ev, ok := <-w.ch:
		if !ok {
			return nil, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		w.Cancel()
		return nil, ctx.Err()
	}
}

// Cancel unregisters the waiter if it has not fired.
func (w *Waiter) Cancel() {
	w.s.mu.Lock()
	delete(w.s.waiters, w)
	w.s.mu.Unlock()
}

func (w *Waiter) matches(name string) bool {
	for _, n := range w.names {
		if n == name {
			return true
		}
	}
	return false
}

func (w *Waiter) deliver(ev *wire.Event) {
	w.once.Do(func() {
		w.ch <- ev
	})
}

func (w *Waiter) cancel() {
	w.once.Do(func() {
		close(w.ch)
	})
}
