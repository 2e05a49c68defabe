// Package timers provides a cancellable timer set keyed by (room, purpose),
// replacing ad hoc chained callbacks so reconnects and room teardown can
// reliably cancel pending work without leaking timers.
package timers

import (
	"sync"
	"time"
)

type Key struct {
	GameID  string
	Purpose string
}

const (
	PurposeEviction  = "eviction"
	PurposeReconcile = "reconcile"
	PurposeTeardown  = "teardown"
)

type Set struct {
	mu     sync.Mutex
	timers map[Key]*time.Timer
}

func NewSet() *Set {
	return &Set{timers: make(map[Key]*time.Timer)}
}

// Schedule arms fn to run after d, replacing any timer already armed under
// the same key. fn runs on its own goroutine; the key is cleared before fn
// is invoked so fn may re-schedule itself.
func (s *Set) Schedule(key Key, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		// A Cancel or re-Schedule that raced the fire wins: only run fn if
		// we are still the registered timer for this key.
		if cur, ok := s.timers[key]; !ok || cur != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
	s.timers[key] = t
}

// Cancel stops the timer for key if one is armed. Reports whether a timer
// was pending.
func (s *Set) Cancel(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, key)
	return true
}

// CancelRoom drops every timer belonging to gameID, whatever its purpose.
// Called on room teardown.
func (s *Set) CancelRoom(gameID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, t := range s.timers {
		if k.GameID == gameID {
			t.Stop()
			delete(s.timers, k)
			n++
		}
	}
	return n
}

func (s *Set) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
