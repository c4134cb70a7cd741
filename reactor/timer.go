package reactor

import (
	"sync"
	"time"
)

// Timer is a handle returned by Scheduler.Start/Repeating; pass it to
// Cancel. The zero value is not meaningful; only handles returned by the
// Scheduler are valid.
type Timer struct {
	id        int64
	fireAt    time.Time
	period    time.Duration // 0 for a one-shot timer
	callback  func()
	cancelled bool
}

// Scheduler is the reactor's timer wheel (spec §4.6), grounded on
// original_source/timer.c's timer_create/timer_start/timer_repeating/
// timer_cancel. fire is only ever called from the reactor's own tick, so
// every callback it runs executes on that single goroutine, preserving the
// spec's "callbacks run to completion with no other state changing
// concurrently" guarantee.
type Scheduler struct {
	mu     sync.Mutex
	nextID int64
	timers map[int64]*Timer
}

// NewScheduler returns an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[int64]*Timer)}
}

// Start schedules callback to run once after d elapses. The timer
// self-destructs after firing; no further Cancel is needed.
func (s *Scheduler) Start(d time.Duration, callback func()) *Timer {
	return s.schedule(d, 0, callback)
}

// Repeating schedules callback to run every d until Cancel is called.
func (s *Scheduler) Repeating(d time.Duration, callback func()) *Timer {
	return s.schedule(d, d, callback)
}

func (s *Scheduler) schedule(delay, period time.Duration, callback func()) *Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := &Timer{id: s.nextID, fireAt: time.Now().Add(delay), period: period, callback: callback}
	s.timers[t.id] = t
	return t
}

// Cancel stops a timer. Idempotent: cancelling an already-fired one-shot,
// or a timer already cancelled, is a no-op, so callers never need to track
// whether a timer handle is still live.
func (s *Scheduler) Cancel(t *Timer) {
	if t == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t.cancelled = true
	delete(s.timers, t.id)
}

// CancelAll stops every outstanding timer. Called once on reactor shutdown
// so no callback fires after the controller that owns it has gone away.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.cancelled = true
		delete(s.timers, id)
	}
}

// fire runs every timer due by now. Called once per reactor tick.
func (s *Scheduler) fire(now time.Time) {
	s.mu.Lock()
	due := make([]*Timer, 0, len(s.timers))
	for _, t := range s.timers {
		if !t.fireAt.After(now) {
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		s.mu.Lock()
		if t.cancelled {
			s.mu.Unlock()
			continue
		}
		if t.period != 0 {
			t.fireAt = now.Add(t.period)
		} else {
			delete(s.timers, t.id)
		}
		cb := t.callback
		s.mu.Unlock()
		cb()
	}
}
