package reactor

import (
	"testing"
	"time"
)

func TestSchedulerOneShotFiresOnce(t *testing.T) {
	s := NewScheduler()
	fired := 0
	s.Start(-time.Millisecond, func() { fired++ })

	s.fire(time.Now())
	s.fire(time.Now())

	if fired != 1 {
		t.Errorf("one-shot timer fired %d times, want 1", fired)
	}
}

func TestSchedulerRepeatingFiresEveryTick(t *testing.T) {
	s := NewScheduler()
	fired := 0
	s.Repeating(-time.Millisecond, func() { fired++ })

	s.fire(time.Now())
	s.fire(time.Now())
	s.fire(time.Now())

	if fired != 3 {
		t.Errorf("repeating timer fired %d times, want 3", fired)
	}
}

func TestSchedulerCancelStopsFutureFires(t *testing.T) {
	s := NewScheduler()
	fired := 0
	timer := s.Repeating(-time.Millisecond, func() { fired++ })

	s.fire(time.Now())
	s.Cancel(timer)
	s.fire(time.Now())

	if fired != 1 {
		t.Errorf("cancelled timer fired %d times after cancel, want 1 total", fired)
	}
}

func TestSchedulerCancelIsIdempotent(t *testing.T) {
	s := NewScheduler()
	timer := s.Start(time.Hour, func() {})
	s.Cancel(timer)
	s.Cancel(timer) // must not panic
	s.Cancel(nil)   // must not panic
}

func TestSchedulerCancelAll(t *testing.T) {
	s := NewScheduler()
	fired := 0
	s.Repeating(-time.Millisecond, func() { fired++ })
	s.Repeating(-time.Millisecond, func() { fired++ })

	s.CancelAll()
	s.fire(time.Now())

	if fired != 0 {
		t.Errorf("timers fired %d times after CancelAll, want 0", fired)
	}
}

func TestSchedulerNotYetDueDoesNotFire(t *testing.T) {
	s := NewScheduler()
	fired := 0
	s.Start(time.Hour, func() { fired++ })

	s.fire(time.Now())

	if fired != 0 {
		t.Errorf("timer due in an hour fired early")
	}
}
