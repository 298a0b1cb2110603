package server

import (
	"sync"
	"time"
)

// throttle coalesces bursts of triggers into at most one call of fn per
// interval. The first trigger in a quiet period runs fn immediately; triggers
// inside the window collapse into one trailing call at the window's end.
type throttle struct {
	interval time.Duration
	fn       func()
	now      func() time.Time

	mu      sync.Mutex
	last    time.Time
	timer   *time.Timer
	stopped bool
}

func newThrottle(interval time.Duration, fn func()) *throttle {
	return &throttle{interval: interval, fn: fn, now: time.Now}
}

// Trigger requests a call of fn
func (t *throttle) Trigger() {
	t.mu.Lock()
	if t.stopped || t.timer != nil {
		t.mu.Unlock()
		return
	}
	now := t.now()
	if t.last.IsZero() || now.Sub(t.last) >= t.interval {
		t.last = now
		t.mu.Unlock()
		t.fn()
		return
	}
	t.timer = time.AfterFunc(t.interval-now.Sub(t.last), t.fire)
	t.mu.Unlock()
}

func (t *throttle) fire() {
	t.mu.Lock()
	t.timer = nil
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.last = t.now()
	t.mu.Unlock()
	t.fn()
}

// Stop cancels any pending trailing call and ignores later triggers
func (t *throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
