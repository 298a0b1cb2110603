// Package ratelimit provides per-key cooldown timers keyed by (purpose, key).
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rule configures one purpose: Burst actions per Period.
type Rule struct {
	Burst  int
	Period time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks one token bucket per (purpose, key).
type Limiter struct {
	mu      sync.Mutex
	rules   map[string]Rule
	entries map[string]*entry
	now     func() time.Time
}

// New creates a limiter with the given per-purpose rules.
func New(rules map[string]Rule) *Limiter {
	r := make(map[string]Rule, len(rules))
	for k, v := range rules {
		r[k] = v
	}
	return &Limiter{
		rules:   r,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Remaining returns how long key must wait before the next action for purpose.
// A zero result means the action is allowed and has been counted.
// Purposes without a rule are never limited.
func (l *Limiter) Remaining(purpose, key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	rule, ok := l.rules[purpose]
	if !ok || rule.Burst <= 0 || rule.Period <= 0 {
		return 0
	}

	now := l.now()
	id := purpose + "\x00" + key
	e, ok := l.entries[id]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Every(rule.Period/time.Duration(rule.Burst)), rule.Burst)}
		l.entries[id] = e
	}
	e.lastSeen = now

	res := e.limiter.ReserveN(now, 1)
	if !res.OK() {
		return rule.Period
	}
	delay := res.DelayFrom(now)
	if delay > 0 {
		res.CancelAt(now)
		return delay
	}
	return 0
}

// Sweep drops entries idle for longer than maxIdle and returns how many were removed.
func (l *Limiter) Sweep(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxIdle)
	removed := 0
	for id, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
