// SPDX-License-Identifier: MIT

package admission

import (
	"sync"
	"time"
)

// QuotaLimits caps requests per identity over four rolling windows.
// A zero limit disables that window.
type QuotaLimits struct {
	Burst   int // per 10 seconds
	Hourly  int
	Daily   int
	Monthly int
}

// DefaultQuotaLimits returns production defaults.
func DefaultQuotaLimits() QuotaLimits {
	return QuotaLimits{
		Burst:   5,
		Hourly:  100,
		Daily:   500,
		Monthly: 5000,
	}
}

const burstWindow = 10 * time.Second

// window order matters: Check reports the first violated window.
var windowDefs = []struct {
	name     string
	duration time.Duration
}{
	{"burst", burstWindow},
	{"hourly", time.Hour},
	{"daily", 24 * time.Hour},
	{"monthly", 30 * 24 * time.Hour},
}

type quotaWindow struct {
	count       int
	windowStart time.Time
}

type quotaEntry struct {
	windows [4]quotaWindow
}

// QuotaTracker keeps the per-identity rolling counters. All four windows
// for one identity move together under a single lock, so a request counts
// in every applicable window or none.
type QuotaTracker struct {
	mu      sync.Mutex
	entries map[string]*quotaEntry
	limits  QuotaLimits
	now     func() time.Time
}

// NewQuotaTracker creates an empty tracker.
func NewQuotaTracker(limits QuotaLimits) *QuotaTracker {
	return &QuotaTracker{
		entries: make(map[string]*quotaEntry),
		limits:  limits,
		now:     time.Now,
	}
}

func (q *QuotaTracker) limit(i int) int {
	switch windowDefs[i].name {
	case "burst":
		return q.limits.Burst
	case "hourly":
		return q.limits.Hourly
	case "daily":
		return q.limits.Daily
	default:
		return q.limits.Monthly
	}
}

// Check evaluates burst, hourly, daily and monthly in that order and
// returns the first violated window's name and its remaining time.
// Expired windows reset in place.
func (q *QuotaTracker) Check(identity string) Decision {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[identity]
	if !ok {
		return Decision{Allowed: true}
	}

	now := q.now()
	for i := range e.windows {
		w := &e.windows[i]
		if now.Sub(w.windowStart) >= windowDefs[i].duration {
			w.count = 0
			w.windowStart = now
		}
		limit := q.limit(i)
		if limit > 0 && w.count >= limit {
			remaining := windowDefs[i].duration - now.Sub(w.windowStart)
			secs := int64(remaining / time.Second)
			if secs < 1 {
				secs = 1
			}
			return Decision{
				Allowed:           false,
				RetryAfterSeconds: secs,
				Reason:            "quota_" + windowDefs[i].name,
			}
		}
	}
	return Decision{Allowed: true}
}

// Record counts one admitted request in all four windows. Expired windows
// reset before counting. The increment is atomic across windows: no reader
// can observe a partial count.
func (q *QuotaTracker) Record(identity string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[identity]
	if !ok {
		e = &quotaEntry{}
		now := q.now()
		for i := range e.windows {
			e.windows[i].windowStart = now
		}
		q.entries[identity] = e
	}

	now := q.now()
	for i := range e.windows {
		w := &e.windows[i]
		if now.Sub(w.windowStart) >= windowDefs[i].duration {
			w.count = 0
			w.windowStart = now
		}
		w.count++
	}
}

// StartCleanup spawns a goroutine dropping identities whose monthly window
// has fully elapsed. Returns a stop function.
func (q *QuotaTracker) StartCleanup(interval time.Duration) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				q.cleanup()
			}
		}
	}()
	return func() { close(done) }
}

func (q *QuotaTracker) cleanup() {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	monthly := windowDefs[len(windowDefs)-1].duration
	for id, e := range q.entries {
		if now.Sub(e.windows[len(e.windows)-1].windowStart) >= monthly {
			delete(q.entries, id)
		}
	}
}
