// Package ratelimit tracks request quotas. Window is the client-side sliding
// window the queue consults before every dispatch; Keyed, RedisStore and
// BurstLimiter enforce quotas on the gateway side.
package ratelimit

import (
	"slices"
	"sync"
	"time"

	"github.com/psantana5/vidhook/pkg/clock"
	"github.com/psantana5/vidhook/pkg/models"
)

// DefaultWindow is the length of the trailing quota window
const DefaultWindow = 60 * time.Second

// Decision is the answer to a permission check
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration // zero when allowed
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int((d.RetryAfter + time.Second - 1) / time.Second)
}

// Window is a sliding-window request counter
type Window struct {
	mu        sync.Mutex
	clock     clock.Clock
	limit     int
	window    time.Duration
	stamps    []time.Time // sorted, oldest first
	resetTime time.Time
}

// NewWindow creates a window allowing limit requests per window length.
// A zero window length uses DefaultWindow.
func NewWindow(limit int, window time.Duration, clk clock.Clock) *Window {
	if window <= 0 {
		window = DefaultWindow
	}
	if clk == nil {
		clk = clock.New()
	}
	if limit < 0 {
		limit = 0
	}
	return &Window{
		clock:     clk,
		limit:     limit,
		window:    window,
		resetTime: clk.Now().Add(window),
	}
}

// Limit returns the configured ceiling
func (w *Window) Limit() int { return w.limit }

// Length returns the window duration
func (w *Window) Length() time.Duration { return w.window }

// CheckAndReserve prunes the record to the trailing window and, when capacity
// remains, records a request at the current instant.
func (w *Window) CheckAndReserve() Decision {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	w.pruneLocked(now)

	if len(w.stamps) >= w.limit {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			ResetTime:  w.nextFreeLocked(now),
			RetryAfter: w.retryAfterLocked(now),
		}
	}

	if len(w.stamps) == 0 {
		w.resetTime = now.Add(w.window)
	}
	w.stamps = append(w.stamps, now)
	return Decision{
		Allowed:   true,
		Remaining: w.limit - len(w.stamps),
		ResetTime: w.nextFreeLocked(now),
	}
}

// ApplySnapshot adopts a server-reported quota. The local record is trimmed
// or padded so that local checks agree with the reported remaining capacity
// until the reported reset time. Expired snapshots are ignored.
func (w *Window) ApplySnapshot(info models.RateLimitInfo) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	if info.Expired(now) {
		return
	}
	w.pruneLocked(now)

	remaining := info.Remaining
	if remaining < 0 {
		remaining = 0
	}
	used := w.limit - remaining
	if used < 0 {
		used = 0
	}

	switch {
	case len(w.stamps) > used:
		w.stamps = slices.Clone(w.stamps[len(w.stamps)-used:])
	case len(w.stamps) < used:
		// Padding ages out exactly at the reported reset time
		pad := info.ResetTime.Add(-w.window)
		if pad.After(now) {
			pad = now
		}
		for len(w.stamps) < used {
			w.stamps = append(w.stamps, pad)
		}
		slices.SortFunc(w.stamps, func(a, b time.Time) int { return a.Compare(b) })
	}
	w.resetTime = info.ResetTime
}

// ResetIfWindowExpired starts a new window once the current reset time has
// passed. It reports whether a reset happened. Only requests older than the
// trailing window are dropped; requests made within it keep counting, so a
// reset never hands out more capacity than the sliding window allows.
func (w *Window) ResetIfWindowExpired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	if !now.After(w.resetTime) {
		return false
	}
	w.pruneLocked(now)
	w.resetTime = now.Add(w.window)
	return true
}

// Info returns the current quota view
func (w *Window) Info() models.RateLimitInfo {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	w.pruneLocked(now)
	remaining := w.limit - len(w.stamps)
	if remaining < 0 {
		remaining = 0
	}
	return models.RateLimitInfo{
		Remaining:            remaining,
		ResetTime:            w.nextFreeLocked(now),
		RequestsInLastMinute: len(w.stamps),
		MaxRequestsPerMinute: w.limit,
	}
}

// PacingDelay is the courtesy spacing between dispatches: window/limit, at
// least one second.
func (w *Window) PacingDelay() time.Duration {
	return PacingDelay(w.limit, w.window)
}

// PacingDelay returns window/limit with a one second floor
func PacingDelay(limit int, window time.Duration) time.Duration {
	if window <= 0 {
		window = DefaultWindow
	}
	if limit <= 0 {
		return window
	}
	d := window / time.Duration(limit)
	if d < time.Second {
		return time.Second
	}
	return d
}

// pruneLocked drops stamps at or before now-window
func (w *Window) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = slices.Delete(w.stamps, 0, i)
	}
}

func (w *Window) retryAfterLocked(now time.Time) time.Duration {
	if len(w.stamps) == 0 {
		return w.window
	}
	d := w.stamps[0].Add(w.window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// nextFreeLocked is when the oldest recorded request ages out
func (w *Window) nextFreeLocked(now time.Time) time.Time {
	if len(w.stamps) == 0 {
		if w.resetTime.After(now) {
			return w.resetTime
		}
		return now.Add(w.window)
	}
	return w.stamps[0].Add(w.window)
}
