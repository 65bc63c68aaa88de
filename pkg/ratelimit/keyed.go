package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/vidhook/pkg/clock"
)

// Store reserves quota for a caller key. Keyed keeps windows in process;
// RedisStore shares them between gateway instances.
type Store interface {
	Reserve(ctx context.Context, key string) (Decision, error)
	Limit() int
}

type keyedEntry struct {
	window   *Window
	lastSeen time.Time
}

// Keyed holds one sliding window per caller key
type Keyed struct {
	mu      sync.Mutex
	windows map[string]*keyedEntry
	limit   int
	length  time.Duration
	clock   clock.Clock
}

// NewKeyed creates a per-key store with limit requests per window length
func NewKeyed(limit int, length time.Duration, clk clock.Clock) *Keyed {
	if clk == nil {
		clk = clock.New()
	}
	if length <= 0 {
		length = DefaultWindow
	}
	return &Keyed{
		windows: make(map[string]*keyedEntry),
		limit:   limit,
		length:  length,
		clock:   clk,
	}
}

// Get returns the window for key, creating it on first use
func (k *Keyed) Get(key string) *Window {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, exists := k.windows[key]
	if !exists {
		entry = &keyedEntry{window: NewWindow(k.limit, k.length, k.clock)}
		k.windows[key] = entry
	}
	entry.lastSeen = k.clock.Now()
	return entry.window
}

// Reserve checks and reserves one request for key
func (k *Keyed) Reserve(_ context.Context, key string) (Decision, error) {
	return k.Get(key).CheckAndReserve(), nil
}

// Limit returns the per-key ceiling
func (k *Keyed) Limit() int { return k.limit }

// Len returns the number of tracked keys
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.windows)
}

// CleanupIdle removes windows not used within maxAge and returns how many were dropped
func (k *Keyed) CleanupIdle(maxAge time.Duration) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	cutoff := k.clock.Now().Add(-maxAge)
	removed := 0
	for key, entry := range k.windows {
		if entry.lastSeen.Before(cutoff) {
			delete(k.windows, key)
			removed++
		}
	}
	return removed
}

// RunCleanup evicts idle windows every interval until ctx is done
func (k *Keyed) RunCleanup(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.CleanupIdle(maxAge)
		}
	}
}
