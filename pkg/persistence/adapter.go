package persistence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/psantana5/vidhook/pkg/clock"
	"github.com/psantana5/vidhook/pkg/models"
)

// Queue is the part of the scheduler the adapter reads and restores
type Queue interface {
	Snapshot() models.QueueSnapshot
	RestoreStatistics(stats models.Statistics)
	ApplyRateLimit(info models.RateLimitInfo)
}

// Adapter moves queue metadata between a scheduler and a store. Failures
// are logged and never fatal.
type Adapter struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
}

// NewAdapter creates an adapter over store
func NewAdapter(store Store, clk clock.Clock, logger *slog.Logger) *Adapter {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{store: store, clock: clk, logger: logger.With("component", "persistence")}
}

// Save persists the queue's current snapshot
func (a *Adapter) Save(ctx context.Context, q Queue) error {
	snap := q.Snapshot()
	if err := a.store.Save(ctx, &snap); err != nil {
		a.logger.Warn("failed to save queue state", "error", err)
		return err
	}
	return nil
}

// Restore loads the saved snapshot and applies its statistics and, when its
// window has not reset yet, its rate-limit snapshot. Pending items are never
// restored because their payloads are gone. The loaded snapshot is returned
// for display; nil means starting fresh.
func (a *Adapter) Restore(ctx context.Context, q Queue) *models.QueueSnapshot {
	snap, err := a.store.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoSnapshot) {
			a.logger.Warn("failed to load queue state, starting fresh", "error", err)
		}
		return nil
	}
	if snap.Version != "" && snap.Version != models.SnapshotVersion {
		a.logger.Warn("ignoring queue state with unknown version", "version", snap.Version)
		return nil
	}

	q.RestoreStatistics(snap.Statistics)
	if info := snap.RateLimitInfo; info != nil && !info.Expired(a.clock.Now()) {
		q.ApplyRateLimit(*info)
	}

	if len(snap.Items) > 0 {
		a.logger.Info("previous session left unfinished items, re-add the files to analyze them",
			"count", len(snap.Items))
	}
	return snap
}

// Load returns the saved snapshot without applying it
func (a *Adapter) Load(ctx context.Context) (*models.QueueSnapshot, error) {
	return a.store.Load(ctx)
}

// Autosaver persists the queue after status changes, coalescing bursts,
// and on a fixed interval
type Autosaver struct {
	adapter  *Adapter
	queue    Queue
	interval time.Duration

	flushCh chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewAutosaver creates an autosaver. A zero interval disables periodic saves.
func NewAutosaver(adapter *Adapter, q Queue, interval time.Duration) *Autosaver {
	return &Autosaver{
		adapter:  adapter,
		queue:    q,
		interval: interval,
		flushCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the save loop
func (as *Autosaver) Start(ctx context.Context) {
	as.wg.Add(1)
	go as.loop(ctx)
}

func (as *Autosaver) loop(ctx context.Context) {
	defer as.wg.Done()

	var tick <-chan time.Time
	if as.interval > 0 {
		ticker := time.NewTicker(as.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			as.adapter.Save(context.Background(), as.queue)
			return
		case <-as.stopCh:
			as.adapter.Save(context.Background(), as.queue)
			return
		case <-as.flushCh:
			as.adapter.Save(ctx, as.queue)
		case <-tick:
			as.adapter.Save(ctx, as.queue)
		}
	}
}

// Trigger schedules a save without blocking
func (as *Autosaver) Trigger() {
	select {
	case as.flushCh <- struct{}{}:
	default:
	}
}

// Stop performs a final save and waits for the loop to exit
func (as *Autosaver) Stop() {
	as.once.Do(func() { close(as.stopCh) })
	as.wg.Wait()
}

func (as *Autosaver) OnStatus(models.QueueStatus) { as.Trigger() }

func (as *Autosaver) OnResult(models.AnalysisResult) {}

func (as *Autosaver) OnRateLimit(models.RateLimitInfo) {}

func (as *Autosaver) OnItemStatus(string, models.ResultStatus) {}
