// Package queue sequences video analyses under a per-minute quota.
//
// A Scheduler holds pending work items and dispatches at most one remote
// call at a time. Dispatch is driven by one-shot timers: each tick either
// waits (backoff, quota, pacing) by arming the next timer, or dispatches
// the head item and arms the following tick once the call settles.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/psantana5/vidhook/pkg/analysis"
	"github.com/psantana5/vidhook/pkg/clock"
	"github.com/psantana5/vidhook/pkg/models"
	"github.com/psantana5/vidhook/pkg/ratelimit"
)

var (
	ErrClosed    = errors.New("queue is closed")
	ErrDraining  = errors.New("queue is draining")
	ErrEmpty     = errors.New("queue has no pending items")
	ErrDuplicate = errors.New("work item already queued")
)

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock replaces the wall clock
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// Scheduler is the analysis queue
type Scheduler struct {
	client analysis.Client
	window *ratelimit.Window
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	state     models.QueueState
	pending   []*models.WorkItem
	failed    []*models.WorkItem // terminal failures kept for retry
	inFlight  *models.WorkItem
	orphaned  *models.WorkItem // call abandoned by Stop, still running
	timer     clock.Timer
	run       uint64 // bumped by Stop so late results are discarded
	stats     models.Statistics
	lastSent  time.Time
	cancel    context.CancelFunc
	drainDone chan struct{}
	closed    bool

	observers map[int]Observer
	obsOrder  []int
	nextObs   int

	events []func(Observer)
	emitMu sync.Mutex
}

// New creates a scheduler. A nil window gets one sized from cfg.
func New(client analysis.Client, window *ratelimit.Window, cfg Config, opts ...Option) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		client:    client,
		cfg:       cfg,
		clock:     clock.New(),
		logger:    slog.Default(),
		state:     models.QueueStateIdle,
		observers: make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "queue")
	if window == nil {
		window = ratelimit.NewWindow(cfg.MaxRequestsPerMinute, cfg.Window, s.clock)
	}
	s.window = window
	return s
}

// Subscribe registers an observer and returns a function removing it
func (s *Scheduler) Subscribe(o Observer) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextObs
	s.nextObs++
	s.observers[id] = o
	s.obsOrder = append(s.obsOrder, id)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
		s.obsOrder = slices.DeleteFunc(s.obsOrder, func(v int) bool { return v == id })
	}
}

// Enqueue validates and appends items to the pending list. Either every
// item is accepted or none is. Enqueue does not start dispatch.
func (s *Scheduler) Enqueue(items ...*models.WorkItem) error {
	s.mu.Lock()

	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if !s.state.AcceptsEnqueue() {
		s.mu.Unlock()
		return ErrDraining
	}

	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if err := item.Validate(); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("enqueue rejected: %w", err)
		}
		if seen[item.ID] || s.holdsActiveLocked(item.ID) {
			s.mu.Unlock()
			return fmt.Errorf("item %s: %w", item.ID, ErrDuplicate)
		}
		seen[item.ID] = true
	}

	for _, item := range items {
		c := item.Clone()
		s.failed = removeID(s.failed, c.ID)
		s.pending = append(s.pending, c)
		s.queueItemStatusLocked(c.ID, models.ResultStatusPending)
	}
	s.queueStatusLocked(false)
	s.mu.Unlock()

	s.logger.Debug("enqueued", "count", len(items))
	s.emit()
	return nil
}

// Start begins dispatching pending items. Starting a running queue is a
// no-op and starting a paused queue resumes it.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	err := s.startLocked()
	s.mu.Unlock()
	s.emit()
	return err
}

func (s *Scheduler) startLocked() error {
	if err := s.usableLocked(); err != nil {
		return err
	}
	if s.state == models.QueueStateRunning {
		return nil
	}
	if s.state != models.QueueStatePaused && len(s.pending) == 0 {
		return ErrEmpty
	}
	if err := s.transitionLocked(models.QueueStateRunning); err != nil {
		return err
	}
	s.armLocked(s.pacingRemainderLocked())
	s.queueStatusLocked(false)
	return nil
}

// Pause suppresses future dispatch. An in-flight call still completes and
// its result is applied. Pausing a paused queue is a no-op. Status reflects
// the pause on return; observers may see it later (see Observer).
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	defer s.emit()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return err
	}
	if s.state == models.QueueStatePaused {
		return nil
	}
	if err := s.transitionLocked(models.QueueStatePaused); err != nil {
		return err
	}
	s.stopTimerLocked()
	s.queueStatusLocked(false)
	return nil
}

// Resume re-arms dispatch on a paused queue
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	defer s.emit()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return err
	}
	if s.state == models.QueueStateRunning {
		return nil
	}
	if s.state != models.QueueStatePaused {
		return fmt.Errorf("cannot resume a %s queue", s.state)
	}
	if err := s.transitionLocked(models.QueueStateRunning); err != nil {
		return err
	}
	if s.inFlight == nil {
		s.armLocked(s.pacingRemainderLocked())
	}
	s.queueStatusLocked(false)
	return nil
}

// Stop clears the pending list and cancels timers. A call already in
// flight runs to completion but its result is discarded, and a restart
// dispatches nothing until it returns. Stopping an idle or stopped queue is
// a no-op.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.emit()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return err
	}
	return s.stopLocked()
}

func (s *Scheduler) stopLocked() error {
	if s.state == models.QueueStateStopped || s.state == models.QueueStateIdle {
		return nil
	}
	if err := s.transitionLocked(models.QueueStateStopped); err != nil {
		return err
	}
	s.stopTimerLocked()
	s.run++

	dropped := len(s.pending)
	s.pending = nil
	if s.inFlight != nil {
		s.logger.Info("stopped with a call in flight, its result will be discarded", "id", s.inFlight.ID)
		s.orphaned = s.inFlight
		s.inFlight = nil
	}
	s.finishDrainLocked()
	s.queueStatusLocked(false)
	s.logger.Info("queue stopped", "dropped", dropped)
	return nil
}

// Drain stops accepting work, lets the in-flight item settle and returns
// the queue to Idle with remaining pending items preserved. It waits until
// that happens or ctx is done.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}

	var done chan struct{}
	switch s.state {
	case models.QueueStateIdle, models.QueueStateStopped:
		s.mu.Unlock()
		return nil
	case models.QueueStateDraining:
		done = s.drainDone
	default:
		if err := s.transitionLocked(models.QueueStateDraining); err != nil {
			s.mu.Unlock()
			return err
		}
		s.stopTimerLocked()
		s.drainDone = make(chan struct{})
		done = s.drainDone
		if s.inFlight == nil {
			s.settleDrainLocked()
		} else {
			s.queueStatusLocked(false)
		}
	}
	s.mu.Unlock()
	s.emit()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryFailed re-enqueues every terminally failed item with a fresh retry
// budget and starts the queue if it was idle. It returns the number of items
// moved.
func (s *Scheduler) RetryFailed() (int, error) {
	return s.retry(func(*models.WorkItem) bool { return true })
}

// RetrySelected re-enqueues the failed items with the given ids
func (s *Scheduler) RetrySelected(ids ...string) (int, error) {
	want := idSet(ids)
	return s.retry(func(item *models.WorkItem) bool { return want[item.ID] })
}

func (s *Scheduler) retry(match func(*models.WorkItem) bool) (int, error) {
	s.mu.Lock()
	defer s.emit()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return 0, err
	}
	if !s.state.AcceptsEnqueue() {
		return 0, ErrDraining
	}

	moved := 0
	kept := s.failed[:0]
	for _, item := range s.failed {
		if !match(item) {
			kept = append(kept, item)
			continue
		}
		item.RetryCount = 0
		item.NotBefore = time.Time{}
		s.pending = append(s.pending, item)
		s.queueItemStatusLocked(item.ID, models.ResultStatusPending)
		moved++
	}
	clear(s.failed[len(kept):])
	s.failed = kept

	if moved == 0 {
		return 0, nil
	}
	s.logger.Info("retrying failed items", "count", moved)
	if s.state == models.QueueStateIdle || s.state == models.QueueStateStopped {
		if err := s.startLocked(); err != nil {
			return moved, err
		}
		return moved, nil
	}
	s.queueStatusLocked(false)
	return moved, nil
}

// DeleteSelected removes the given ids from the pending and failed sets.
// The in-flight item cannot be deleted. It returns the number removed.
func (s *Scheduler) DeleteSelected(ids ...string) int {
	want := idSet(ids)

	s.mu.Lock()
	defer s.emit()
	defer s.mu.Unlock()

	before := len(s.pending) + len(s.failed)
	s.pending = slices.DeleteFunc(s.pending, func(w *models.WorkItem) bool { return want[w.ID] })
	s.failed = slices.DeleteFunc(s.failed, func(w *models.WorkItem) bool { return want[w.ID] })
	removed := before - len(s.pending) - len(s.failed)
	if removed > 0 {
		s.queueStatusLocked(false)
	}
	return removed
}

// Close stops the queue, aborts an in-flight call and drops observers
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	_ = s.stopLocked()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.closed = true
	s.mu.Unlock()

	s.emit()

	s.mu.Lock()
	s.observers = make(map[int]Observer)
	s.obsOrder = nil
	s.mu.Unlock()
	return nil
}

// Status returns the current derived status
func (s *Scheduler) Status() models.QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked(false)
}

// State returns the current state
func (s *Scheduler) State() models.QueueState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Statistics returns a copy of the running totals
func (s *Scheduler) Statistics() models.Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// RateLimit returns the current quota view
func (s *Scheduler) RateLimit() models.RateLimitInfo {
	return s.window.Info()
}

// Pending returns metadata of the items still to be dispatched, in order,
// including the in-flight item first
func (s *Scheduler) Pending() []models.ItemMeta {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.ItemMeta, 0, len(s.pending)+1)
	if s.inFlight != nil {
		out = append(out, s.inFlight.Meta())
	}
	for _, item := range s.pending {
		out = append(out, item.Meta())
	}
	return out
}

// Failed returns metadata of the terminally failed items
func (s *Scheduler) Failed() []models.ItemMeta {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.ItemMeta, 0, len(s.failed))
	for _, item := range s.failed {
		out = append(out, item.Meta())
	}
	return out
}

// Snapshot returns everything worth persisting. Payloads are never included.
func (s *Scheduler) Snapshot() models.QueueSnapshot {
	info := s.window.Info()

	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]models.ItemMeta, 0, len(s.pending)+len(s.failed)+1)
	if s.inFlight != nil {
		items = append(items, s.inFlight.Meta())
	}
	for _, item := range s.pending {
		items = append(items, item.Meta())
	}
	for _, item := range s.failed {
		items = append(items, item.Meta())
	}
	return models.QueueSnapshot{
		Version:       models.SnapshotVersion,
		SavedAt:       s.clock.Now(),
		Items:         items,
		RateLimitInfo: &info,
		Statistics:    s.stats,
	}
}

// RestoreStatistics replaces the running totals
func (s *Scheduler) RestoreStatistics(stats models.Statistics) {
	s.mu.Lock()
	s.stats = stats
	s.queueStatusLocked(false)
	s.mu.Unlock()
	s.emit()
}

// ApplyRateLimit adopts an authoritative quota snapshot
func (s *Scheduler) ApplyRateLimit(info models.RateLimitInfo) {
	s.window.ApplySnapshot(info)
	current := s.window.Info()

	s.mu.Lock()
	s.queueLocked(func(o Observer) { o.OnRateLimit(current) })
	s.mu.Unlock()
	s.emit()
}

// tick is the single dispatch entry point. It runs on a timer goroutine.
func (s *Scheduler) tick(run uint64) {
	s.mu.Lock()
	if run != s.run || s.closed || s.state != models.QueueStateRunning || s.inFlight != nil {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	if s.orphaned != nil {
		// dispatch resumes when the abandoned call returns
		s.mu.Unlock()
		return
	}

	if len(s.pending) == 0 {
		s.becomeIdleLocked()
		s.mu.Unlock()
		s.emit()
		return
	}

	head := s.pending[0]
	now := s.clock.Now()
	if head.NotBefore.After(now) {
		s.armLocked(head.NotBefore.Sub(now))
		s.mu.Unlock()
		return
	}

	s.window.ResetIfWindowExpired()
	decision := s.window.CheckAndReserve()
	if !decision.Allowed {
		wait := decision.RetryAfter
		if wait <= 0 {
			wait = time.Second
		}
		s.logger.Debug("quota exhausted, waiting", "retry_after", wait)
		s.armLocked(wait)
		info := s.window.Info()
		s.queueLocked(func(o Observer) { o.OnRateLimit(info) })
		s.mu.Unlock()
		s.emit()
		return
	}

	s.pending = s.pending[1:]
	s.inFlight = head
	attempt := now
	head.LastAttemptAt = &attempt
	s.lastSent = now

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	s.cancel = cancel

	info := s.window.Info()
	s.queueItemStatusLocked(head.ID, models.ResultStatusProcessing)
	s.queueLocked(func(o Observer) { o.OnRateLimit(info) })
	s.queueStatusLocked(false)
	s.mu.Unlock()
	s.emit()

	s.logger.Debug("dispatching", "id", head.ID, "file", head.Filename, "attempt", head.RetryCount+1)
	resp, err := s.analyze(ctx, head)
	cancel()

	s.settle(run, head, resp, err, now)
}

// analyze calls the client and converts a panic into an internal error
func (s *Scheduler) analyze(ctx context.Context, item *models.WorkItem) (resp *analysis.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = &analysis.Error{Code: analysis.CodeInternalError, Message: fmt.Sprintf("analysis client panicked: %v", r)}
		}
	}()
	resp, err = s.client.Analyze(ctx, item.Payload, item.Options)
	if err == nil && resp == nil {
		err = &analysis.Error{Code: analysis.CodeInternalError, Message: "analysis client returned no response"}
	}
	return resp, err
}

func (s *Scheduler) settle(run uint64, item *models.WorkItem, resp *analysis.Response, err error, started time.Time) {
	s.mu.Lock()
	if run != s.run || s.inFlight != item {
		if s.orphaned == item {
			s.orphaned = nil
			if s.state == models.QueueStateRunning && s.inFlight == nil && s.timer == nil {
				s.armLocked(s.pacingRemainderLocked())
			}
		}
		s.mu.Unlock()
		s.logger.Debug("discarding late result", "id", item.ID)
		return
	}
	s.inFlight = nil
	s.cancel = nil
	now := s.clock.Now()

	if err == nil {
		s.succeedLocked(item, resp, started, now)
	} else {
		s.handleFailureLocked(item, err, now)
	}

	info := s.window.Info()
	s.queueLocked(func(o Observer) { o.OnRateLimit(info) })
	s.afterSettleLocked()
	s.mu.Unlock()
	s.emit()
}

func (s *Scheduler) succeedLocked(item *models.WorkItem, resp *analysis.Response, started, now time.Time) {
	if resp.RateLimit != nil {
		s.window.ApplySnapshot(*resp.RateLimit)
	}

	ms := resp.ProcessingTime
	if ms <= 0 {
		ms = now.Sub(started).Milliseconds()
	}
	s.stats.RecordSuccess(ms, now)

	completed := now
	result := models.AnalysisResult{
		ID:             item.ID,
		Filename:       item.Filename,
		Status:         models.ResultStatusCompleted,
		AnalysisFields: resp.Fields.Filter(item.Options),
		ProcessingTime: ms,
		RetryCount:     item.RetryCount,
		CreatedAt:      item.CreatedAt,
		CompletedAt:    &completed,
	}
	s.queueLocked(func(o Observer) { o.OnResult(result) })
	s.queueItemStatusLocked(item.ID, models.ResultStatusCompleted)
	s.logger.Info("analysis completed", "id", item.ID, "file", item.Filename, "processing_ms", ms)
}

func (s *Scheduler) handleFailureLocked(item *models.WorkItem, err error, now time.Time) {
	cls := s.cfg.Policy.Classify(err)

	var ae *analysis.Error
	switch {
	case errors.As(err, &ae) && ae.RateLimit != nil:
		s.window.ApplySnapshot(*ae.RateLimit)
	case cls.Class == analysis.ClassRateLimit && cls.RetryAfter > 0:
		limit := s.window.Limit()
		s.window.ApplySnapshot(models.RateLimitInfo{
			Remaining:            0,
			ResetTime:            now.Add(cls.RetryAfter),
			RequestsInLastMinute: limit,
			MaxRequestsPerMinute: limit,
		})
	}

	if cls.Retryable && item.RetryCount < item.MaxRetries {
		item.RetryCount++
		backoff := s.cfg.Retry.CalculateBackoff(item.RetryCount)
		if cls.Class == analysis.ClassRateLimit && cls.RetryAfter > 0 {
			backoff = cls.RetryAfter
		}
		item.NotBefore = now.Add(backoff)
		s.pending = slices.Insert(s.pending, 0, item)
		s.stats.RecordRetry(now)
		s.queueItemStatusLocked(item.ID, models.ResultStatusPending)
		s.logger.Warn("analysis failed, retrying",
			"id", item.ID, "class", cls.Class.String(), "retry", item.RetryCount,
			"max_retries", item.MaxRetries, "backoff", backoff, "error", err)
		return
	}

	s.failLocked(item, err, now)
}

func (s *Scheduler) failLocked(item *models.WorkItem, err error, now time.Time) {
	s.stats.RecordFailure(now)
	item.NotBefore = time.Time{}
	s.failed = append(s.failed, item)

	msg := err.Error()
	var ae *analysis.Error
	if errors.As(err, &ae) && ae.Message != "" {
		msg = ae.Message
	}
	completed := now
	result := models.AnalysisResult{
		ID:          item.ID,
		Filename:    item.Filename,
		Status:      models.ResultStatusError,
		Error:       msg,
		ErrorCode:   string(analysis.CodeOf(err)),
		RetryCount:  item.RetryCount,
		CreatedAt:   item.CreatedAt,
		CompletedAt: &completed,
	}
	s.queueLocked(func(o Observer) { o.OnResult(result) })
	s.queueItemStatusLocked(item.ID, models.ResultStatusError)
	s.logger.Error("analysis failed", "id", item.ID, "file", item.Filename,
		"code", result.ErrorCode, "retries", item.RetryCount, "error", err)
}

// afterSettleLocked decides what follows a settled item
func (s *Scheduler) afterSettleLocked() {
	switch s.state {
	case models.QueueStateRunning:
		if len(s.pending) == 0 {
			s.becomeIdleLocked()
			return
		}
		s.armLocked(s.window.PacingDelay())
		s.queueStatusLocked(false)
	case models.QueueStateDraining:
		s.settleDrainLocked()
	default:
		s.queueStatusLocked(false)
	}
}

func (s *Scheduler) becomeIdleLocked() {
	if err := s.transitionLocked(models.QueueStateIdle); err != nil {
		s.logger.Error("failed to go idle", "error", err)
		return
	}
	s.queueStatusLocked(true)
	s.logger.Info("queue complete",
		"completed", s.stats.CompletedCount, "errors", s.stats.ErrorCount, "failed_held", len(s.failed))
}

func (s *Scheduler) settleDrainLocked() {
	if err := s.transitionLocked(models.QueueStateIdle); err != nil {
		s.logger.Error("failed to finish drain", "error", err)
		return
	}
	s.finishDrainLocked()
	s.queueStatusLocked(false)
	s.logger.Info("queue drained", "pending", len(s.pending))
}

func (s *Scheduler) finishDrainLocked() {
	if s.drainDone != nil {
		close(s.drainDone)
		s.drainDone = nil
	}
}

func (s *Scheduler) transitionLocked(to models.QueueState) error {
	if err := models.ValidateTransition(s.state, to); err != nil {
		return err
	}
	s.logger.Debug("state change", "from", s.state, "to", to)
	s.state = to
	return nil
}

func (s *Scheduler) armLocked(d time.Duration) {
	s.stopTimerLocked()
	run := s.run
	s.timer = s.clock.AfterFunc(d, func() { s.tick(run) })
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// pacingRemainderLocked is how much of the pacing delay since the last
// dispatch is still owed
func (s *Scheduler) pacingRemainderLocked() time.Duration {
	if s.lastSent.IsZero() {
		return 0
	}
	return max(0, s.lastSent.Add(s.window.PacingDelay()).Sub(s.clock.Now()))
}

func (s *Scheduler) usableLocked() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *Scheduler) holdsActiveLocked(id string) bool {
	if s.inFlight != nil && s.inFlight.ID == id {
		return true
	}
	return slices.ContainsFunc(s.pending, func(w *models.WorkItem) bool { return w.ID == id })
}

func (s *Scheduler) statusLocked(complete bool) models.QueueStatus {
	position := len(s.pending)
	if s.inFlight != nil {
		position++
	}

	per := s.window.PacingDelay()
	if avg := time.Duration(s.stats.AverageProcessingTime * float64(time.Millisecond)); avg > per {
		per = avg
	}

	return models.QueueStatus{
		State:             s.state,
		Position:          position,
		EstimatedWaitTime: int((time.Duration(position) * per).Round(time.Second) / time.Second),
		IsProcessing:      s.inFlight != nil,
		IsPaused:          s.state == models.QueueStatePaused,
		TotalInQueue:      position + len(s.failed),
		CompletedCount:    s.stats.CompletedCount,
		ErrorCount:        s.stats.ErrorCount,
		Complete:          complete,
	}
}

func (s *Scheduler) queueLocked(ev func(Observer)) {
	s.events = append(s.events, ev)
}

func (s *Scheduler) queueStatusLocked(complete bool) {
	status := s.statusLocked(complete)
	s.queueLocked(func(o Observer) { o.OnStatus(status) })
}

func (s *Scheduler) queueItemStatusLocked(id string, status models.ResultStatus) {
	s.queueLocked(func(o Observer) { o.OnItemStatus(id, status) })
}

// emit delivers queued events in order. Only one goroutine delivers at a
// time; a re-entrant call from an observer leaves its events to the active
// deliverer.
func (s *Scheduler) emit() {
	for {
		if !s.emitMu.TryLock() {
			return
		}
		for {
			s.mu.Lock()
			if len(s.events) == 0 {
				s.mu.Unlock()
				break
			}
			events := s.events
			s.events = nil
			observers := make([]Observer, 0, len(s.obsOrder))
			for _, id := range s.obsOrder {
				observers = append(observers, s.observers[id])
			}
			s.mu.Unlock()

			for _, ev := range events {
				for _, o := range observers {
					s.deliver(ev, o)
				}
			}
		}
		s.emitMu.Unlock()

		s.mu.Lock()
		more := len(s.events) > 0
		s.mu.Unlock()
		if !more {
			return
		}
	}
}

func (s *Scheduler) deliver(ev func(Observer), o Observer) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("observer panicked", "panic", r)
		}
	}()
	ev(o)
}

func removeID(items []*models.WorkItem, id string) []*models.WorkItem {
	return slices.DeleteFunc(items, func(w *models.WorkItem) bool { return w.ID == id })
}

func idSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
