package queue

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/vidhook/pkg/analysis"
	"github.com/psantana5/vidhook/pkg/clock"
	"github.com/psantana5/vidhook/pkg/models"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type memPayload struct {
	name string
}

func (p memPayload) Name() string { return p.name }
func (p memPayload) Size() int64  { return 1 }
func (p memPayload) Open() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("x")), nil
}

type call struct {
	name string
	at   time.Time
}

// fakeClient records calls and answers from script, keyed by filename and
// attempt number (1-based). Unscripted calls succeed.
type fakeClient struct {
	mu     sync.Mutex
	clk    clock.Clock
	calls  []call
	script func(name string, attempt int) (*analysis.Response, error)
	counts map[string]int
}

func newFakeClient(clk clock.Clock, script func(string, int) (*analysis.Response, error)) *fakeClient {
	return &fakeClient{clk: clk, script: script, counts: make(map[string]int)}
}

func (c *fakeClient) Analyze(_ context.Context, p models.Payload, _ models.AnalysisOptions) (*analysis.Response, error) {
	c.mu.Lock()
	c.counts[p.Name()]++
	attempt := c.counts[p.Name()]
	c.calls = append(c.calls, call{name: p.Name(), at: c.clk.Now()})
	script := c.script
	c.mu.Unlock()

	if script != nil {
		return script(p.Name(), attempt)
	}
	return &analysis.Response{Fields: models.AnalysisFields{TextHook: "hook"}, ProcessingTime: 100}, nil
}

func (c *fakeClient) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	for i, cl := range c.calls {
		out[i] = cl.name
	}
	return out
}

func (c *fakeClient) times() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Time, len(c.calls))
	for i, cl := range c.calls {
		out[i] = cl.at
	}
	return out
}

// recorder is an observer keeping every event
type recorder struct {
	mu       sync.Mutex
	statuses []models.QueueStatus
	results  []models.AnalysisResult
	items    []string
}

func (r *recorder) OnStatus(s models.QueueStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) OnResult(res models.AnalysisResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recorder) OnRateLimit(models.RateLimitInfo) {}

func (r *recorder) OnItemStatus(id string, st models.ResultStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, id+":"+string(st))
}

func (r *recorder) lastStatus() models.QueueStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return models.QueueStatus{}
	}
	return r.statuses[len(r.statuses)-1]
}

func newTestScheduler(t *testing.T, limit int, client analysis.Client, clk *clock.Fake) (*Scheduler, *recorder) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxRequestsPerMinute = limit
	cfg.Retry = models.RetryPolicy{
		MaxRetries:        3,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2,
	}
	s := New(client, nil, cfg, WithClock(clk))
	rec := &recorder{}
	s.Subscribe(rec)
	t.Cleanup(func() { s.Close() })
	return s, rec
}

func items(names ...string) []*models.WorkItem {
	out := make([]*models.WorkItem, len(names))
	for i, n := range names {
		w := models.NewWorkItem(memPayload{name: n}, models.AllOptions())
		w.ID = n
		out[i] = w
	}
	return out
}

// runUntilIdle fires timers until the queue leaves Running or limit passes
func runUntilIdle(t *testing.T, s *Scheduler, clk *clock.Fake, limit time.Duration) {
	t.Helper()
	deadline := clk.Now().Add(limit)
	for s.State() == models.QueueStateRunning {
		if !clk.AdvanceToNext() {
			t.Fatalf("queue is %s with no timer armed", s.State())
		}
		if clk.Now().After(deadline) {
			t.Fatalf("queue still running after %v", limit)
		}
	}
}

func TestOnePerMinuteScenario(t *testing.T) {
	clk := clock.NewFake(epoch)
	client := newFakeClient(clk, nil)
	s, rec := newTestScheduler(t, 1, client, clk)

	require.NoError(t, s.Enqueue(items("v1", "v2", "v3")...))
	require.NoError(t, s.Start())
	runUntilIdle(t, s, clk, 10*time.Minute)

	assert.Equal(t, []string{"v1", "v2", "v3"}, client.names())
	want := []time.Duration{0, 60 * time.Second, 120 * time.Second}
	for i, at := range client.times() {
		assert.Equal(t, want[i], at.Sub(epoch), "dispatch %d", i+1)
	}

	assert.Equal(t, models.QueueStateIdle, s.State())
	assert.Equal(t, 3, s.Statistics().CompletedCount)
	last := rec.lastStatus()
	assert.True(t, last.Complete, "final status is marked complete")
	assert.Equal(t, 0, last.Position)
	assert.Len(t, rec.results, 3)
}

func TestNoDispatchAboveCeiling(t *testing.T) {
	const ceiling = 5
	clk := clock.NewFake(epoch)
	client := newFakeClient(clk, nil)
	s, _ := newTestScheduler(t, ceiling, client, clk)

	names := make([]string, 40)
	for i := range names {
		names[i] = "v" + string(rune('a'+i%26)) + string(rune('a'+i/26))
	}
	require.NoError(t, s.Enqueue(items(names...)...))
	require.NoError(t, s.Start())

	horizon := 150 * time.Second
	for clk.Now().Sub(epoch) <= horizon && clk.AdvanceToNext() {
	}

	var inHorizon []time.Time
	for _, at := range client.times() {
		if at.Sub(epoch) <= horizon {
			inHorizon = append(inHorizon, at)
		}
	}
	assert.LessOrEqual(t, len(inHorizon), ceiling*3, "C * ceil(T/60)")

	// No trailing minute ever holds more than the ceiling
	for i := range inHorizon {
		count := 0
		for j := range inHorizon {
			if !inHorizon[j].Before(inHorizon[i]) && inHorizon[j].Sub(inHorizon[i]) < time.Minute {
				count++
			}
		}
		assert.LessOrEqual(t, count, ceiling, "window starting at %v", inHorizon[i].Sub(epoch))
	}
}

func TestRetryBounded(t *testing.T) {
	clk := clock.NewFake(epoch)
	client := newFakeClient(clk, func(string, int) (*analysis.Response, error) {
		return nil, analysis.NewError(analysis.CodeNetworkError, "connection reset")
	})
	s, rec := newTestScheduler(t, 60, client, clk)

	require.NoError(t, s.Enqueue(items("flaky")...))
	require.NoError(t, s.Start())
	runUntilIdle(t, s, clk, time.Hour)

	assert.Len(t, client.names(), 4, "one attempt plus maxRetries retries")
	require.Len(t, rec.results, 1)
	res := rec.results[0]
	assert.Equal(t, models.ResultStatusError, res.Status)
	assert.Equal(t, string(analysis.CodeNetworkError), res.ErrorCode)
	assert.Equal(t, 3, res.RetryCount)

	stats := s.Statistics()
	assert.Equal(t, 1, stats.ErrorCount)
	assert.Equal(t, 3, stats.RetryCount)
	assert.Len(t, s.Failed(), 1)

	// Backoff doubles: 2s, 4s, 8s after each failure
	times := client.times()
	for i, want := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second} {
		assert.Equal(t, want, times[i+1].Sub(times[i]), "gap before retry %d", i+1)
	}
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	clk := clock.NewFake(epoch)
	client := newFakeClient(clk, func(string, int) (*analysis.Response, error) {
		return nil, analysis.NewError(analysis.CodeFileTooLarge, "file exceeds 100MB")
	})
	s, rec := newTestScheduler(t, 60, client, clk)

	require.NoError(t, s.Enqueue(items("big")...))
	require.NoError(t, s.Start())
	runUntilIdle(t, s, clk, time.Minute)

	assert.Len(t, client.names(), 1)
	require.Len(t, rec.results, 1)
	assert.Equal(t, "file exceeds 100MB", rec.results[0].Error)
}

func TestZeroMaxRetriesMeansNoRetry(t *testing.T) {
	clk := clock.NewFake(epoch)
	client := newFakeClient(clk, func(string, int) (*analysis.Response, error) {
		return nil, analysis.NewError(analysis.CodeNetworkError, "connection reset")
	})
	s, rec := newTestScheduler(t, 60, client, clk)

	work := items("once")
	work[0].MaxRetries = 0
	require.NoError(t, s.Enqueue(work...))
	require.NoError(t, s.Start())
	runUntilIdle(t, s, clk, time.Minute)

	assert.Len(t, client.names(), 1, "no retry with maxRetries 0")
	require.Len(t, rec.results, 1)
	assert.Equal(t, models.ResultStatusError, rec.results[0].Status)
	assert.Equal(t, 0, rec.results[0].RetryCount)
	assert.Equal(t, 0, s.Statistics().RetryCount)
}

func TestRetriedItemGoesBackToHead(t *testing.T) {
	clk := clock.NewFake(epoch)
	client := newFakeClient(clk, func(name string, attempt int) (*analysis.Response, error) {
		if name == "A" && attempt == 1 {
			return nil, analysis.NewError(analysis.CodeAnalysisFailed, "model temporarily unavailable")
		}
		return &analysis.Response{ProcessingTime: 10}, nil
	})
	s, rec := newTestScheduler(t, 60, client, clk)

	require.NoError(t, s.Enqueue(items("A", "B", "C")...))
	require.NoError(t, s.Start())
	runUntilIdle(t, s, clk, time.Hour)

	assert.Equal(t, []string{"A", "A", "B", "C"}, client.names())
	assert.Contains(t, rec.items, "A:pending")
	assert.Equal(t, 3, s.Statistics().CompletedCount)
}

func TestRateLimitRetryAfterWins(t *testing.T) {
	clk := clock.NewFake(epoch)
	client := newFakeClient(clk, func(name string, attempt int) (*analysis.Response, error) {
		if attempt == 1 {
			return nil, &analysis.Error{Code: analysis.CodeRateLimitExceeded, Message: "slow down", Status: 429, RetryAfter: 30 * time.Second}
		}
		return &analysis.Response{ProcessingTime: 10}, nil
	})
	s, _ := newTestScheduler(t, 60, client, clk)

	require.NoError(t, s.Enqueue(items("A")...))
	require.NoError(t, s.Start())
	runUntilIdle(t, s, clk, time.Hour)

	times := client.times()
	require.Len(t, times, 2)
	assert.Equal(t, 30*time.Second, times[1].Sub(times[0]))
}

func TestAuthoritativeSnapshotDelaysDispatch(t *testing.T) {
	clk := clock.NewFake(epoch)
	client := newFakeClient(clk, func(name string, attempt int) (*analysis.Response, error) {
		return &analysis.Response{
			ProcessingTime: 10,
			RateLimit: &models.RateLimitInfo{
				Remaining:            0,
				ResetTime:            clk.Now().Add(45 * time.Second),
				RequestsInLastMinute: 10,
				MaxRequestsPerMinute: 10,
			},
		}, nil
	})
	s, _ := newTestScheduler(t, 10, client, clk)

	require.NoError(t, s.Enqueue(items("A", "B")...))
	require.NoError(t, s.Start())
	runUntilIdle(t, s, clk, time.Hour)

	times := client.times()
	require.Len(t, times, 2)
	assert.Equal(t, 45*time.Second, times[1].Sub(times[0]), "server says the quota is spent until +45s")
}

func TestPauseIsIdempotent(t *testing.T) {
	clk := clock.NewFake(epoch)
	client := newFakeClient(clk, nil)
	s, rec := newTestScheduler(t, 60, client, clk)

	require.NoError(t, s.Enqueue(items("A", "B")...))
	require.NoError(t, s.Start())
	clk.Advance(0) // dispatches A

	require.NoError(t, s.Pause())
	first := s.Status()
	events := len(rec.statuses)

	require.NoError(t, s.Pause())
	assert.Equal(t, first, s.Status())
	assert.Equal(t, events, len(rec.statuses), "second pause emits nothing")
	assert.True(t, first.IsPaused)

	clk.Advance(10 * time.Minute)
	assert.Equal(t, []string{"A"}, client.names(), "nothing dispatched while paused")

	require.NoError(t, s.Resume())
	runUntilIdle(t, s, clk, time.Hour)
	assert.Equal(t, []string{"A", "B"}, client.names())
}

func TestPauseFromIdleIsRejected(t *testing.T) {
	clk := clock.NewFake(epoch)
	s, _ := newTestScheduler(t, 60, newFakeClient(clk, nil), clk)
	assert.Error(t, s.Pause())
	assert.ErrorIs(t, s.Start(), ErrEmpty)
}

// blockingClient blocks every call until released
type blockingClient struct {
	started chan string
	release chan struct{}
}

func (c *blockingClient) Analyze(ctx context.Context, p models.Payload, _ models.AnalysisOptions) (*analysis.Response, error) {
	c.started <- p.Name()
	<-c.release
	return &analysis.Response{ProcessingTime: 5}, nil
}

func TestStopDiscardsLateResult(t *testing.T) {
	clk := clock.NewFake(epoch)
	client := &blockingClient{started: make(chan string, 1), release: make(chan struct{})}
	s, rec := newTestScheduler(t, 60, client, clk)

	require.NoError(t, s.Enqueue(items("A", "B")...))
	require.NoError(t, s.Start())

	done := make(chan struct{})
	go func() {
		clk.Advance(0)
		close(done)
	}()
	assert.Equal(t, "A", <-client.started)

	require.NoError(t, s.Stop())
	close(client.release)
	<-done

	assert.Equal(t, models.QueueStateStopped, s.State())
	stats := s.Statistics()
	assert.Equal(t, 0, stats.CompletedCount)
	assert.Equal(t, 0, stats.ErrorCount)
	assert.Empty(t, rec.results, "late result discarded")
	assert.Equal(t, 0, s.Status().Position)
	assert.Equal(t, 0, clk.Pending(), "no dispatch armed after stop")
}

func TestRestartWaitsForAbandonedCall(t *testing.T) {
	clk := clock.NewFake(epoch)
	client := &blockingClient{started: make(chan string, 1), release: make(chan struct{})}
	s, _ := newTestScheduler(t, 60, client, clk)

	require.NoError(t, s.Enqueue(items("A", "B")...))
	require.NoError(t, s.Start())

	done := make(chan struct{})
	go func() {
		clk.Advance(0)
		close(done)
	}()
	assert.Equal(t, "A", <-client.started)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Enqueue(items("C")...))
	require.NoError(t, s.Start())
	clk.Advance(5 * time.Second)

	select {
	case name := <-client.started:
		t.Fatalf("dispatched %s while A was still running", name)
	default:
	}
	assert.Equal(t, 0, clk.Pending(), "dispatch waits for A instead of polling")

	close(client.release)
	<-done
	require.Equal(t, 1, clk.Pending(), "A returning re-arms dispatch")

	clk.Advance(0)
	assert.Equal(t, "C", <-client.started)
	assert.Equal(t, models.QueueStateIdle, s.State())
	stats := s.Statistics()
	assert.Equal(t, 1, stats.CompletedCount, "only C counts")
}

func TestDrain(t *testing.T) {
	clk := clock.NewFake(epoch)
	client := &blockingClient{started: make(chan string, 1), release: make(chan struct{})}
	s, rec := newTestScheduler(t, 60, client, clk)

	require.NoError(t, s.Enqueue(items("A", "B", "C")...))
	require.NoError(t, s.Start())

	dispatched := make(chan struct{})
	go func() {
		clk.Advance(0)
		close(dispatched)
	}()
	<-client.started

	drained := make(chan error, 1)
	go func() { drained <- s.Drain(context.Background()) }()

	require.Eventually(t, func() bool { return s.State() == models.QueueStateDraining }, time.Second, time.Millisecond)
	assert.ErrorIs(t, s.Enqueue(items("D")...), ErrDraining)

	close(client.release)
	<-dispatched
	require.NoError(t, <-drained)

	assert.Equal(t, models.QueueStateIdle, s.State())
	assert.Len(t, rec.results, 1, "in-flight result applied")
	assert.Equal(t, []models.ItemMeta{
		{ID: "B", Filename: "B", Size: 1},
		{ID: "C", Filename: "C", Size: 1},
	}, s.Pending())
	assert.Equal(t, 0, clk.Pending())
}

func TestDrainTimeout(t *testing.T) {
	clk := clock.NewFake(epoch)
	client := &blockingClient{started: make(chan string, 1), release: make(chan struct{})}
	s, _ := newTestScheduler(t, 60, client, clk)

	require.NoError(t, s.Enqueue(items("A")...))
	require.NoError(t, s.Start())
	dispatched := make(chan struct{})
	go func() {
		clk.Advance(0)
		close(dispatched)
	}()
	<-client.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Drain(ctx), context.DeadlineExceeded)

	close(client.release)
	<-dispatched
	assert.Equal(t, models.QueueStateIdle, s.State())
}

func TestRetryFailedRestartsIdleQueue(t *testing.T) {
	clk := clock.NewFake(epoch)
	fail := true
	var mu sync.Mutex
	client := newFakeClient(clk, func(string, int) (*analysis.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, analysis.NewError(analysis.CodeContentBlocked, "blocked")
		}
		return &analysis.Response{ProcessingTime: 10}, nil
	})
	s, _ := newTestScheduler(t, 60, client, clk)

	require.NoError(t, s.Enqueue(items("A", "B")...))
	require.NoError(t, s.Start())
	runUntilIdle(t, s, clk, time.Hour)
	require.Len(t, s.Failed(), 2)
	assert.Equal(t, 2, s.Status().TotalInQueue)

	mu.Lock()
	fail = false
	mu.Unlock()

	n, err := s.RetrySelected("B")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.QueueStateRunning, s.State())
	runUntilIdle(t, s, clk, time.Hour)

	assert.Equal(t, []string{"A", "B", "B"}, client.names())
	assert.Len(t, s.Failed(), 1)

	n, err = s.RetryFailed()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	runUntilIdle(t, s, clk, time.Hour)
	assert.Empty(t, s.Failed())
	assert.Equal(t, 2, s.Statistics().CompletedCount)
}

func TestDeleteSelected(t *testing.T) {
	clk := clock.NewFake(epoch)
	client := newFakeClient(clk, nil)
	s, _ := newTestScheduler(t, 60, client, clk)

	require.NoError(t, s.Enqueue(items("A", "B", "C")...))
	assert.Equal(t, 2, s.DeleteSelected("A", "C", "missing"))
	require.NoError(t, s.Start())
	runUntilIdle(t, s, clk, time.Hour)
	assert.Equal(t, []string{"B"}, client.names())
}

func TestEnqueueRejectsMalformed(t *testing.T) {
	clk := clock.NewFake(epoch)
	s, _ := newTestScheduler(t, 60, newFakeClient(clk, nil), clk)

	noPayload := models.NewWorkItem(nil, models.AllOptions())
	err := s.Enqueue(append(items("A"), noPayload)...)
	assert.ErrorIs(t, err, models.ErrMissingPayload)
	assert.Empty(t, s.Pending(), "batch is all or nothing")

	require.NoError(t, s.Enqueue(items("A")...))
	assert.ErrorIs(t, s.Enqueue(items("A")...), ErrDuplicate)
}

func TestObserverMayReenter(t *testing.T) {
	clk := clock.NewFake(epoch)
	client := newFakeClient(clk, nil)
	s, _ := newTestScheduler(t, 60, client, clk)

	var seen []models.QueueState
	s.Subscribe(ObserverFuncs{
		Result: func(r models.AnalysisResult) {
			// Pausing from inside a callback must not deadlock
			_ = s.Pause()
			seen = append(seen, s.State())
		},
	})

	require.NoError(t, s.Enqueue(items("A", "B")...))
	require.NoError(t, s.Start())
	clk.Advance(time.Minute)

	assert.Equal(t, []string{"A"}, client.names())
	assert.Equal(t, []models.QueueState{models.QueueStatePaused}, seen)
}

func TestPauseDuringDeliveryReachesObserversLater(t *testing.T) {
	clk := clock.NewFake(epoch)
	client := newFakeClient(clk, nil)
	s, rec := newTestScheduler(t, 60, client, clk)

	entered := make(chan struct{})
	release := make(chan struct{})
	s.Subscribe(ObserverFuncs{
		Result: func(models.AnalysisResult) {
			close(entered)
			<-release
		},
	})

	require.NoError(t, s.Enqueue(items("A", "B")...))
	require.NoError(t, s.Start())

	done := make(chan struct{})
	go func() {
		clk.Advance(0)
		close(done)
	}()
	<-entered

	require.NoError(t, s.Pause())
	assert.True(t, s.Status().IsPaused, "state changes before delivery")
	assert.False(t, rec.lastStatus().IsPaused, "pause not yet delivered")

	close(release)
	<-done
	assert.True(t, rec.lastStatus().IsPaused, "active deliverer hands on the pause")
	assert.Equal(t, []string{"A"}, client.names())
}

func TestUnsubscribe(t *testing.T) {
	clk := clock.NewFake(epoch)
	s, _ := newTestScheduler(t, 60, newFakeClient(clk, nil), clk)

	calls := 0
	unsubscribe := s.Subscribe(ObserverFuncs{Status: func(models.QueueStatus) { calls++ }})
	require.NoError(t, s.Enqueue(items("A")...))
	unsubscribe()
	require.NoError(t, s.Enqueue(items("B")...))
	assert.Equal(t, 1, calls)
}

func TestPanickingClientBecomesError(t *testing.T) {
	clk := clock.NewFake(epoch)
	client := analysis.ClientFunc(func(context.Context, models.Payload, models.AnalysisOptions) (*analysis.Response, error) {
		panic("boom")
	})
	s, rec := newTestScheduler(t, 60, client, clk)

	require.NoError(t, s.Enqueue(items("A")...))
	require.NoError(t, s.Start())
	runUntilIdle(t, s, clk, time.Minute)

	require.Len(t, rec.results, 1)
	assert.Equal(t, string(analysis.CodeInternalError), rec.results[0].ErrorCode)
}

func TestEstimatedWaitTime(t *testing.T) {
	clk := clock.NewFake(epoch)
	s, _ := newTestScheduler(t, 6, newFakeClient(clk, nil), clk)

	require.NoError(t, s.Enqueue(items("A", "B", "C")...))
	st := s.Status()
	assert.Equal(t, 3, st.Position)
	assert.Equal(t, 30, st.EstimatedWaitTime, "3 items at 10s pacing")
}

func TestClosedSchedulerRejectsWork(t *testing.T) {
	clk := clock.NewFake(epoch)
	s, _ := newTestScheduler(t, 60, newFakeClient(clk, nil), clk)
	require.NoError(t, s.Close())
	assert.True(t, errors.Is(s.Enqueue(items("A")...), ErrClosed))
	assert.ErrorIs(t, s.Start(), ErrClosed)
}
