// Package metrics exposes queue and gateway activity as Prometheus metrics
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/psantana5/vidhook/pkg/models"
)

const namespace = "vidhook"

var queueStates = []models.QueueState{
	models.QueueStateIdle,
	models.QueueStateRunning,
	models.QueueStatePaused,
	models.QueueStateDraining,
	models.QueueStateStopped,
}

// QueueCollector records scheduler events. Subscribe it to a scheduler.
type QueueCollector struct {
	mu       sync.Mutex
	inFlight map[string]bool

	results        *prometheus.CounterVec
	processing     prometheus.Histogram
	retries        prometheus.Counter
	position       prometheus.Gauge
	estimatedWait  prometheus.Gauge
	state          *prometheus.GaugeVec
	quotaRemaining prometheus.Gauge
	quotaLimit     prometheus.Gauge
}

// NewQueueCollector creates the queue metrics and registers them with reg
func NewQueueCollector(reg prometheus.Registerer) *QueueCollector {
	c := &QueueCollector{
		inFlight: make(map[string]bool),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "results_total",
			Help:      "Terminal analysis results by status and error code",
		}, []string{"status", "code"}),
		processing: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "processing_seconds",
			Help:      "Processing time reported for completed analyses",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 120},
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "retries_total",
			Help:      "Items sent back for another attempt",
		}),
		position: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "position",
			Help:      "Items pending or in flight",
		}),
		estimatedWait: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "estimated_wait_seconds",
			Help:      "Estimated time until the queue is empty",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "state",
			Help:      "1 for the current scheduler state",
		}, []string{"state"}),
		quotaRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "remaining",
			Help:      "Requests left in the current window",
		}),
		quotaLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "limit",
			Help:      "Requests allowed per window",
		}),
	}
	reg.MustRegister(c.results, c.processing, c.retries, c.position,
		c.estimatedWait, c.state, c.quotaRemaining, c.quotaLimit)
	return c
}

func (c *QueueCollector) OnStatus(status models.QueueStatus) {
	c.position.Set(float64(status.Position))
	c.estimatedWait.Set(float64(status.EstimatedWaitTime))
	for _, s := range queueStates {
		v := 0.0
		if s == status.State {
			v = 1
		}
		c.state.WithLabelValues(string(s)).Set(v)
	}
}

func (c *QueueCollector) OnResult(result models.AnalysisResult) {
	c.results.WithLabelValues(string(result.Status), result.ErrorCode).Inc()
	if result.Status == models.ResultStatusCompleted {
		c.processing.Observe(float64(result.ProcessingTime) / 1000)
	}
}

func (c *QueueCollector) OnRateLimit(info models.RateLimitInfo) {
	c.quotaRemaining.Set(float64(info.Remaining))
	c.quotaLimit.Set(float64(info.MaxRequestsPerMinute))
}

// OnItemStatus counts an item going from processing back to pending as a retry
func (c *QueueCollector) OnItemStatus(id string, status models.ResultStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch status {
	case models.ResultStatusProcessing:
		c.inFlight[id] = true
	case models.ResultStatusPending:
		if c.inFlight[id] {
			c.retries.Inc()
		}
		delete(c.inFlight, id)
	default:
		delete(c.inFlight, id)
	}
}
