package models

import (
	"fmt"
	"time"
)

// QueueState is the state of the analysis queue
type QueueState string

const (
	QueueStateIdle     QueueState = "idle"     // Nothing is being dispatched
	QueueStateRunning  QueueState = "running"  // Dispatch loop is armed
	QueueStatePaused   QueueState = "paused"   // Dispatch suppressed, pending items kept
	QueueStateDraining QueueState = "draining" // No enqueues, waiting for the in-flight item
	QueueStateStopped  QueueState = "stopped"  // Pending list cleared, late results discarded
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[QueueState]map[QueueState]bool{
	QueueStateIdle: {
		QueueStateRunning: true, // Idle → Running (start with pending items)
	},
	QueueStateRunning: {
		QueueStatePaused:   true, // Running → Paused (user pauses)
		QueueStateStopped:  true, // Running → Stopped (user stops)
		QueueStateDraining: true, // Running → Draining (graceful shutdown)
		QueueStateIdle:     true, // Running → Idle (queue emptied)
	},
	QueueStatePaused: {
		QueueStateRunning:  true, // Paused → Running (resume)
		QueueStateStopped:  true, // Paused → Stopped (user stops)
		QueueStateDraining: true, // Paused → Draining (graceful shutdown)
	},
	QueueStateDraining: {
		QueueStateIdle:    true, // Draining → Idle (in-flight item settled)
		QueueStateStopped: true, // Draining → Stopped (user stops)
	},
	QueueStateStopped: {
		QueueStateRunning: true, // Stopped → Running (new run)
	},
}

// ValidateTransition checks if a queue state transition is valid
func ValidateTransition(from, to QueueState) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown queue state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid queue transition from %s to %s", from, to)
	}
	return nil
}

// AcceptsEnqueue returns true if new work may be added in this state
func (s QueueState) AcceptsEnqueue() bool {
	return s != QueueStateDraining
}

// QueueStatus is a read-only view derived from the scheduler state
type QueueStatus struct {
	State             QueueState `json:"state"`
	Position          int        `json:"position"`          // pending + in-flight
	EstimatedWaitTime int        `json:"estimatedWaitTime"` // seconds
	IsProcessing      bool       `json:"isProcessing"`
	IsPaused          bool       `json:"isPaused"`
	TotalInQueue      int        `json:"totalInQueue"`
	CompletedCount    int        `json:"completedCount"`
	ErrorCount        int        `json:"errorCount"`
	Complete          bool       `json:"complete,omitempty"` // set on the Running → Idle transition
}

// RetryPolicy defines how retryable failures are backed off
type RetryPolicy struct {
	MaxRetries        int           // Ceiling stamped on items built from config
	InitialBackoff    time.Duration // Delay before the first retry
	MaxBackoff        time.Duration // Upper bound for any computed delay
	BackoffMultiplier float64       // Growth factor between retries
}

// DefaultRetryPolicy returns the default retry policy
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:        DefaultMaxRetries,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        2 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// CalculateBackoff returns base * multiplier^(retryCount-1), capped at MaxBackoff.
// retryCount is the count after the increment, so the first retry waits InitialBackoff.
func (rp *RetryPolicy) CalculateBackoff(retryCount int) time.Duration {
	if retryCount <= 1 {
		return rp.capped(rp.InitialBackoff)
	}

	backoff := float64(rp.InitialBackoff)
	for i := 1; i < retryCount; i++ {
		backoff *= rp.BackoffMultiplier
		if rp.MaxBackoff > 0 && time.Duration(backoff) > rp.MaxBackoff {
			return rp.MaxBackoff
		}
	}
	return rp.capped(time.Duration(backoff))
}

func (rp *RetryPolicy) capped(d time.Duration) time.Duration {
	if rp.MaxBackoff > 0 && d > rp.MaxBackoff {
		return rp.MaxBackoff
	}
	return d
}
