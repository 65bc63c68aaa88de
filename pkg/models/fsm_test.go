package models

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    QueueState
		to      QueueState
		wantErr bool
	}{
		// Valid transitions
		{"Idle to Running", QueueStateIdle, QueueStateRunning, false},
		{"Running to Paused", QueueStateRunning, QueueStatePaused, false},
		{"Paused to Running", QueueStatePaused, QueueStateRunning, false},
		{"Running to Stopped", QueueStateRunning, QueueStateStopped, false},
		{"Paused to Stopped", QueueStatePaused, QueueStateStopped, false},
		{"Running to Idle", QueueStateRunning, QueueStateIdle, false},
		{"Running to Draining", QueueStateRunning, QueueStateDraining, false},
		{"Draining to Idle", QueueStateDraining, QueueStateIdle, false},
		{"Stopped to Running", QueueStateStopped, QueueStateRunning, false},

		// Invalid transitions
		{"Idle to Paused", QueueStateIdle, QueueStatePaused, true},
		{"Idle to Stopped", QueueStateIdle, QueueStateStopped, true},
		{"Stopped to Paused", QueueStateStopped, QueueStatePaused, true},
		{"Paused to Idle", QueueStatePaused, QueueStateIdle, true},
		{"Draining to Running", QueueStateDraining, QueueStateRunning, true},
		{"Unknown source", QueueState("bogus"), QueueStateRunning, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestCalculateBackoff(t *testing.T) {
	rp := &RetryPolicy{
		MaxRetries:        3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second}, // capped
		{10, 5 * time.Second},
	}

	for _, tt := range tests {
		if got := rp.CalculateBackoff(tt.retryCount); got != tt.want {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", tt.retryCount, got, tt.want)
		}
	}
}

func TestStatisticsRecompute(t *testing.T) {
	var s Statistics
	now := time.Now()

	s.RecordSuccess(1000, now)
	s.RecordSuccess(3000, now)
	s.RecordFailure(now)
	s.RecordRetry(now)

	if s.TotalProcessed != 3 || s.CompletedCount != 2 || s.ErrorCount != 1 {
		t.Fatalf("unexpected counts: %+v", s)
	}
	if s.AverageProcessingTime != 2000 {
		t.Errorf("AverageProcessingTime = %v, want 2000", s.AverageProcessingTime)
	}
	if s.SuccessRate < 66.6 || s.SuccessRate > 66.7 {
		t.Errorf("SuccessRate = %v, want ~66.67", s.SuccessRate)
	}
	if s.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", s.RetryCount)
	}
}

type memPayload struct {
	name string
	data string
}

func (p memPayload) Name() string { return p.name }
func (p memPayload) Size() int64  { return int64(len(p.data)) }
func (p memPayload) Open() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(p.data)), nil
}

func TestWorkItemValidate(t *testing.T) {
	good := NewWorkItem(memPayload{name: "a.mp4", data: "xyz"}, AllOptions())
	if err := good.Validate(); err != nil {
		t.Fatalf("expected valid item, got %v", err)
	}
	if good.Filename != "a.mp4" || good.Size != 3 || good.MaxRetries != DefaultMaxRetries {
		t.Errorf("metadata not copied from payload: %+v", good)
	}

	noPayload := NewWorkItem(nil, AllOptions())
	if err := noPayload.Validate(); !errors.Is(err, ErrMissingPayload) {
		t.Errorf("expected ErrMissingPayload, got %v", err)
	}

	noOpts := NewWorkItem(memPayload{name: "b.mp4"}, AnalysisOptions{})
	if err := noOpts.Validate(); !errors.Is(err, ErrNoOptions) {
		t.Errorf("expected ErrNoOptions, got %v", err)
	}
}

func TestFieldsFilter(t *testing.T) {
	f := AnalysisFields{
		VisualHook:  "v",
		TextHook:    "t",
		VoiceHook:   "vo",
		VideoScript: "s",
		PainPoint:   "p",
	}
	got := f.Filter(AnalysisOptions{TextHook: true, PainPoint: true})
	want := AnalysisFields{TextHook: "t", PainPoint: "p"}
	if got != want {
		t.Errorf("Filter() = %+v, want %+v", got, want)
	}
}
