package models

import (
	"time"
)

// ResultStatus is the status of one video's analysis
type ResultStatus string

const (
	ResultStatusPending    ResultStatus = "pending"
	ResultStatusProcessing ResultStatus = "processing"
	ResultStatusCompleted  ResultStatus = "completed"
	ResultStatusError      ResultStatus = "error"
)

// IsTerminal returns true for completed and errored results
func (s ResultStatus) IsTerminal() bool {
	return s == ResultStatusCompleted || s == ResultStatusError
}

// AnalysisFields holds the extracted fields; unset fields were not requested
type AnalysisFields struct {
	VisualHook  string `json:"visualHook,omitempty"`
	TextHook    string `json:"textHook,omitempty"`
	VoiceHook   string `json:"voiceHook,omitempty"`
	VideoScript string `json:"videoScript,omitempty"`
	PainPoint   string `json:"painPoint,omitempty"`
}

// Filter clears every field the options did not request
func (f AnalysisFields) Filter(opts AnalysisOptions) AnalysisFields {
	if !opts.VisualHook {
		f.VisualHook = ""
	}
	if !opts.TextHook {
		f.TextHook = ""
	}
	if !opts.VoiceHook {
		f.VoiceHook = ""
	}
	if !opts.VideoScript {
		f.VideoScript = ""
	}
	if !opts.PainPoint {
		f.PainPoint = ""
	}
	return f
}

// AnalysisResult is the outcome for one work item
type AnalysisResult struct {
	ID       string       `json:"id"`
	Filename string       `json:"filename"`
	Status   ResultStatus `json:"status"`
	AnalysisFields
	ProcessingTime int64      `json:"processingTime"` // milliseconds
	Error          string     `json:"error,omitempty"`
	ErrorCode      string     `json:"errorCode,omitempty"`
	RetryCount     int        `json:"retryCount"`
	CreatedAt      time.Time  `json:"createdAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// Statistics are the running totals of a queue
type Statistics struct {
	TotalProcessed        int       `json:"totalProcessed"`
	CompletedCount        int       `json:"completedCount"`
	ErrorCount            int       `json:"errorCount"`
	RetryCount            int       `json:"retryCount"`
	TotalProcessingTime   int64     `json:"totalProcessingTime"`   // milliseconds
	AverageProcessingTime float64   `json:"averageProcessingTime"` // milliseconds
	SuccessRate           float64   `json:"successRate"`           // percent
	LastUpdated           time.Time `json:"lastUpdated"`
}

// RecordSuccess accounts a completed analysis
func (s *Statistics) RecordSuccess(processingMs int64, now time.Time) {
	s.TotalProcessed++
	s.CompletedCount++
	s.TotalProcessingTime += processingMs
	s.recompute(now)
}

// RecordFailure accounts a terminal error
func (s *Statistics) RecordFailure(now time.Time) {
	s.TotalProcessed++
	s.ErrorCount++
	s.recompute(now)
}

// RecordRetry accounts a retry scheduled after a retryable failure
func (s *Statistics) RecordRetry(now time.Time) {
	s.RetryCount++
	s.LastUpdated = now
}

func (s *Statistics) recompute(now time.Time) {
	if s.CompletedCount > 0 {
		s.AverageProcessingTime = float64(s.TotalProcessingTime) / float64(s.CompletedCount)
	} else {
		s.AverageProcessingTime = 0
	}
	if s.TotalProcessed > 0 {
		s.SuccessRate = float64(s.CompletedCount) / float64(s.TotalProcessed) * 100
	} else {
		s.SuccessRate = 0
	}
	s.LastUpdated = now
}
