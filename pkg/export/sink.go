// Package export writes terminal analysis results to files, terminals and databases
package export

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/psantana5/vidhook/pkg/models"
)

// Sink receives terminal results
type Sink interface {
	// AddResult records a single result
	AddResult(ctx context.Context, result models.AnalysisResult) error

	// Flush ensures all pending results are written
	Flush() error
}

// Columns is the fixed export column order
var Columns = []string{
	"Filename", "Status", "Visual Hook", "Text Hook", "Voice Hook", "Video Script",
	"Pain Point", "Processing (ms)", "Error", "Created", "Completed",
}

// Row renders a result in Columns order
func Row(r models.AnalysisResult) []string {
	completed := ""
	if r.CompletedAt != nil {
		completed = r.CompletedAt.Format(time.RFC3339)
	}
	created := ""
	if !r.CreatedAt.IsZero() {
		created = r.CreatedAt.Format(time.RFC3339)
	}
	return []string{
		r.Filename,
		string(r.Status),
		r.VisualHook,
		r.TextHook,
		r.VoiceHook,
		r.VideoScript,
		r.PainPoint,
		strconv.FormatInt(r.ProcessingTime, 10),
		r.Error,
		created,
		completed,
	}
}

// Multi fans results out to several sinks. Every sink is attempted; the
// first error is returned.
type Multi []Sink

func (m Multi) AddResult(ctx context.Context, result models.AnalysisResult) error {
	var first error
	for _, s := range m {
		if err := s.AddResult(ctx, result); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Flush() error {
	var first error
	for _, s := range m {
		if err := s.Flush(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Observer feeds scheduler results into a sink. It satisfies queue.Observer.
type Observer struct {
	sink   Sink
	logger *slog.Logger
	mu     sync.Mutex
}

// NewObserver wraps sink
func NewObserver(sink Sink, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{sink: sink, logger: logger.With("component", "export")}
}

func (o *Observer) OnResult(result models.AnalysisResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.sink.AddResult(context.Background(), result); err != nil {
		o.logger.Error("failed to export result", "id", result.ID, "error", err)
	}
}

func (o *Observer) OnStatus(models.QueueStatus) {}

func (o *Observer) OnRateLimit(models.RateLimitInfo) {}

func (o *Observer) OnItemStatus(string, models.ResultStatus) {}
