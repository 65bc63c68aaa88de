package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sync"

	"github.com/psantana5/vidhook/pkg/models"
)

// CSVSink streams results as CSV rows with a header line
type CSVSink struct {
	mu     sync.Mutex
	w      *csv.Writer
	header bool
}

// NewCSVSink writes to w
func NewCSVSink(w io.Writer) *CSVSink {
	return &CSVSink{w: csv.NewWriter(w)}
}

func (s *CSVSink) AddResult(_ context.Context, result models.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.header {
		if err := s.w.Write(Columns); err != nil {
			return fmt.Errorf("failed to write csv header: %w", err)
		}
		s.header = true
	}
	if err := s.w.Write(Row(result)); err != nil {
		return fmt.Errorf("failed to write csv row: %w", err)
	}
	return nil
}

func (s *CSVSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	return s.w.Error()
}

// WriteCSV writes all results with a header
func WriteCSV(w io.Writer, results []models.AnalysisResult) error {
	s := NewCSVSink(w)
	for _, r := range results {
		if err := s.AddResult(context.Background(), r); err != nil {
			return err
		}
	}
	if len(results) == 0 {
		if err := s.w.Write(Columns); err != nil {
			return err
		}
	}
	return s.Flush()
}
