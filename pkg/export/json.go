package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/psantana5/vidhook/pkg/models"
)

const batchSize = 10 // Number of results to batch write

// JSONSink collects results and rewrites a JSON array file in batches
type JSONSink struct {
	mu      sync.Mutex
	path    string
	pending []models.AnalysisResult
	batch   int
}

// NewJSONSink writes to path. Existing results in the file are kept.
func NewJSONSink(path string) *JSONSink {
	return &JSONSink{path: path, batch: batchSize}
}

// AddResult adds a result to the batch and flushes if the batch is full
func (s *JSONSink) AddResult(_ context.Context, result models.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, result)
	if len(s.pending) >= s.batch {
		return s.flush()
	}
	return nil
}

// Flush writes all pending results to disk
func (s *JSONSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

func (s *JSONSink) flush() error {
	if len(s.pending) == 0 {
		return nil
	}

	existing, err := ReadJSON(s.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	all := append(existing, s.pending...)

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for results: %w", err)
	}

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write results file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace results file: %w", err)
	}

	s.pending = nil
	return nil
}

// ReadJSON loads a results file written by JSONSink
func ReadJSON(path string) ([]models.AnalysisResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var results []models.AnalysisResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("failed to unmarshal existing results: %w", err)
	}
	return results, nil
}
