package export

import (
	"context"
	"fmt"
	"io"
	"sync"
	"unicode/utf8"

	"github.com/olekukonko/tablewriter"

	"github.com/psantana5/vidhook/pkg/models"
)

// TableSink buffers results and renders them as a terminal table on Flush
type TableSink struct {
	mu      sync.Mutex
	w       io.Writer
	results []models.AnalysisResult
	width   int
}

// NewTableSink renders to w, truncating long fields to width runes
func NewTableSink(w io.Writer, width int) *TableSink {
	if width <= 0 {
		width = 40
	}
	return &TableSink{w: w, width: width}
}

func (s *TableSink) AddResult(_ context.Context, result models.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

// Flush renders everything collected so far and clears the buffer
func (s *TableSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.results) == 0 {
		return nil
	}

	table := tablewriter.NewWriter(s.w)
	table.Header("File", "Status", "Visual", "Text", "Voice", "Script", "Pain Point", "Time", "Error")
	for _, r := range s.results {
		if err := table.Append(
			r.Filename,
			string(r.Status),
			truncate(r.VisualHook, s.width),
			truncate(r.TextHook, s.width),
			truncate(r.VoiceHook, s.width),
			truncate(r.VideoScript, s.width),
			truncate(r.PainPoint, s.width),
			fmt.Sprintf("%.1fs", float64(r.ProcessingTime)/1000),
			truncate(r.Error, s.width),
		); err != nil {
			return fmt.Errorf("failed to append table row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	s.results = nil
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
