package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/vidhook/pkg/models"
)

func sampleResults() []models.AnalysisResult {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	done := created.Add(3 * time.Second)
	return []models.AnalysisResult{
		{
			ID:       "1",
			Filename: "ad, final.mp4",
			Status:   models.ResultStatusCompleted,
			AnalysisFields: models.AnalysisFields{
				VisualHook: "close-up",
				TextHook:   `"Stop scrolling"`,
				PainPoint:  "time",
			},
			ProcessingTime: 3000,
			CreatedAt:      created,
			CompletedAt:    &done,
		},
		{
			ID:          "2",
			Filename:    "broken.mov",
			Status:      models.ResultStatusError,
			Error:       "unsupported codec",
			ErrorCode:   "UNSUPPORTED_FORMAT",
			CreatedAt:   created,
			CompletedAt: &done,
		},
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleResults()))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, Columns, records[0])
	assert.Equal(t, []string{
		"ad, final.mp4", "completed", "close-up", `"Stop scrolling"`, "", "", "time",
		"3000", "", "2024-05-01T12:00:00Z", "2024-05-01T12:00:03Z",
	}, records[1])
	assert.Equal(t, "unsupported codec", records[2][8])
}

func TestWriteCSVEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil))
	assert.Equal(t, strings.Join(Columns, ",")+"\n", buf.String())
}

func TestJSONSinkBatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "results.json")
	s := NewJSONSink(path)
	s.batch = 2
	ctx := context.Background()

	results := sampleResults()
	require.NoError(t, s.AddResult(ctx, results[0]))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "nothing written before the batch fills")

	require.NoError(t, s.AddResult(ctx, results[1]))
	got, err := ReadJSON(path)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	require.NoError(t, s.AddResult(ctx, results[0]))
	require.NoError(t, s.Flush())
	got, err = ReadJSON(path)
	require.NoError(t, err)
	require.Len(t, got, 3, "flush appends to the existing file")
	assert.Equal(t, "close-up", got[2].VisualHook)
}

func TestTableSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewTableSink(&buf, 10)
	for _, r := range sampleResults() {
		require.NoError(t, s.AddResult(context.Background(), r))
	}
	require.NoError(t, s.Flush())

	out := buf.String()
	assert.Contains(t, out, "broken.mov")
	assert.Contains(t, out, "3.0s")
	assert.Contains(t, out, "unsupport…")
}

type failingSink struct{ calls int }

func (f *failingSink) AddResult(context.Context, models.AnalysisResult) error {
	f.calls++
	return errors.New("disk full")
}

func (f *failingSink) Flush() error { return nil }

func TestMultiAttemptsEverySink(t *testing.T) {
	bad := &failingSink{}
	var buf bytes.Buffer
	good := NewCSVSink(&buf)

	err := Multi{bad, good}.AddResult(context.Background(), sampleResults()[0])
	assert.EqualError(t, err, "disk full")
	require.NoError(t, Multi{bad, good}.Flush())
	assert.Equal(t, 1, bad.calls)
	assert.Contains(t, buf.String(), "close-up")
}

func TestPostgresSink(t *testing.T) {
	dsn := os.Getenv("VIDHOOK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("Skipping PostgreSQL integration test: VIDHOOK_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	sink, err := NewPostgresSink(ctx, dsn)
	require.NoError(t, err)
	defer sink.Close()

	r := sampleResults()[1]
	r.ID = "test-" + time.Now().Format("150405.000000")
	require.NoError(t, sink.AddResult(ctx, r))

	// A later success for the same video replaces the error row
	r.Status = models.ResultStatusCompleted
	r.Error = ""
	r.TextHook = "hook"
	require.NoError(t, sink.AddResult(ctx, r))

	got, err := sink.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ResultStatusCompleted, got.Status)
	assert.Equal(t, "hook", got.TextHook)
	assert.Empty(t, got.Error)
}
