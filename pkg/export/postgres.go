package export

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/psantana5/vidhook/pkg/models"
)

// PostgresSink upserts results into a PostgreSQL table keyed by result id
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink connects to dsn and creates the results table if needed
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	sink := &PostgresSink{db: db}
	if err := sink.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return sink, nil
}

func (s *PostgresSink) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS analysis_results (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		status TEXT NOT NULL,
		visual_hook TEXT,
		text_hook TEXT,
		voice_hook TEXT,
		video_script TEXT,
		pain_point TEXT,
		processing_ms BIGINT NOT NULL DEFAULT 0,
		error TEXT,
		error_code TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_analysis_results_status ON analysis_results(status);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// AddResult writes immediately; a retried video overwrites its earlier row
func (s *PostgresSink) AddResult(ctx context.Context, r models.AnalysisResult) error {
	var created any
	if !r.CreatedAt.IsZero() {
		created = r.CreatedAt
	}
	var completed any
	if r.CompletedAt != nil {
		completed = *r.CompletedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_results
		(id, filename, status, visual_hook, text_hook, voice_hook, video_script, pain_point,
		 processing_ms, error, error_code, retry_count, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			visual_hook = EXCLUDED.visual_hook,
			text_hook = EXCLUDED.text_hook,
			voice_hook = EXCLUDED.voice_hook,
			video_script = EXCLUDED.video_script,
			pain_point = EXCLUDED.pain_point,
			processing_ms = EXCLUDED.processing_ms,
			error = EXCLUDED.error,
			error_code = EXCLUDED.error_code,
			retry_count = EXCLUDED.retry_count,
			completed_at = EXCLUDED.completed_at
	`, r.ID, r.Filename, string(r.Status), r.VisualHook, r.TextHook, r.VoiceHook, r.VideoScript,
		r.PainPoint, r.ProcessingTime, r.Error, r.ErrorCode, r.RetryCount, created, completed)
	if err != nil {
		return fmt.Errorf("failed to store result %s: %w", r.ID, err)
	}
	return nil
}

// Flush is a no-op; rows are written immediately
func (s *PostgresSink) Flush() error { return nil }

// Get loads one stored result
func (s *PostgresSink) Get(ctx context.Context, id string) (*models.AnalysisResult, error) {
	var r models.AnalysisResult
	var status string
	var created, completed sql.NullTime
	var errMsg, errCode sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, filename, status, COALESCE(visual_hook, ''), COALESCE(text_hook, ''),
		       COALESCE(voice_hook, ''), COALESCE(video_script, ''), COALESCE(pain_point, ''),
		       processing_ms, error, error_code, retry_count, created_at, completed_at
		FROM analysis_results WHERE id = $1
	`, id).Scan(&r.ID, &r.Filename, &status, &r.VisualHook, &r.TextHook, &r.VoiceHook,
		&r.VideoScript, &r.PainPoint, &r.ProcessingTime, &errMsg, &errCode, &r.RetryCount,
		&created, &completed)
	if err != nil {
		return nil, fmt.Errorf("failed to load result %s: %w", id, err)
	}
	r.Status = models.ResultStatus(status)
	r.Error = errMsg.String
	r.ErrorCode = errCode.String
	if created.Valid {
		r.CreatedAt = created.Time
	}
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	return &r, nil
}

// Close closes the database
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
