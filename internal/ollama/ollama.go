// Package ollama is an analysis backend that asks a local vision model
// about frames sampled from the uploaded video.
package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/psantana5/vidhook/internal/frames"
	"github.com/psantana5/vidhook/pkg/analysis"
	"github.com/psantana5/vidhook/pkg/models"
)

// FrameSource turns a video on disk into image files
type FrameSource interface {
	Extract(ctx context.Context, videoPath, outputDir string) ([]string, error)
}

// Config selects the model server and the model
type Config struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	Model   string `mapstructure:"model" yaml:"model"`
	WorkDir string `mapstructure:"work_dir" yaml:"work_dir"`
}

// DefaultConfig points at a local Ollama with a vision model
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:11434",
		Model:   "llama3.2-vision:11b",
	}
}

// Backend implements analysis.Client against Ollama's /api/generate
type Backend struct {
	cfg        Config
	frames     FrameSource
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a backend. A nil frame source uses ffmpeg defaults.
func New(cfg Config, src FrameSource, logger *slog.Logger) *Backend {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if src == nil {
		src = frames.DefaultExtractor()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		cfg:        cfg,
		frames:     src,
		httpClient: &http.Client{},
		logger:     logger.With("component", "ollama"),
	}
}

type generateRequest struct {
	Model  string   `json:"model"`
	System string   `json:"system,omitempty"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images,omitempty"`
	Format string   `json:"format,omitempty"`
	Stream bool     `json:"stream"`
}

type generateResponse struct {
	Response      string `json:"response"`
	Done          bool   `json:"done"`
	TotalDuration int64  `json:"total_duration"` // nanoseconds
	Error         string `json:"error,omitempty"`
}

// Analyze spools the payload to disk, samples frames and asks the model for
// the requested fields.
func (b *Backend) Analyze(ctx context.Context, payload models.Payload, opts models.AnalysisOptions) (*analysis.Response, error) {
	if payload == nil {
		return nil, analysis.NewError(analysis.CodeMissingPayload, "no video data")
	}
	if !opts.Any() {
		return nil, analysis.NewError(analysis.CodeInvalidOptions, "no analysis fields requested")
	}

	workDir, err := os.MkdirTemp(b.cfg.WorkDir, "vidhook-")
	if err != nil {
		return nil, &analysis.Error{Code: analysis.CodeInternalError, Message: "failed to create work directory", Err: err}
	}
	defer os.RemoveAll(workDir)

	videoPath, err := spool(payload, workDir)
	if err != nil {
		return nil, &analysis.Error{Code: analysis.CodeInternalError, Message: "failed to buffer upload", Err: err}
	}

	start := time.Now()
	framePaths, err := b.frames.Extract(ctx, videoPath, filepath.Join(workDir, "frames"))
	if err != nil {
		if ctx.Err() != nil {
			return nil, &analysis.Error{Code: analysis.CodeTimeout, Message: "frame extraction timed out", Err: err}
		}
		return nil, &analysis.Error{Code: analysis.CodeUnsupportedFormat, Message: fmt.Sprintf("could not decode '%s'", payload.Name()), Err: err}
	}

	images, err := encodeImages(framePaths)
	if err != nil {
		return nil, &analysis.Error{Code: analysis.CodeInternalError, Message: "failed to read frames", Err: err}
	}
	b.logger.Debug("frames extracted", "file", payload.Name(), "frames", len(images))

	fields, err := b.generate(ctx, BuildPrompt(opts, len(images)), images)
	if err != nil {
		return nil, err
	}

	return &analysis.Response{
		Fields:         fields.Filter(opts),
		ProcessingTime: time.Since(start).Milliseconds(),
	}, nil
}

func (b *Backend) generate(ctx context.Context, prompt string, images []string) (models.AnalysisFields, error) {
	var fields models.AnalysisFields

	body, err := json.Marshal(generateRequest{
		Model:  b.cfg.Model,
		System: systemPrompt,
		Prompt: prompt,
		Images: images,
		Format: "json",
		Stream: false,
	})
	if err != nil {
		return fields, &analysis.Error{Code: analysis.CodeInternalError, Message: "failed to marshal request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(b.cfg.BaseURL, "/")+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return fields, &analysis.Error{Code: analysis.CodeInternalError, Message: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fields, &analysis.Error{Code: analysis.CodeTimeout, Message: "model timed out", Err: err}
		}
		return fields, &analysis.Error{Code: analysis.CodeAnalysisFailed, Message: "model server unavailable", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fields, &analysis.Error{Code: analysis.CodeNetworkError, Message: "failed to read model response", Err: err}
	}

	var gen generateResponse
	decodeErr := json.Unmarshal(raw, &gen)

	if resp.StatusCode != http.StatusOK {
		msg := gen.Error
		if decodeErr != nil || msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		code := analysis.CodeInternalError
		if resp.StatusCode >= 500 {
			code = analysis.CodeAnalysisFailed
			msg = "model temporarily unavailable: " + msg
		}
		return fields, &analysis.Error{Code: code, Message: msg, Status: resp.StatusCode}
	}
	if decodeErr != nil {
		return fields, &analysis.Error{Code: analysis.CodeAnalysisFailed, Message: "malformed model response", Err: decodeErr}
	}

	fields, err = ParseFields(gen.Response)
	if err != nil {
		return fields, &analysis.Error{Code: analysis.CodeAnalysisFailed, Message: "model reply was not the requested JSON", Err: err}
	}
	return fields, nil
}

func spool(payload models.Payload, dir string) (string, error) {
	src, err := payload.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	name := filepath.Base(payload.Name())
	if name == "." || name == string(filepath.Separator) {
		name = "upload"
	}
	path := filepath.Join(dir, name)
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", err
	}
	return path, dst.Close()
}

func encodeImages(paths []string) ([]string, error) {
	images := make([]string, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		images = append(images, base64.StdEncoding.EncodeToString(data))
	}
	return images, nil
}
