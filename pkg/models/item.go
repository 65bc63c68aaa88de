package models

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRetries is the retry ceiling applied when a work item does not set one
const DefaultMaxRetries = 3

// Payload is an opaque handle to the binary video data owned by the caller.
// The queue never reads from it; only the analysis client opens it.
type Payload interface {
	Name() string
	Size() int64
	Open() (io.ReadCloser, error)
}

// AnalysisOptions selects which fields the analysis should extract
type AnalysisOptions struct {
	VisualHook  bool `json:"visualHook" yaml:"visual_hook" mapstructure:"visual_hook"`
	TextHook    bool `json:"textHook" yaml:"text_hook" mapstructure:"text_hook"`
	VoiceHook   bool `json:"voiceHook" yaml:"voice_hook" mapstructure:"voice_hook"`
	VideoScript bool `json:"videoScript" yaml:"video_script" mapstructure:"video_script"`
	PainPoint   bool `json:"painPoint" yaml:"pain_point" mapstructure:"pain_point"`
}

// AllOptions returns options with every extraction field enabled
func AllOptions() AnalysisOptions {
	return AnalysisOptions{
		VisualHook:  true,
		TextHook:    true,
		VoiceHook:   true,
		VideoScript: true,
		PainPoint:   true,
	}
}

// Any reports whether at least one field is requested
func (o AnalysisOptions) Any() bool {
	return o.VisualHook || o.TextHook || o.VoiceHook || o.VideoScript || o.PainPoint
}

// Fields returns the wire names of the requested fields in a stable order
func (o AnalysisOptions) Fields() []string {
	fields := make([]string, 0, 5)
	if o.VisualHook {
		fields = append(fields, "visualHook")
	}
	if o.TextHook {
		fields = append(fields, "textHook")
	}
	if o.VoiceHook {
		fields = append(fields, "voiceHook")
	}
	if o.VideoScript {
		fields = append(fields, "videoScript")
	}
	if o.PainPoint {
		fields = append(fields, "painPoint")
	}
	return fields
}

// WorkItem is one video's pending analysis
type WorkItem struct {
	ID            string          `json:"id"`
	Filename      string          `json:"filename"`
	Size          int64           `json:"size"`
	Payload       Payload         `json:"-"`
	Options       AnalysisOptions `json:"options"`
	RetryCount    int             `json:"retryCount"`
	MaxRetries    int             `json:"maxRetries"`
	CreatedAt     time.Time       `json:"createdAt"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`

	// NotBefore is set while the item waits out a retry backoff
	NotBefore time.Time `json:"-"`
}

var (
	ErrMissingID      = errors.New("work item has no id")
	ErrMissingPayload = errors.New("work item has no payload")
	ErrNoOptions      = errors.New("work item requests no analysis fields")
)

// NewWorkItem creates a work item for the payload with a fresh ID
func NewWorkItem(payload Payload, opts AnalysisOptions) *WorkItem {
	item := &WorkItem{
		ID:         uuid.New().String(),
		Payload:    payload,
		Options:    opts,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  time.Now(),
	}
	if payload != nil {
		item.Filename = payload.Name()
		item.Size = payload.Size()
	}
	return item
}

// Validate checks the item is well-formed enough to enqueue
func (w *WorkItem) Validate() error {
	if w == nil {
		return fmt.Errorf("nil work item")
	}
	if w.ID == "" {
		return ErrMissingID
	}
	if w.Payload == nil {
		return fmt.Errorf("item %s: %w", w.ID, ErrMissingPayload)
	}
	if !w.Options.Any() {
		return fmt.Errorf("item %s: %w", w.ID, ErrNoOptions)
	}
	if w.RetryCount < 0 || w.MaxRetries < 0 {
		return fmt.Errorf("item %s: negative retry bookkeeping", w.ID)
	}
	return nil
}

// Clone returns a copy that shares only the payload handle
func (w *WorkItem) Clone() *WorkItem {
	c := *w
	if w.LastAttemptAt != nil {
		t := *w.LastAttemptAt
		c.LastAttemptAt = &t
	}
	return &c
}

// Meta returns the persistable part of the item
func (w *WorkItem) Meta() ItemMeta {
	return ItemMeta{
		ID:         w.ID,
		Filename:   w.Filename,
		Size:       w.Size,
		RetryCount: w.RetryCount,
	}
}

// FilePayload is a Payload backed by a file on disk
type FilePayload struct {
	Path string
	size int64
}

// NewFilePayload stats path and returns a payload for it
func NewFilePayload(path string) (*FilePayload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat video '%s': %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("'%s' is a directory", path)
	}
	return &FilePayload{Path: path, size: info.Size()}, nil
}

func (p *FilePayload) Name() string { return filepath.Base(p.Path) }

func (p *FilePayload) Size() int64 { return p.size }

func (p *FilePayload) Open() (io.ReadCloser, error) {
	return os.Open(p.Path)
}
