// Package frames grabs still images from a video with ffmpeg
package frames

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/psantana5/vidhook/internal/cgroups"
)

// ErrNoFrames is returned when ffmpeg ran but produced no images
var ErrNoFrames = errors.New("no frames extracted")

// Extractor runs ffmpeg to sample one frame every Interval seconds
type Extractor struct {
	FFmpegPath string
	Interval   int // seconds between frames
	MaxFrames  int // 0 means no cap
	Width      int // scale to this width, keeping aspect; 0 keeps the source size

	// Cgroups, when set, confines each ffmpeg run to Limits
	Cgroups *cgroups.Manager
	Limits  cgroups.Limits
}

// DefaultExtractor returns an extractor that samples every 5 seconds, up to 8 frames
func DefaultExtractor() *Extractor {
	return &Extractor{
		FFmpegPath: "ffmpeg",
		Interval:   5,
		MaxFrames:  8,
		Width:      768,
	}
}

// Extract writes JPEG frames of videoPath into outputDir and returns their
// paths in timeline order.
func (e *Extractor) Extract(ctx context.Context, videoPath, outputDir string) ([]string, error) {
	if _, err := os.Stat(videoPath); err != nil {
		return nil, fmt.Errorf("video file does not exist at path '%s': %w", videoPath, err)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create frame directory '%s': %w", outputDir, err)
	}

	if err := e.run(ctx, videoPath, outputDir); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory '%s': %w", outputDir, err)
	}

	var frames []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(strings.ToLower(entry.Name()), ".jpg") {
			frames = append(frames, filepath.Join(outputDir, entry.Name()))
		}
	}
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}
	sort.Strings(frames)
	if e.MaxFrames > 0 && len(frames) > e.MaxFrames {
		frames = frames[:e.MaxFrames]
	}
	return frames, nil
}

func (e *Extractor) run(ctx context.Context, videoPath, outputDir string) error {
	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, e.binary(), e.args(videoPath, outputDir)...)
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	if e.Cgroups != nil {
		pid := cmd.Process.Pid
		// unconfined on failure
		group, _ := e.Cgroups.Apply(fmt.Sprintf("extract-%d", pid), pid, e.Limits)
		defer e.Cgroups.Remove(group)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg failed: %w\nOutput: %s", err, tail(output.Bytes(), 2048))
	}
	return nil
}

func (e *Extractor) binary() string {
	if e.FFmpegPath == "" {
		return "ffmpeg"
	}
	return e.FFmpegPath
}

func (e *Extractor) args(videoPath, outputDir string) []string {
	interval := e.Interval
	if interval <= 0 {
		interval = 1
	}
	filter := fmt.Sprintf("fps=1/%d", interval)
	if e.Width > 0 {
		filter += fmt.Sprintf(",scale=%d:-2", e.Width)
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-i", videoPath, "-vf", filter}
	if e.MaxFrames > 0 {
		args = append(args, "-frames:v", fmt.Sprintf("%d", e.MaxFrames))
	}
	return append(args, filepath.Join(outputDir, "frame_%04d.jpg"))
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
