// Package logging builds the slog loggers used by every vidhook command
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lmittmann/tint"
)

// Config selects level, format and an optional log file
type Config struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text or json
	File   bool   `mapstructure:"file" yaml:"file"`     // also write to the component log file
}

// DefaultConfig logs at info in colored text to stderr
func DefaultConfig() Config {
	return Config{Level: "info", Format: "text"}
}

// ParseLevel maps a level name to a slog level
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level '%s'", s)
	}
}

// NewHandler returns a tint handler for text or a JSON handler for json
func NewHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05",
		NoColor:    !isTerminal(w),
	})
}

// New builds the logger for component. The returned closer releases the log
// file when one was opened.
func New(component string, cfg Config) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	path := ""
	if cfg.File {
		f, p, err := OpenLogFile(component)
		if err != nil {
			return nil, nil, err
		}
		out = io.MultiWriter(os.Stderr, f)
		closer = f
		path = p
	}

	logger := slog.New(NewHandler(out, cfg.Format, level)).With("component", component)
	if path != "" {
		logger.Debug("logging to file", "path", path)
	}
	return logger, closer, nil
}

// OpenLogFile opens /var/log/vidhook/<component>/<component>.log for append,
// falling back to ./logs when /var/log is not writable.
func OpenLogFile(component string) (*os.File, string, error) {
	baseDir := "/var/log/vidhook"
	if !isWritable(baseDir) {
		baseDir = "./logs"
	}

	logDir := filepath.Join(baseDir, component)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, "", fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}

	logPath := filepath.Join(logDir, component+".log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}
	return f, logPath, nil
}

// isWritable checks if a directory is writable, creating it if needed
func isWritable(dir string) bool {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false
	}
	probe := filepath.Join(dir, ".write_test")
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
