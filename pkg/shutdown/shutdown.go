// Package shutdown runs registered cleanup steps in reverse order
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Step is one named cleanup action
type Step struct {
	Name string
	Fn   func(context.Context) error
}

// Manager handles graceful shutdown
type Manager struct {
	mu      sync.Mutex
	steps   []Step
	timeout time.Duration
	logger  *slog.Logger
	once    sync.Once
}

// New creates a manager whose steps share one timeout
func New(timeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{timeout: timeout, logger: logger}
}

// Register adds a step. Steps run last-registered first.
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, Step{Name: name, Fn: fn})
}

// Wait blocks until SIGINT, SIGTERM or ctx is done
func (m *Manager) Wait(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info("received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
	}
}

// Shutdown runs every step once and returns the first error. Later calls are
// no-ops.
func (m *Manager) Shutdown() error {
	var first error
	m.once.Do(func() {
		m.mu.Lock()
		steps := append([]Step(nil), m.steps...)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		for i := len(steps) - 1; i >= 0; i-- {
			step := steps[i]
			if err := step.Fn(ctx); err != nil {
				m.logger.Error("shutdown step failed", "step", step.Name, "error", err)
				if first == nil {
					first = fmt.Errorf("%s: %w", step.Name, err)
				}
				continue
			}
			m.logger.Debug("shutdown step done", "step", step.Name)
		}
	})
	return first
}

// HTTPServer adapts an http.Server style Shutdown method
func HTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return server.Shutdown
}

// Closer adapts an io.Closer
func Closer(c interface{ Close() error }) func(context.Context) error {
	return func(context.Context) error { return c.Close() }
}
