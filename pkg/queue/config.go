package queue

import (
	"time"

	"github.com/psantana5/vidhook/pkg/analysis"
	"github.com/psantana5/vidhook/pkg/models"
	"github.com/psantana5/vidhook/pkg/ratelimit"
)

// Config controls dispatch pacing, timeouts and retries
type Config struct {
	MaxRequestsPerMinute int                // Quota ceiling for the sliding window
	Window               time.Duration      // Quota window length
	RequestTimeout       time.Duration      // Deadline for one remote call
	Retry                models.RetryPolicy // Backoff between retries of one item
	Policy               analysis.Policy    // Keyword tables for failure classification
}

// DefaultConfig returns the default queue configuration
func DefaultConfig() Config {
	return Config{
		MaxRequestsPerMinute: 10,
		Window:               ratelimit.DefaultWindow,
		RequestTimeout:       120 * time.Second,
		Retry:                *models.DefaultRetryPolicy(),
		Policy:               analysis.DefaultPolicy(),
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MaxRequestsPerMinute <= 0 {
		c.MaxRequestsPerMinute = def.MaxRequestsPerMinute
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.Retry.InitialBackoff <= 0 {
		c.Retry = def.Retry
	}
	if c.Retry.BackoffMultiplier < 1 {
		c.Retry.BackoffMultiplier = def.Retry.BackoffMultiplier
	}
	if len(c.Policy.TransientKeywords) == 0 && len(c.Policy.NetworkKeywords) == 0 {
		c.Policy = def.Policy
	}
}
