// Package config loads vidhook settings from ~/.vidhook/config.yaml,
// VIDHOOK_* environment variables and command flags, in rising priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/vidhook/internal/cgroups"
	"github.com/psantana5/vidhook/internal/ollama"
	"github.com/psantana5/vidhook/pkg/analysis"
	"github.com/psantana5/vidhook/pkg/api"
	"github.com/psantana5/vidhook/pkg/auth"
	"github.com/psantana5/vidhook/pkg/logging"
	"github.com/psantana5/vidhook/pkg/models"
	"github.com/psantana5/vidhook/pkg/persistence"
	"github.com/psantana5/vidhook/pkg/queue"
	tlsutil "github.com/psantana5/vidhook/pkg/tls"
	"github.com/psantana5/vidhook/pkg/tracing"
)

// EnvPrefix prefixes every environment override, e.g. VIDHOOK_QUEUE_WINDOW
const EnvPrefix = "VIDHOOK"

// Config is the full settings tree
type Config struct {
	Endpoint    string            `mapstructure:"endpoint"`
	APIKey      string            `mapstructure:"api_key"`
	TLS         tlsutil.Config    `mapstructure:"tls"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Export      ExportConfig      `mapstructure:"export"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	Logging     logging.Config    `mapstructure:"logging"`
	Tracing     tracing.Config    `mapstructure:"tracing"`
}

// QueueConfig mirrors queue.Config with flat retry settings
type QueueConfig struct {
	MaxRequestsPerMinute int           `mapstructure:"max_requests_per_minute"`
	Window               time.Duration `mapstructure:"window"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	MaxRetries           int           `mapstructure:"max_retries"`
	InitialBackoff       time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff           time.Duration `mapstructure:"max_backoff"`
	BackoffMultiplier    float64       `mapstructure:"backoff_multiplier"`
	TransientKeywords    []string      `mapstructure:"transient_keywords"` // added to the built-in table
	NetworkKeywords      []string      `mapstructure:"network_keywords"`
}

// PersistenceConfig selects the snapshot store
type PersistenceConfig struct {
	persistence.Config `mapstructure:",squash"`
	AutosaveInterval   time.Duration `mapstructure:"autosave_interval"`
}

// ExportConfig names the result sinks; empty values disable a sink
type ExportConfig struct {
	CSV         string `mapstructure:"csv"`
	JSON        string `mapstructure:"json"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	Table       bool   `mapstructure:"table"`
}

// GatewayConfig configures `vidhook serve`
type GatewayConfig struct {
	api.Config `mapstructure:",squash"`

	Listen string         `mapstructure:"listen"`
	TLS    tlsutil.Config `mapstructure:"tls"`
	Redis  RedisConfig    `mapstructure:"redis"`
	Keys   []auth.KeyInfo `mapstructure:"keys"`
	Ollama ollama.Config  `mapstructure:"ollama"`
	Frames FramesConfig   `mapstructure:"frames"`
}

// RedisConfig enables the shared quota store when Addr is set
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// FramesConfig controls ffmpeg sampling for the Ollama backend
type FramesConfig struct {
	FFmpegPath string         `mapstructure:"ffmpeg_path"`
	Interval   int            `mapstructure:"interval"`
	MaxFrames  int            `mapstructure:"max_frames"`
	Width      int            `mapstructure:"width"`
	CgroupRoot string         `mapstructure:"cgroup_root"`
	Limits     cgroups.Limits `mapstructure:"limits"`
}

// Dir returns ~/.vidhook
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to find home directory: %w", err)
	}
	return filepath.Join(home, ".vidhook"), nil
}

// New returns a viper instance carrying every default and env binding
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	q := queue.DefaultConfig()
	gw := api.DefaultConfig()
	ol := ollama.DefaultConfig()

	v.SetDefault("endpoint", "http://localhost:8080")
	v.SetDefault("api_key", "")

	v.SetDefault("queue.max_requests_per_minute", q.MaxRequestsPerMinute)
	v.SetDefault("queue.window", q.Window.String())
	v.SetDefault("queue.request_timeout", q.RequestTimeout.String())
	v.SetDefault("queue.max_retries", q.Retry.MaxRetries)
	v.SetDefault("queue.initial_backoff", q.Retry.InitialBackoff.String())
	v.SetDefault("queue.max_backoff", q.Retry.MaxBackoff.String())
	v.SetDefault("queue.backoff_multiplier", q.Retry.BackoffMultiplier)
	v.SetDefault("queue.transient_keywords", []string{})
	v.SetDefault("queue.network_keywords", []string{})

	v.SetDefault("persistence.type", "file")
	v.SetDefault("persistence.path", "")
	v.SetDefault("persistence.sync", false)
	v.SetDefault("persistence.autosave_interval", "5s")

	v.SetDefault("export.csv", "")
	v.SetDefault("export.json", "")
	v.SetDefault("export.postgres_dsn", "")
	v.SetDefault("export.table", true)

	v.SetDefault("gateway.listen", ":8080")
	v.SetDefault("gateway.max_upload_bytes", gw.MaxUploadBytes)
	v.SetDefault("gateway.requests_per_minute", gw.RequestsPerMinute)
	v.SetDefault("gateway.window", gw.Window.String())
	v.SetDefault("gateway.burst_rps", gw.BurstRPS)
	v.SetDefault("gateway.burst", gw.Burst)
	v.SetDefault("gateway.backend_timeout", gw.BackendTimeout.String())
	v.SetDefault("gateway.redis.addr", "")
	v.SetDefault("gateway.redis.password", "")
	v.SetDefault("gateway.redis.db", 0)
	v.SetDefault("gateway.redis.prefix", "vidhook:quota")
	v.SetDefault("gateway.keys", []map[string]any{})
	v.SetDefault("gateway.ollama.base_url", ol.BaseURL)
	v.SetDefault("gateway.ollama.model", ol.Model)
	v.SetDefault("gateway.ollama.work_dir", "")
	v.SetDefault("gateway.frames.ffmpeg_path", "ffmpeg")
	v.SetDefault("gateway.frames.interval", 5)
	v.SetDefault("gateway.frames.max_frames", 8)
	v.SetDefault("gateway.frames.width", 768)
	v.SetDefault("gateway.frames.cgroup_root", cgroups.DefaultRoot)
	v.SetDefault("gateway.frames.limits.cpu_max", "")
	v.SetDefault("gateway.frames.limits.cpu_weight", 0)
	v.SetDefault("gateway.frames.limits.memory_max", 0)

	for _, prefix := range []string{"tls", "gateway.tls"} {
		v.SetDefault(prefix+".cert_file", "")
		v.SetDefault(prefix+".key_file", "")
		v.SetDefault(prefix+".ca_file", "")
	}
	v.SetDefault("gateway.tls.require_client_cert", false)
	v.SetDefault("gateway.tls.self_signed", false)
	v.SetDefault("gateway.tls.hosts", []string{})

	lg := logging.DefaultConfig()
	v.SetDefault("logging.level", lg.Level)
	v.SetDefault("logging.format", lg.Format)
	v.SetDefault("logging.file", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "vidhook")
	v.SetDefault("tracing.service_version", "dev")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4318")
}

// Load reads path, or ~/.vidhook/config.yaml when path is empty. A missing
// default file is not an error; a missing explicit file is.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		dir, err := Dir()
		if err != nil {
			return nil, err
		}
		v.AddConfigPath(dir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the scheduler cannot run with
func (c *Config) Validate() error {
	if c.Queue.MaxRequestsPerMinute <= 0 {
		return fmt.Errorf("queue.max_requests_per_minute must be positive, got %d", c.Queue.MaxRequestsPerMinute)
	}
	if c.Queue.Window <= 0 {
		return fmt.Errorf("queue.window must be positive, got %s", c.Queue.Window)
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative, got %d", c.Queue.MaxRetries)
	}
	if c.Queue.BackoffMultiplier < 1 {
		return fmt.Errorf("queue.backoff_multiplier must be at least 1, got %v", c.Queue.BackoffMultiplier)
	}
	if (c.Gateway.TLS.CertFile == "") != (c.Gateway.TLS.KeyFile == "") {
		return errors.New("gateway.tls needs both cert_file and key_file")
	}
	if err := c.Gateway.Frames.Limits.Validate(); err != nil {
		return fmt.Errorf("gateway.frames.limits: %w", err)
	}
	switch c.Persistence.Type {
	case "", "file", "json", "sqlite", "sqlite3", "none":
	default:
		return fmt.Errorf("persistence.type '%s' is not supported", c.Persistence.Type)
	}
	return nil
}

// SchedulerConfig converts the queue section into scheduler settings
func (c *Config) SchedulerConfig() queue.Config {
	q := c.Queue
	return queue.Config{
		MaxRequestsPerMinute: q.MaxRequestsPerMinute,
		Window:               q.Window,
		RequestTimeout:       q.RequestTimeout,
		Retry: models.RetryPolicy{
			MaxRetries:        q.MaxRetries,
			InitialBackoff:    q.InitialBackoff,
			MaxBackoff:        q.MaxBackoff,
			BackoffMultiplier: q.BackoffMultiplier,
		},
		Policy: analysis.DefaultPolicy().Extend(q.TransientKeywords, q.NetworkKeywords),
	}
}

// SnapshotPath returns the persistence path, defaulting into ~/.vidhook
func (c *Config) SnapshotPath() (string, error) {
	if c.Persistence.Path != "" {
		return c.Persistence.Path, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	name := "queue.json"
	if strings.HasPrefix(c.Persistence.Type, "sqlite") {
		name = "queue.db"
	}
	return filepath.Join(dir, name), nil
}

// DefaultsYAML renders every default setting as YAML
func DefaultsYAML() ([]byte, error) {
	v := viper.New()
	setDefaults(v)
	return yaml.Marshal(v.AllSettings())
}

// WriteDefaults writes the default config to path unless it already exists
func WriteDefaults(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	data, err := DefaultsYAML()
	if err != nil {
		return fmt.Errorf("failed to render defaults: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}
