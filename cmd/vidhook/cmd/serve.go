package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/psantana5/vidhook/internal/cgroups"
	"github.com/psantana5/vidhook/internal/frames"
	"github.com/psantana5/vidhook/internal/ollama"
	"github.com/psantana5/vidhook/pkg/api"
	"github.com/psantana5/vidhook/pkg/auth"
	"github.com/psantana5/vidhook/pkg/clock"
	"github.com/psantana5/vidhook/pkg/metrics"
	"github.com/psantana5/vidhook/pkg/ratelimit"
	"github.com/psantana5/vidhook/pkg/shutdown"
	tlsutil "github.com/psantana5/vidhook/pkg/tls"
	"github.com/psantana5/vidhook/pkg/tracing"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the analysis gateway",
	Long: `Serve POST /api/analyze in front of a local Ollama vision model. Each caller
gets a sliding-window quota, kept in Redis when gateway.redis.addr is set so
several gateway instances share one count.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.String("listen", "", "address to listen on")
	f.String("redis", "", "Redis address for the shared quota store")
	f.String("ollama", "", "Ollama base URL")
	f.String("model", "", "Ollama vision model")

	bindFlag(f.Lookup("listen"), "gateway.listen")
	bindFlag(f.Lookup("redis"), "gateway.redis.addr")
	bindFlag(f.Lookup("ollama"), "gateway.ollama.base_url")
	bindFlag(f.Lookup("model"), "gateway.ollama.model")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, logCloser, err := newLogger("gateway")
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gc := cfg.Gateway
	sm := shutdown.New(15*time.Second, logger)

	tc := cfg.Tracing
	tc.ServiceName = tc.ServiceName + "-gateway"
	tp, err := tracing.Init(ctx, tc, logger)
	if err != nil {
		return err
	}
	sm.Register("tracing", tp.Shutdown)

	// Quota store
	var quota ratelimit.Store
	if gc.Redis.Addr != "" {
		client, err := ratelimit.NewRedisClient(ctx, gc.Redis.Addr, gc.Redis.Password, gc.Redis.DB)
		if err != nil {
			return err
		}
		sm.Register("redis", shutdown.Closer(client))
		quota = ratelimit.NewRedisStore(client, gc.Redis.Prefix, gc.RequestsPerMinute, gc.Window, clock.New())
		logger.Info("using shared quota store", "redis", gc.Redis.Addr)
	} else {
		keyed := ratelimit.NewKeyed(gc.RequestsPerMinute, gc.Window, clock.New())
		go keyed.RunCleanup(ctx, time.Minute, 10*gc.Window)
		quota = keyed
	}

	var keys *auth.KeyRing
	if len(gc.Keys) > 0 {
		keys = auth.NewKeyRing(gc.Keys...)
		logger.Info("api keys loaded", "count", keys.Len())
	} else {
		logger.Warn("no api keys configured, accepting anonymous callers")
	}

	var burst *ratelimit.BurstLimiter
	if gc.BurstRPS > 0 && gc.Burst > 0 {
		burst = ratelimit.NewBurstLimiter(gc.BurstRPS, gc.Burst)
	}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if burst != nil {
					if n := burst.CleanupOldLimiters(30 * time.Minute); n > 0 {
						logger.Debug("dropped idle burst limiters", "count", n)
					}
				}
				if keys != nil {
					if n := keys.CleanupExpired(); n > 0 {
						logger.Info("expired api keys removed", "count", n)
					}
				}
			}
		}
	}()

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithTracing(tp),
	}
	if burst != nil {
		opts = append(opts, api.WithBurstLimiter(burst))
	}
	if keys != nil {
		opts = append(opts, api.WithKeyRing(keys))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewHostCollector(),
	)
	opts = append(opts, api.WithMetrics(metrics.NewHTTPMetrics(reg), reg))

	extractor := &frames.Extractor{
		FFmpegPath: gc.Frames.FFmpegPath,
		Interval:   gc.Frames.Interval,
		MaxFrames:  gc.Frames.MaxFrames,
		Width:      gc.Frames.Width,
		Limits:     gc.Frames.Limits,
	}
	if !gc.Frames.Limits.Empty() {
		extractor.Cgroups = cgroups.NewManager(gc.Frames.CgroupRoot)
		logger.Info("ffmpeg runs confined", "cgroup_version", extractor.Cgroups.Version(),
			"cpu_max", gc.Frames.Limits.CPUMax, "memory_max", gc.Frames.Limits.MemoryMax)
	}
	backend := ollama.New(gc.Ollama, extractor, logger)
	gw := api.New(backend, quota, gc.Config, opts...)

	srv := &http.Server{
		Addr:              gc.Listen,
		Handler:           gw.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      gc.BackendTimeout + 30*time.Second,
	}
	if gc.TLS.Enabled() {
		generated, err := tlsutil.EnsureSelfSigned(gc.TLS, "vidhook-gateway")
		if err != nil {
			return err
		}
		if generated {
			logger.Warn("generated self-signed certificate", "cert", gc.TLS.CertFile)
		}
		if srv.TLSConfig, err = tlsutil.ServerConfig(gc.TLS); err != nil {
			return err
		}
	}
	sm.Register("http server", shutdown.HTTPServer(srv))

	waitCtx, stopWait := context.WithCancel(ctx)
	defer stopWait()

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", gc.Listen, "tls", srv.TLSConfig != nil,
			"model", gc.Ollama.Model, "rpm", gc.RequestsPerMinute)
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
			stopWait()
		}
	}()

	sm.Wait(waitCtx)
	cancel()
	shutdownErr := sm.Shutdown()

	select {
	case err := <-listenErr:
		return err
	default:
		return shutdownErr
	}
}
