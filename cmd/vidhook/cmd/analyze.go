package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/psantana5/vidhook/pkg/analysis"
	"github.com/psantana5/vidhook/pkg/export"
	"github.com/psantana5/vidhook/pkg/metrics"
	"github.com/psantana5/vidhook/pkg/models"
	"github.com/psantana5/vidhook/pkg/persistence"
	"github.com/psantana5/vidhook/pkg/queue"
	tlsutil "github.com/psantana5/vidhook/pkg/tls"
	"github.com/psantana5/vidhook/pkg/tracing"
)

var (
	analyzeFields      string
	analyzeRetryRounds int
	analyzeMetricsAddr string
	analyzeNoPersist   bool
)

// analyzeCmd represents the analyze command
var analyzeCmd = &cobra.Command{
	Use:   "analyze <video|dir>...",
	Short: "Analyze videos through the gateway",
	Long: `Queue every video given (directories are scanned one level deep) and send them
to the analysis gateway one at a time. Requests are paced to the configured
per-minute quota. Ctrl-C finishes the video in flight and stops; a second
Ctrl-C stops immediately.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)

	f := analyzeCmd.Flags()
	f.StringVar(&analyzeFields, "fields", "all", "comma separated fields: visual,text,voice,script,pain or all")
	f.IntVar(&analyzeRetryRounds, "retry-rounds", 0, "re-run terminally failed videos this many extra times")
	f.StringVar(&analyzeMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	f.BoolVar(&analyzeNoPersist, "no-persist", false, "do not save queue state between runs")
	f.String("csv", "", "write results to this CSV file")
	f.String("json", "", "write results to this JSON file")
	f.String("postgres", "", "upsert results into this PostgreSQL DSN")
	f.Int("rpm", 0, "requests allowed per minute")

	bindFlag(f.Lookup("csv"), "export.csv")
	bindFlag(f.Lookup("json"), "export.json")
	bindFlag(f.Lookup("postgres"), "export.postgres_dsn")
	bindFlag(f.Lookup("rpm"), "queue.max_requests_per_minute")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	logger, logCloser, err := newLogger("cli")
	if err != nil {
		return err
	}
	defer logCloser.Close()

	opts, err := parseFields(analyzeFields)
	if err != nil {
		return err
	}
	items, err := collectItems(args, opts, logger)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("no video files found in %s", strings.Join(args, ", "))
	}

	ctx := context.Background()
	tp, err := tracing.Init(ctx, cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	clientOpts := []analysis.Option{
		analysis.WithAPIKey(cfg.APIKey),
		analysis.WithLogger(logger),
	}
	hc, err := tlsutil.HTTPClient(cfg.TLS, 0)
	if err != nil {
		return err
	}
	if hc != nil {
		clientOpts = append(clientOpts, analysis.WithHTTPClient(hc))
	}
	client := analysis.NewHTTPClient(cfg.Endpoint, clientOpts...)
	sched := queue.New(client, nil, cfg.SchedulerConfig(), queue.WithLogger(logger))
	defer sched.Close()

	// Persistence
	if !analyzeNoPersist && cfg.Persistence.Type != "none" {
		autosaver, closeStore, err := openAutosaver(ctx, sched, logger)
		if err != nil {
			logger.Warn("queue state will not be saved", "error", err)
		} else {
			defer closeStore()
			defer autosaver.Stop()
			sched.Subscribe(autosaver)
		}
	}

	// Sinks
	sink, results, closeSinks, err := openSinks(ctx)
	if err != nil {
		return err
	}
	defer closeSinks()
	sched.Subscribe(export.NewObserver(sink, logger))

	// Metrics
	if analyzeMetricsAddr != "" {
		stopMetrics := serveQueueMetrics(sched, logger)
		defer stopMetrics()
	}

	done := make(chan struct{}, 1)
	sched.Subscribe(queue.ObserverFuncs{
		Status: func(s models.QueueStatus) {
			if s.Complete || s.State == models.QueueStateStopped {
				select {
				case done <- struct{}{}:
				default:
				}
			}
		},
		ItemStatus: func(id string, status models.ResultStatus) {
			if !IsJSONOutput() {
				logger.Debug("item status", "id", id, "status", status)
			}
		},
		Result: func(r models.AnalysisResult) {
			if IsJSONOutput() {
				return
			}
			if r.Status == models.ResultStatusCompleted {
				fmt.Fprintf(os.Stderr, "✓ %s (%d ms)\n", r.Filename, r.ProcessingTime)
			} else {
				fmt.Fprintf(os.Stderr, "✗ %s: %s\n", r.Filename, r.Error)
			}
		},
		RateLimit: func(info models.RateLimitInfo) {
			logQuota(logger, info)
		},
	})

	if err := sched.Enqueue(items...); err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}
	logger.Info("queue started", "videos", len(items), "rpm", cfg.Queue.MaxRequestsPerMinute,
		"estimated_wait", (time.Duration(sched.Status().EstimatedWaitTime) * time.Second).String())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	rounds := analyzeRetryRounds
wait:
	for {
		select {
		case <-done:
			if rounds > 0 && len(sched.Failed()) > 0 {
				rounds--
				n, err := sched.RetryFailed()
				if err != nil {
					return err
				}
				logger.Info("retrying failed videos", "count", n, "rounds_left", rounds)
				continue
			}
			break wait
		case <-sigCh:
			logger.Info("finishing the video in flight, press Ctrl-C again to stop now")
			drainCtx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-sigCh:
					cancel()
				case <-drainCtx.Done():
				}
			}()
			err := sched.Drain(drainCtx)
			cancel()
			if err != nil {
				sched.Stop()
			}
			break wait
		}
	}

	if err := sink.Flush(); err != nil {
		logger.Error("failed to flush results", "error", err)
	}
	return printSummary(sched, results.snapshot())
}

// parseFields turns "visual,text" into analysis options
func parseFields(s string) (models.AnalysisOptions, error) {
	var opts models.AnalysisOptions
	for _, f := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(f)) {
		case "all":
			opts = models.AllOptions()
		case "visual", "visual_hook", "visualhook":
			opts.VisualHook = true
		case "text", "text_hook", "texthook":
			opts.TextHook = true
		case "voice", "voice_hook", "voicehook":
			opts.VoiceHook = true
		case "script", "video_script", "videoscript":
			opts.VideoScript = true
		case "pain", "pain_point", "painpoint":
			opts.PainPoint = true
		case "":
		default:
			return opts, fmt.Errorf("unknown field '%s'", f)
		}
	}
	if !opts.Any() {
		return opts, errors.New("--fields selects nothing")
	}
	return opts, nil
}

func collectItems(args []string, opts models.AnalysisOptions, logger *slog.Logger) ([]*models.WorkItem, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to stat '%s': %w", arg, err)
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to read directory '%s': %w", arg, err)
		}
		for _, e := range entries {
			if !e.IsDir() && analysis.IsVideoType("", e.Name()) {
				paths = append(paths, filepath.Join(arg, e.Name()))
			}
		}
	}
	sort.Strings(paths)

	seen := make(map[string]bool)
	var items []*models.WorkItem
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err == nil {
			if seen[abs] {
				continue
			}
			seen[abs] = true
		}
		if !analysis.IsVideoType("", p) {
			logger.Warn("skipping file with unknown video extension", "file", p)
			continue
		}
		payload, err := models.NewFilePayload(p)
		if err != nil {
			return nil, err
		}
		item := models.NewWorkItem(payload, opts)
		item.MaxRetries = cfg.Queue.MaxRetries
		items = append(items, item)
	}
	return items, nil
}

func openAutosaver(ctx context.Context, sched *queue.Scheduler, logger *slog.Logger) (*persistence.Autosaver, func(), error) {
	path, err := cfg.SnapshotPath()
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, nil, err
	}
	pc := cfg.Persistence.Config
	pc.Path = path
	store, err := persistence.NewStore(pc)
	if err != nil {
		return nil, nil, err
	}

	adapter := persistence.NewAdapter(store, nil, logger)
	if snap := adapter.Restore(ctx, sched); snap != nil {
		logger.Info("restored previous session",
			"completed", snap.Statistics.CompletedCount, "errors", snap.Statistics.ErrorCount)
	}

	autosaver := persistence.NewAutosaver(adapter, sched, cfg.Persistence.AutosaveInterval)
	autosaver.Start(ctx)
	return autosaver, func() { store.Close() }, nil
}

// resultLog keeps every terminal result for the final summary
type resultLog struct {
	mu      sync.Mutex
	results []models.AnalysisResult
}

func (l *resultLog) AddResult(_ context.Context, r models.AnalysisResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, r)
	return nil
}

func (l *resultLog) Flush() error { return nil }

func (l *resultLog) snapshot() []models.AnalysisResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.AnalysisResult(nil), l.results...)
}

func openSinks(ctx context.Context) (export.Sink, *resultLog, func(), error) {
	results := &resultLog{}
	sinks := export.Multi{results}
	var closers []func() error

	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if path := cfg.Export.CSV; path != "" {
		f, err := os.Create(path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create CSV file: %w", err)
		}
		closers = append(closers, f.Close)
		sinks = append(sinks, export.NewCSVSink(f))
	}
	if path := cfg.Export.JSON; path != "" {
		sinks = append(sinks, export.NewJSONSink(path))
	}
	if dsn := cfg.Export.PostgresDSN; dsn != "" {
		pg, err := export.NewPostgresSink(ctx, dsn)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		closers = append(closers, pg.Close)
		sinks = append(sinks, pg)
	}
	if cfg.Export.Table && !IsJSONOutput() {
		sinks = append(sinks, export.NewTableSink(os.Stdout, 40))
	}
	return sinks, results, closeAll, nil
}

func serveQueueMetrics(sched *queue.Scheduler, logger *slog.Logger) func() {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	unsubscribe := sched.Subscribe(metrics.NewQueueCollector(reg))

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: analyzeMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", analyzeMetricsAddr)

	return func() {
		unsubscribe()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func printSummary(sched *queue.Scheduler, results []models.AnalysisResult) error {
	stats := sched.Statistics()
	failed := sched.Failed()
	pending := sched.Pending()

	if IsJSONOutput() {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"results":    results,
			"statistics": stats,
			"rateLimit":  sched.RateLimit(),
			"failed":     failed,
			"unfinished": pending,
		})
	}

	fmt.Println()
	renderStats(stats, sched.RateLimit())
	if len(pending) > 0 {
		fmt.Printf("\n%d videos were not processed:\n", len(pending))
		for _, p := range pending {
			fmt.Printf("  %s\n", p.Filename)
		}
	}
	return nil
}

// logQuota reports quota updates. Only an exhausted quota is worth Info.
func logQuota(logger *slog.Logger, info models.RateLimitInfo) {
	level := slog.LevelDebug
	msg := "quota update"
	if info.Remaining == 0 {
		level = slog.LevelInfo
		msg = "waiting for quota"
	}
	logger.Log(context.Background(), level, msg, "remaining", info.Remaining, "reset", info.ResetTime.Format(time.TimeOnly))
}
