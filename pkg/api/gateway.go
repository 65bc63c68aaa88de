// Package api is the HTTP gateway that fronts an analysis backend with
// upload validation and a per-caller sliding-window quota.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/psantana5/vidhook/pkg/analysis"
	"github.com/psantana5/vidhook/pkg/auth"
	"github.com/psantana5/vidhook/pkg/clock"
	"github.com/psantana5/vidhook/pkg/metrics"
	"github.com/psantana5/vidhook/pkg/middleware"
	"github.com/psantana5/vidhook/pkg/models"
	"github.com/psantana5/vidhook/pkg/ratelimit"
	"github.com/psantana5/vidhook/pkg/tracing"
)

// Config controls upload limits and quotas
type Config struct {
	MaxUploadBytes    int64         `mapstructure:"max_upload_bytes" yaml:"max_upload_bytes"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Window            time.Duration `mapstructure:"window" yaml:"window"`
	BurstRPS          float64       `mapstructure:"burst_rps" yaml:"burst_rps"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
	BackendTimeout    time.Duration `mapstructure:"backend_timeout" yaml:"backend_timeout"`
}

// DefaultConfig returns the gateway defaults
func DefaultConfig() Config {
	return Config{
		MaxUploadBytes:    100 << 20,
		RequestsPerMinute: 10,
		Window:            ratelimit.DefaultWindow,
		BurstRPS:          1,
		Burst:             3,
		BackendTimeout:    120 * time.Second,
	}
}

// Memory held for a multipart form before parts spill to disk
const formMemory = 8 << 20

// Gateway serves POST /api/analyze
type Gateway struct {
	cfg      Config
	backend  analysis.Client
	quota    ratelimit.Store
	burst    *ratelimit.BurstLimiter
	keys     *auth.KeyRing
	metrics  *metrics.HTTPMetrics
	gatherer prometheus.Gatherer
	tracer   *tracing.Provider
	clock    clock.Clock
	logger   *slog.Logger
	started  time.Time
}

// Option configures a Gateway
type Option func(*Gateway)

// WithKeyRing requires a valid API key on /api routes
func WithKeyRing(kr *auth.KeyRing) Option {
	return func(g *Gateway) { g.keys = kr }
}

// WithMetrics instruments the router and serves g at /metrics
func WithMetrics(m *metrics.HTTPMetrics, gatherer prometheus.Gatherer) Option {
	return func(g *Gateway) {
		g.metrics = m
		g.gatherer = gatherer
	}
}

// WithTracing wraps the router in server spans
func WithTracing(p *tracing.Provider) Option {
	return func(g *Gateway) { g.tracer = p }
}

// WithBurstLimiter replaces the default burst limiter
func WithBurstLimiter(l *ratelimit.BurstLimiter) Option {
	return func(g *Gateway) { g.burst = l }
}

// WithClock sets the clock used for quota snapshots
func WithClock(c clock.Clock) Option {
	return func(g *Gateway) { g.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New creates a gateway in front of backend. A nil quota store gets an
// in-process keyed window.
func New(backend analysis.Client, quota ratelimit.Store, cfg Config, opts ...Option) *Gateway {
	def := DefaultConfig()
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = def.MaxUploadBytes
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = def.BackendTimeout
	}

	g := &Gateway{
		cfg:     cfg,
		backend: backend,
		quota:   quota,
		clock:   clock.Real{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.quota == nil {
		g.quota = ratelimit.NewKeyed(cfg.RequestsPerMinute, cfg.Window, g.clock)
	}
	if g.burst == nil && cfg.BurstRPS > 0 && cfg.Burst > 0 {
		g.burst = ratelimit.NewBurstLimiter(cfg.BurstRPS, cfg.Burst)
	}
	g.logger = g.logger.With("component", "gateway")
	g.started = g.clock.Now()
	return g
}

// Router builds the route table
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestID)
	if g.tracer != nil {
		r.Use(tracing.HTTPMiddleware(g.tracer))
	}
	if g.metrics != nil {
		r.Use(g.metrics.Middleware)
	}

	r.HandleFunc("/health", g.Health).Methods(http.MethodGet)
	if g.gatherer != nil {
		r.Handle("/metrics", metrics.Handler(g.gatherer)).Methods(http.MethodGet)
	}

	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.Use(middleware.Authenticate(g.keys, g.rejectAuth))
	if g.burst != nil {
		apiRouter.Use(g.burst.Middleware(middleware.GetCallerID, g.rejectBurst))
	}
	apiRouter.HandleFunc("/analyze", g.Analyze).Methods(http.MethodPost)
	return r
}

// Health reports liveness
func (g *Gateway) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":                 "healthy",
		"uptime_seconds":         int(g.clock.Now().Sub(g.started).Seconds()),
		"memory_available_bytes": metrics.MemoryAvailable(),
	})
}

// Analyze validates an upload, charges the caller's quota and forwards the
// video to the backend.
func (g *Gateway) Analyze(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetCallerID(r)
	logger := g.logger.With("caller", caller, "request_id", middleware.GetRequestID(r))

	decision, err := g.quota.Reserve(r.Context(), caller)
	if err != nil {
		logger.Error("quota store failed", "error", err)
		g.writeError(w, nil, analysis.NewError(analysis.CodeAnalysisFailed, "rate limiter unavailable, try again"))
		return
	}
	info := g.quotaInfo(decision)
	analysis.SetRateLimitHeaders(w.Header(), info)

	if !decision.Allowed {
		ae := analysis.NewError(analysis.CodeRateLimitExceeded,
			fmt.Sprintf("rate limit of %d requests per %s exceeded", g.quota.Limit(), g.cfg.Window))
		ae.RetryAfter = time.Duration(decision.RetryAfterSeconds()) * time.Second
		g.writeError(w, &info, ae)
		return
	}

	payload, opts, ae := g.readUpload(w, r)
	if ae != nil {
		logger.Info("rejected upload", "code", ae.Code, "error", ae.Message)
		g.writeError(w, &info, ae)
		return
	}
	if g.metrics != nil {
		g.metrics.Upload(payload.Size())
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.BackendTimeout)
	defer cancel()

	start := time.Now()
	resp, err := g.backend.Analyze(ctx, payload, opts)
	if err != nil {
		ae := backendError(err)
		logger.Warn("analysis failed", "file", payload.Name(), "code", ae.Code, "error", err)
		g.writeError(w, &info, ae)
		return
	}

	processing := resp.ProcessingTime
	if processing <= 0 {
		processing = time.Since(start).Milliseconds()
	}
	logger.Info("analysis complete", "file", payload.Name(), "processing_ms", processing)

	writeJSON(w, http.StatusOK, analysis.Envelope{
		Success: true,
		Data: &analysis.EnvelopeData{
			AnalysisFields: resp.Fields.Filter(opts),
			ProcessingTime: processing,
		},
		RateLimit: &info,
	})
}

func (g *Gateway) readUpload(w http.ResponseWriter, r *http.Request) (*uploadPayload, models.AnalysisOptions, *analysis.Error) {
	var opts models.AnalysisOptions

	// Form fields and part headers ride on top of the video itself
	r.Body = http.MaxBytesReader(w, r.Body, g.cfg.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(formMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, opts, g.tooLarge()
		}
		return nil, opts, &analysis.Error{Code: analysis.CodeInvalidOptions, Message: "malformed multipart form", Err: err}
	}

	files := r.MultipartForm.File["video"]
	if len(files) == 0 {
		return nil, opts, analysis.NewError(analysis.CodeMissingPayload, "no video file in form field 'video'")
	}
	fh := files[0]
	if fh.Size > g.cfg.MaxUploadBytes {
		return nil, opts, g.tooLarge()
	}
	if !analysis.IsVideoType(fh.Header.Get("Content-Type"), fh.Filename) {
		return nil, opts, analysis.NewError(analysis.CodeUnsupportedFormat,
			fmt.Sprintf("'%s' is not a supported video format", fh.Filename))
	}

	raw := r.FormValue("options")
	if raw == "" {
		return nil, opts, analysis.NewError(analysis.CodeInvalidOptions, "missing options")
	}
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return nil, opts, &analysis.Error{Code: analysis.CodeInvalidOptions, Message: "options are not valid JSON", Err: err}
	}
	if !opts.Any() {
		return nil, opts, analysis.NewError(analysis.CodeInvalidOptions, "at least one analysis option must be enabled")
	}

	return &uploadPayload{fh: fh}, opts, nil
}

func (g *Gateway) tooLarge() *analysis.Error {
	return analysis.NewError(analysis.CodeFileTooLarge,
		fmt.Sprintf("video exceeds the %d MB upload limit", g.cfg.MaxUploadBytes>>20))
}

func (g *Gateway) quotaInfo(d ratelimit.Decision) models.RateLimitInfo {
	limit := g.quota.Limit()
	reset := d.ResetTime
	if reset.IsZero() {
		reset = g.clock.Now().Add(g.cfg.Window)
	}
	return models.RateLimitInfo{
		Remaining:            d.Remaining,
		ResetTime:            reset,
		RequestsInLastMinute: max(0, limit-d.Remaining),
		MaxRequestsPerMinute: limit,
	}
}

func (g *Gateway) rejectAuth(w http.ResponseWriter, r *http.Request, err error) {
	g.writeError(w, nil, &analysis.Error{Code: analysis.CodeMissingAPIKey, Message: err.Error(), Err: err})
}

func (g *Gateway) rejectBurst(w http.ResponseWriter, r *http.Request) {
	ae := analysis.NewError(analysis.CodeRateLimitExceeded, "too many requests in a short burst")
	ae.RetryAfter = time.Second
	g.writeError(w, nil, ae)
}

func (g *Gateway) writeError(w http.ResponseWriter, info *models.RateLimitInfo, ae *analysis.Error) {
	if g.metrics != nil {
		g.metrics.Rejected(string(ae.Code))
	}
	env := analysis.Envelope{
		Success:   false,
		RateLimit: info,
		Error:     &analysis.EnvelopeError{Code: ae.Code, Message: ae.Message},
	}
	if ae.RetryAfter > 0 {
		secs := int((ae.RetryAfter + time.Second - 1) / time.Second)
		env.Error.RetryAfter = secs
		w.Header().Set(analysis.HeaderRetryAfter, fmt.Sprintf("%d", secs))
	}
	writeJSON(w, StatusForCode(ae.Code), env)
}

// StatusForCode maps an error code to the HTTP status the gateway replies with
func StatusForCode(code analysis.Code) int {
	switch code {
	case analysis.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case analysis.CodeMissingAPIKey:
		return http.StatusUnauthorized
	case analysis.CodeQuotaExceeded:
		return http.StatusForbidden
	case analysis.CodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case analysis.CodeUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case analysis.CodeInvalidOptions, analysis.CodeMissingPayload:
		return http.StatusBadRequest
	case analysis.CodeContentBlocked:
		return http.StatusUnprocessableEntity
	case analysis.CodeAnalysisFailed, analysis.CodeNetworkError:
		return http.StatusBadGateway
	case analysis.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// backendError turns anything the backend returned into a wire error.
// Untyped errors become INTERNAL_ERROR unless the context ran out.
func backendError(err error) *analysis.Error {
	var ae *analysis.Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &analysis.Error{Code: analysis.CodeTimeout, Message: "analysis timed out", Err: err}
	}
	return &analysis.Error{Code: analysis.CodeInternalError, Message: err.Error(), Err: err}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// uploadPayload exposes a parsed multipart file as a models.Payload
type uploadPayload struct {
	fh *multipart.FileHeader
}

func (p *uploadPayload) Name() string { return p.fh.Filename }

func (p *uploadPayload) Size() int64 { return p.fh.Size }

func (p *uploadPayload) Open() (io.ReadCloser, error) {
	return p.fh.Open()
}
