// Package analysis is the boundary to the remote video analysis endpoint
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/vidhook/pkg/models"
	"github.com/psantana5/vidhook/pkg/tracing"
)

// Client submits one video for analysis
type Client interface {
	Analyze(ctx context.Context, payload models.Payload, opts models.AnalysisOptions) (*Response, error)
}

// Response is a successful analysis
type Response struct {
	Fields         models.AnalysisFields
	ProcessingTime int64                 // milliseconds
	RateLimit      *models.RateLimitInfo // authoritative snapshot, nil when the server sent none
}

// ClientFunc adapts a function to the Client interface
type ClientFunc func(ctx context.Context, payload models.Payload, opts models.AnalysisOptions) (*Response, error)

func (f ClientFunc) Analyze(ctx context.Context, payload models.Payload, opts models.AnalysisOptions) (*Response, error) {
	return f(ctx, payload, opts)
}

// Envelope is the JSON body of every /api/analyze response
type Envelope struct {
	Success   bool                  `json:"success"`
	Data      *EnvelopeData         `json:"data,omitempty"`
	RateLimit *models.RateLimitInfo `json:"rateLimit,omitempty"`
	Error     *EnvelopeError        `json:"error,omitempty"`
}

// EnvelopeData carries the extracted fields
type EnvelopeData struct {
	models.AnalysisFields
	ProcessingTime int64 `json:"processingTime"`
}

// EnvelopeError carries a failure
type EnvelopeError struct {
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"` // seconds
}

// Quota headers shared by client and gateway
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// HTTPClient talks to an analysis gateway over multipart HTTP
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	tracer     trace.Tracer
	logger     *slog.Logger
}

// Option configures an HTTPClient
type Option func(*HTTPClient)

// WithAPIKey sets the bearer token sent with every request
func WithAPIKey(key string) Option {
	return func(c *HTTPClient) { c.apiKey = key }
}

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *HTTPClient) { c.logger = l }
}

// NewHTTPClient creates a client for the gateway at baseURL. Request
// deadlines come from the caller's context.
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		tracer:     otel.Tracer("github.com/psantana5/vidhook/pkg/analysis"),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Analyze uploads the payload and returns the fields the options requested
func (c *HTTPClient) Analyze(ctx context.Context, payload models.Payload, opts models.AnalysisOptions) (*Response, error) {
	if payload == nil {
		return nil, NewError(CodeMissingPayload, "no video data attached to this item")
	}

	ctx, span := c.tracer.Start(ctx, "analysis.Analyze",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("video.filename", payload.Name()),
			attribute.Int64("video.size", payload.Size()),
			attribute.StringSlice("analysis.fields", opts.Fields()),
		),
	)
	defer span.End()

	resp, err := c.analyze(ctx, payload, opts)
	if err != nil {
		tracing.SetError(ctx, err)
		span.SetStatus(codes.Error, string(CodeOf(err)))
		return nil, err
	}
	span.SetAttributes(attribute.Int64("analysis.processing_ms", resp.ProcessingTime))
	return resp, nil
}

func (c *HTTPClient) analyze(ctx context.Context, payload models.Payload, opts models.AnalysisOptions) (*Response, error) {
	optionsJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, &Error{Code: CodeInvalidOptions, Message: "failed to marshal options", Err: err}
	}

	body, err := payload.Open()
	if err != nil {
		return nil, &Error{Code: CodeMissingPayload, Message: fmt.Sprintf("failed to open '%s'", payload.Name()), Err: err}
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer body.Close()
		pw.CloseWithError(writeForm(mw, payload.Name(), body, optionsJSON))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/analyze", pr)
	if err != nil {
		pr.Close()
		return nil, &Error{Code: CodeInternalError, Message: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	tracing.InjectHTTPHeaders(ctx, req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		pr.Close()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Code: CodeTimeout, Message: "analysis request timed out", Err: err}
		}
		return nil, &Error{Code: CodeNetworkError, Message: "failed to reach analysis endpoint", Err: err}
	}
	defer resp.Body.Close()

	rateLimit := rateLimitFromHeaders(resp.Header)

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &Error{Code: CodeNetworkError, Message: "failed to read response", Status: resp.StatusCode, Err: err}
	}

	var env Envelope
	decodeErr := json.Unmarshal(data, &env)
	if env.RateLimit != nil {
		rateLimit = env.RateLimit
	}

	if resp.StatusCode != http.StatusOK || !env.Success {
		return nil, errorFromResponse(resp, env, decodeErr, data, rateLimit)
	}
	if decodeErr != nil || env.Data == nil {
		return nil, &Error{Code: CodeAnalysisFailed, Message: "malformed analysis response", Status: resp.StatusCode, Err: decodeErr}
	}

	processing := env.Data.ProcessingTime
	if processing <= 0 {
		processing = time.Since(start).Milliseconds()
	}
	c.logger.Debug("analysis complete", "file", payload.Name(), "processing_ms", processing)

	return &Response{
		Fields:         env.Data.AnalysisFields.Filter(opts),
		ProcessingTime: processing,
		RateLimit:      rateLimit,
	}, nil
}

func writeForm(mw *multipart.Writer, filename string, video io.Reader, optionsJSON []byte) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="video"; filename="%s"`, escapeQuotes(filename)))
	h.Set("Content-Type", ContentTypeFor(filename))
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, video); err != nil {
		return fmt.Errorf("failed to stream video: %w", err)
	}
	if err := mw.WriteField("options", string(optionsJSON)); err != nil {
		return err
	}
	return mw.Close()
}

func escapeQuotes(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

var videoContentTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",
	".mkv":  "video/x-matroska",
	".mpeg": "video/mpeg",
	".mpg":  "video/mpeg",
}

// ContentTypeFor returns the video MIME type for a filename's extension
func ContentTypeFor(filename string) string {
	if ct, ok := videoContentTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// IsVideoType reports whether a MIME type or filename is an accepted video format
func IsVideoType(contentType, filename string) bool {
	if _, ok := videoContentTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return true
	}
	return strings.HasPrefix(strings.ToLower(contentType), "video/")
}

func errorFromResponse(resp *http.Response, env Envelope, decodeErr error, body []byte, rateLimit *models.RateLimitInfo) *Error {
	e := &Error{Status: resp.StatusCode, RateLimit: rateLimit}

	if decodeErr == nil && env.Error != nil && env.Error.Code != "" {
		e.Code = env.Error.Code
		e.Message = env.Error.Message
		if env.Error.RetryAfter > 0 {
			e.RetryAfter = time.Duration(env.Error.RetryAfter) * time.Second
		}
	} else {
		e.Code = codeForStatus(resp.StatusCode)
		e.Message = strings.TrimSpace(string(body))
		if e.Message == "" {
			e.Message = fmt.Sprintf("analysis failed with status %d", resp.StatusCode)
		}
	}

	if e.RetryAfter == 0 {
		e.RetryAfter = parseRetryAfter(resp.Header.Get(HeaderRetryAfter), time.Now())
	}
	if e.Code == CodeRateLimitExceeded && e.RetryAfter == 0 && rateLimit != nil {
		e.RetryAfter = max(0, time.Until(rateLimit.ResetTime))
	}
	return e
}

func codeForStatus(status int) Code {
	switch {
	case status == http.StatusTooManyRequests:
		return CodeRateLimitExceeded
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeMissingAPIKey
	case status == http.StatusRequestEntityTooLarge:
		return CodeFileTooLarge
	case status == http.StatusUnsupportedMediaType:
		return CodeUnsupportedFormat
	case status >= 400 && status < 500:
		return CodeInvalidOptions
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout:
		return CodeAnalysisFailed
	case status == http.StatusOK:
		return CodeAnalysisFailed
	default:
		return CodeInternalError
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(0, t.Sub(now))
	}
	return 0
}

func rateLimitFromHeaders(h http.Header) *models.RateLimitInfo {
	limit, errL := strconv.Atoi(h.Get(HeaderLimit))
	remaining, errR := strconv.Atoi(h.Get(HeaderRemaining))
	reset, errT := strconv.ParseInt(h.Get(HeaderReset), 10, 64)
	if errL != nil || errR != nil || errT != nil {
		return nil
	}
	return &models.RateLimitInfo{
		Remaining:            max(0, remaining),
		ResetTime:            time.Unix(reset, 0),
		RequestsInLastMinute: max(0, limit-remaining),
		MaxRequestsPerMinute: limit,
	}
}

// SetRateLimitHeaders writes the quota headers for info
func SetRateLimitHeaders(h http.Header, info models.RateLimitInfo) {
	h.Set(HeaderLimit, strconv.Itoa(info.MaxRequestsPerMinute))
	h.Set(HeaderRemaining, strconv.Itoa(info.Remaining))
	h.Set(HeaderReset, strconv.FormatInt(info.ResetTime.Unix(), 10))
}
