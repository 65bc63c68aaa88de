package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/vidhook/pkg/models"
)

type memPayload struct {
	name string
	data string
}

func (p memPayload) Name() string { return p.name }
func (p memPayload) Size() int64  { return int64(len(p.data)) }
func (p memPayload) Open() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(p.data)), nil
}

func TestAnalyzeSuccess(t *testing.T) {
	reset := time.Now().Add(30 * time.Second).Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/analyze", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, hdr, err := r.FormFile("video")
		require.NoError(t, err)
		defer f.Close()
		b, _ := io.ReadAll(f)
		assert.Equal(t, "clip.mp4", hdr.Filename)
		assert.Equal(t, "video/mp4", hdr.Header.Get("Content-Type"))
		assert.Equal(t, "bytes", string(b))

		var opts models.AnalysisOptions
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("options")), &opts))
		assert.True(t, opts.TextHook)
		assert.False(t, opts.VoiceHook)

		w.Header().Set(HeaderLimit, "10")
		w.Header().Set(HeaderRemaining, "7")
		w.Header().Set(HeaderReset, "0")
		json.NewEncoder(w).Encode(Envelope{
			Success: true,
			Data: &EnvelopeData{
				AnalysisFields: models.AnalysisFields{TextHook: "hook", VoiceHook: "not asked for"},
				ProcessingTime: 1234,
			},
			RateLimit: &models.RateLimitInfo{
				Remaining:            7,
				ResetTime:            time.Unix(reset, 0),
				RequestsInLastMinute: 3,
				MaxRequestsPerMinute: 10,
			},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, WithAPIKey("k"))
	resp, err := c.Analyze(context.Background(), memPayload{"clip.mp4", "bytes"}, models.AnalysisOptions{TextHook: true})
	require.NoError(t, err)

	assert.Equal(t, "hook", resp.Fields.TextHook)
	assert.Empty(t, resp.Fields.VoiceHook, "unrequested fields are filtered")
	assert.EqualValues(t, 1234, resp.ProcessingTime)
	require.NotNil(t, resp.RateLimit)
	assert.Equal(t, 7, resp.RateLimit.Remaining)
	assert.Equal(t, reset, resp.RateLimit.ResetTime.Unix(), "body snapshot wins over headers")
}

func TestAnalyzeFailures(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantCode   Code
		wantStatus int
		wantAfter  time.Duration
		retryable  bool
	}{
		{
			name: "rate limited with Retry-After header",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set(HeaderRetryAfter, "42")
				w.WriteHeader(http.StatusTooManyRequests)
				io.WriteString(w, "slow down")
			},
			wantCode:   CodeRateLimitExceeded,
			wantStatus: 429,
			wantAfter:  42 * time.Second,
			retryable:  true,
		},
		{
			name: "envelope error code",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(Envelope{Error: &EnvelopeError{
					Code: CodeRateLimitExceeded, Message: "quota", RetryAfter: 9,
				}})
			},
			wantCode:   CodeRateLimitExceeded,
			wantStatus: 429,
			wantAfter:  9 * time.Second,
			retryable:  true,
		},
		{
			name: "validation",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(Envelope{Error: &EnvelopeError{
					Code: CodeFileTooLarge, Message: "too big",
				}})
			},
			wantCode:   CodeFileTooLarge,
			wantStatus: 400,
		},
		{
			name: "unavailable backend",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
				io.WriteString(w, "model overloaded")
			},
			wantCode:   CodeAnalysisFailed,
			wantStatus: 503,
			retryable:  true,
		},
		{
			name: "internal",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(Envelope{Error: &EnvelopeError{
					Code: CodeInternalError, Message: "boom",
				}})
			},
			wantCode:   CodeInternalError,
			wantStatus: 500,
		},
	}

	policy := DefaultPolicy()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewHTTPClient(srv.URL).Analyze(context.Background(), memPayload{"a.mp4", "x"}, models.AllOptions())
			require.Error(t, err)

			var ae *Error
			require.True(t, errors.As(err, &ae))
			assert.Equal(t, tt.wantCode, ae.Code)
			assert.Equal(t, tt.wantStatus, ae.Status)
			assert.Equal(t, tt.wantAfter, ae.RetryAfter)
			assert.Equal(t, tt.retryable, policy.Classify(err).Retryable)
		})
	}
}

func TestAnalyzeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewHTTPClient(srv.URL).Analyze(ctx, memPayload{"a.mp4", "x"}, models.AllOptions())
	assert.Equal(t, CodeTimeout, CodeOf(err))
	assert.True(t, DefaultPolicy().Classify(err).Retryable)
}

func TestAnalyzeMissingPayload(t *testing.T) {
	_, err := NewHTTPClient("http://127.0.0.1:1").Analyze(context.Background(), nil, models.AllOptions())
	assert.Equal(t, CodeMissingPayload, CodeOf(err))
	assert.False(t, DefaultPolicy().Classify(err).Retryable)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"10", 10 * time.Second},
		{"-3", 0},
		{"junk", 0},
		{now.Add(30 * time.Second).Format(http.TimeFormat), 30 * time.Second},
		{now.Add(-30 * time.Second).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
