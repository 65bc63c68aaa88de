package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/psantana5/vidhook/pkg/middleware"
)

func recordingProvider() (*Provider, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return &Provider{tp: tp, tracer: tp.Tracer("test")}, rec
}

func attr(attrs []attribute.KeyValue, key string) attribute.Value {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value
		}
	}
	return attribute.Value{}
}

func TestHTTPMiddleware(t *testing.T) {
	p, rec := recordingProvider()

	r := mux.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(HTTPMiddleware(p))
	r.HandleFunc("/api/analyze", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}).Methods(http.MethodPost)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {}).Methods(http.MethodGet)

	req := httptest.NewRequest(http.MethodPost, "/api/analyze", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-1")
	r.ServeHTTP(httptest.NewRecorder(), req)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	spans := rec.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "POST /api/analyze", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, int64(502), attr(spans[0].Attributes(), "http.status_code").AsInt64())
	assert.Equal(t, "req-1", attr(spans[0].Attributes(), "vidhook.request_id").AsString())

	assert.Equal(t, "GET /health", spans[1].Name())
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
}

func TestInitDisabled(t *testing.T) {
	p, err := Init(context.Background(), Config{ServiceName: "vidhook"}, nil)
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(context.Background()))

	var nilProvider *Provider
	assert.NoError(t, nilProvider.Shutdown(context.Background()))
}

func TestInjectHTTPHeaders(t *testing.T) {
	p, _ := recordingProvider()
	ctx, span := p.Tracer().Start(context.Background(), "analysis.Analyze")
	defer span.End()

	req := httptest.NewRequest(http.MethodPost, "/api/analyze", nil)
	InjectHTTPHeaders(ctx, req)
	assert.NotEmpty(t, req.Header.Get("traceparent"))
}
