package tracing

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/vidhook/pkg/middleware"
)

// HTTPMiddleware opens a server span per request, continuing any trace the
// queue client propagated. Spans are named after the mux route template so
// they group by endpoint.
func HTTPMiddleware(provider *Provider) mux.MiddlewareFunc {
	tracer := provider.Tracer()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			route := r.URL.Path
			if cr := mux.CurrentRoute(r); cr != nil {
				if tmpl, err := cr.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			ctx, span := tracer.Start(ctx, r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.route", route),
					attribute.String("http.user_agent", r.UserAgent()),
					attribute.String("vidhook.request_id", middleware.GetRequestID(r)),
				),
			)
			defer span.End()

			rw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.status_code", rw.statusCode))
			switch {
			case rw.statusCode >= 500:
				span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
			case rw.statusCode == http.StatusTooManyRequests:
				span.SetAttributes(attribute.Bool("vidhook.rate_limited", true))
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
