// Package middleware carries per-request identity through the gateway
package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/psantana5/vidhook/pkg/auth"
	"github.com/psantana5/vidhook/pkg/ratelimit"
)

type contextKey string

const (
	callerContextKey    contextKey = "caller_id"
	requestIDContextKey contextKey = "request_id"
)

// RequestIDHeader is echoed back on every response
const RequestIDHeader = "X-Request-ID"

// RequestID assigns a request ID unless the client sent one
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticate validates the caller's API key and injects the caller ID.
// Requests to skip paths pass through untouched. A nil key ring accepts
// every request as an anonymous caller keyed by client IP.
func Authenticate(keys *auth.KeyRing, reject func(http.ResponseWriter, *http.Request, error), skip ...string) func(http.Handler) http.Handler {
	skipped := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipped[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipped[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			var caller string
			if keys == nil {
				caller = "anon:" + ratelimit.IPKeyFunc(r)
			} else {
				id, err := keys.Validate(auth.KeyFromRequest(r))
				if err != nil {
					slog.Debug("rejected request", "path", r.URL.Path, "request_id", GetRequestID(r), "error", err)
					reject(w, r, err)
					return
				}
				caller = "key:" + id
			}

			ctx := context.WithValue(r.Context(), callerContextKey, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCallerID extracts the caller ID from request context
func GetCallerID(r *http.Request) string {
	if id, ok := r.Context().Value(callerContextKey).(string); ok {
		return id
	}
	return ""
}

// GetRequestID extracts the request ID from request context
func GetRequestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDContextKey).(string); ok {
		return id
	}
	return ""
}
