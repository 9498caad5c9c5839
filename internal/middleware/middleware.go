// SPDX-License-Identifier: MIT

// Package middleware assembles the HTTP middleware stack shared by camerad
// and ingestd. Order matters: recover outermost, then request id, metrics,
// tracing, logging, rate limit.
package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fieldrig/fieldrig/internal/log"
	"github.com/fieldrig/fieldrig/internal/metrics"
)

// RequestIDHeader carries the request id across node hops so a coordinator
// fan-out is traceable end to end.
const RequestIDHeader = "X-Request-Id"

// Recover converts handler panics into 500s instead of killing the daemon.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.FromContext(r.Context()).Error().
					Interface("panic", rec).
					Str(log.FieldPath, r.URL.Path).
					Msg("handler panic recovered")
				http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// RequestID accepts an inbound request id or mints a fresh UUID, storing it
// in the context and echoing it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(log.ContextWithRequestID(r.Context(), id)))
	})
}

// RateLimit caps requests per client IP per minute. Zero disables the limit.
func RateLimit(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.LimitByIP(perMinute, time.Minute)
}

// Tracing wraps the router in otelhttp server spans. A noop tracer provider
// makes this free when telemetry is disabled.
func Tracing(service string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, service)
	}
}

// Apply installs the standard stack on a chi router.
func Apply(r chi.Router, service string, ratePerMinute int) {
	r.Use(Recover)
	r.Use(RequestID)
	r.Use(metrics.HTTPMiddleware)
	r.Use(Tracing(service))
	r.Use(log.Middleware())
	r.Use(RateLimit(ratePerMinute))
}
