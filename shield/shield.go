// Package shield provides reusable HTTP security middleware for plume
// services: security headers, request body limits, per-request tracing,
// HEAD handling, and SQLite-backed rate limiting.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultAPIStack() {
//	    r.Use(mw)
//	}
//	rl := shield.NewRateLimiter(db)
//	rl.StartReloader(done)
//	r.With(rl.Middleware).Post("/api/persona/tasks", createHandler)
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultAPIStack returns the standard middleware stack for a plume API
// service, ordered: HeadToGet → SecurityHeaders → MaxBody → TraceID.
// Rate limiting is applied per-route, not stack-wide, because only the
// spend-triggering endpoints need it.
func DefaultAPIStack() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(1 << 20),
		TraceID,
	}
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
