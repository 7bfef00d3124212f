package shield

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/plumehq/plume/kit"
)

// newTraceID mints a short random hex id, unique enough to grep a
// request's log lines out of one process's output.
func newTraceID() string {
	var b [4]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// TraceID tags each request with a trace id, exposed three ways: on the
// X-Trace-ID response header, in the context under kit.TraceIDKey, and
// baked into a per-request logger stored under LoggerKey.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := newTraceID()
		w.Header().Set("X-Trace-ID", id)

		log := slog.Default().With(
			"trace_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", ExtractIP(r),
		)
		log.Info("request")

		ctx := kit.WithTraceID(r.Context(), id)
		ctx = context.WithValue(ctx, LoggerKey, log)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
