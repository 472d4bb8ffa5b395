package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/tunjiax-agent/internal/metrics"
	"github.com/example/tunjiax-agent/internal/security"
	"github.com/example/tunjiax-agent/pkg/audit"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer, which
// the streaming completions endpoint needs to flush.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// routePattern returns the matched chi pattern so metrics do not explode on
// session ids.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func RequestLogger(l *slog.Logger, collector metrics.Collector) func(http.Handler) http.Handler {
	if collector == nil {
		collector = metrics.NoOp{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)
			dur := time.Since(start)

			collector.RecordHTTPRequest(r.Method, routePattern(r), sw.status, dur)
			if l == nil {
				return
			}
			l.Info("http_request",
				"cid", security.CorrelationIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", dur.Milliseconds(),
			)
		})
	}
}

// AuditMiddleware chains one entry per request into the audit trail.
func AuditMiddleware(a audit.Recorder, l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			start := time.Now()
			next.ServeHTTP(sw, r)
			dur := time.Since(start)

			ev := audit.Event{
				Type: audit.EventHTTPRequest,
				Attrs: map[string]any{
					"cid":         security.CorrelationIDFromContext(r.Context()),
					"method":      r.Method,
					"route":       routePattern(r),
					"status":      sw.status,
					"duration_ms": dur.Milliseconds(),
				},
			}
			if _, err := a.Record(r.Context(), ev); err != nil && l != nil {
				l.Warn("failed to record audit event", "cid", ev.Attrs["cid"], "error", err)
			}
		})
	}
}
