// Package requestlog logs a line for every served request, and records its
// duration.
package requestlog

import (
	"log/slog"
	"net/http"
	"time"

	"lds.li/weblategate/internal"
	"lds.li/weblategate/metrics"
	"lds.li/weblategate/slogctx"
)

var _ internal.UnwrappableResponseWriter = (*loggingResponseWriter)(nil)

// loggingResponseWriter wraps the standard http.ResponseWriter to capture status and bytes written.
type loggingResponseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	if lrw.status == 0 {
		lrw.status = code
	}
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytesWritten += n
	return n, err
}

func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

type RequestLogger struct {
	Logger *slog.Logger
	// Metrics, if set, records request durations.
	Metrics *metrics.Metrics
	// SkipPaths are not logged, e.g. health checks. Their durations are
	// still recorded.
	SkipPaths []string
}

func (rl *RequestLogger) Handler(next http.Handler) http.Handler {
	skip := make(map[string]bool, len(rl.SkipPaths))
	for _, p := range rl.SkipPaths {
		skip[p] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Attributes set further in, e.g. the user, land on the handle.
		ctx, handle := slogctx.WithHandle(r.Context())
		r = r.WithContext(ctx)

		lrw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lrw, r)

		duration := time.Since(start)
		status := lrw.status
		if status == 0 {
			status = http.StatusOK
		}
		rl.Metrics.ObserveRequest(r.Method, status, duration)

		if skip[r.URL.Path] {
			return
		}

		l := rl.Logger
		if l == nil {
			l = slog.Default()
		}

		attrs := append([]slog.Attr{}, handle.Attrs()...)
		attrs = append(attrs,
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("request_method", r.Method),
			slog.String("request_url", r.URL.Path),
			slog.String("request_protocol", r.Proto),
			slog.Int("status", status),
			slog.Int("bytes_sent", lrw.bytesWritten),
			slog.String("referer", r.Referer()),
			slog.String("user_agent", r.UserAgent()),
			slog.Duration("duration", duration),
		)

		level := slog.LevelInfo
		if status >= 500 {
			level = slog.LevelWarn
		}
		l.LogAttrs(r.Context(), level, "Request Served", attrs...)
	})
}
