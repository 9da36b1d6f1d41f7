// Package httperror renders errors raised by middleware as HTTP responses, and
// recovers panics into errors.
package httperror

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"

	"lds.li/weblategate/internal"
)

// ErrorHandler defines the interface for handling errors
type ErrorHandler interface {
	HandleError(w http.ResponseWriter, r *http.Request, err error)
}

type ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request, err error)

func (f ErrorHandlerFunc) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	f(w, r, err)
}

// DefaultErrorHandler writes the error as JSON if the client accepts it, or a
// plain status text otherwise. Only messages of HTTPErrors with a 4xx code
// are exposed to the client, server errors get the status text.
func DefaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	code := CodeOf(err)
	msg := http.StatusText(code)
	if code < http.StatusInternalServerError {
		msg = err.Error()
	}

	if code >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "error in web handler", "err", err, "path", r.URL.Path)
	} else {
		slog.InfoContext(r.Context(), "request rejected", "err", err, "path", r.URL.Path, "status", code)
	}

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(code)
		var jsonErr struct {
			Error struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		jsonErr.Error.Code = code
		jsonErr.Error.Message = msg
		_ = json.NewEncoder(w).Encode(jsonErr)
		return
	}

	http.Error(w, http.StatusText(code), code)
}

// ResponseWriter is implemented by the writer Handler passes down, allowing
// middleware to hand an error back rather than render it themselves.
type ResponseWriter interface {
	http.ResponseWriter
	WriteError(err error)
}

var (
	_ internal.UnwrappableResponseWriter = (*responseWriter)(nil)
	_ ResponseWriter                     = (*responseWriter)(nil)
)

type responseWriter struct {
	http.ResponseWriter
	err error
}

func (w *responseWriter) WriteError(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// WriteError reports err on w. If a Handler is further out in the chain the
// error is routed to its ErrorHandler, otherwise DefaultErrorHandler renders
// it immediately.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	if erw, ok := internal.UnwrapResponseWriterTo[ResponseWriter](w); ok {
		erw.WriteError(err)
		return
	}
	DefaultErrorHandler(w, r, err)
}

// Handler provides HTTP error handling middleware
type Handler struct {
	ErrorHandler ErrorHandler
	// RecoverPanic causes panics in wrapped handler to be recovered, and
	// reported as errors.
	RecoverPanic bool
}

// Handle wraps an http.Handler to provide centralized error handling. Errors
// are reported via WriteError, responses with error status codes written
// directly by the handler are passed through untouched.
func (h *Handler) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w}

		defer func() {
			if h.RecoverPanic {
				if p := recover(); p != nil {
					if p == http.ErrAbortHandler {
						panic(p)
					}
					slog.ErrorContext(r.Context(), "panic recovered in web handler",
						"panic", p,
						"path", r.URL.Path,
						"stack", string(debug.Stack()))
					h.handle(w, r, fmt.Errorf("panic recovered: %v", p))
					return
				}
			}
			if rw.err != nil {
				h.handle(w, r, rw.err)
			}
		}()

		next.ServeHTTP(rw, r)
	})
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request, err error) {
	if h.ErrorHandler != nil {
		h.ErrorHandler.HandleError(w, r, err)
		return
	}
	DefaultErrorHandler(w, r, err)
}
