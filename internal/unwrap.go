package internal

import "net/http"

// UnwrappableResponseWriter is implemented by response writers that wrap
// another, so callers can reach the underlying writer via
// [http.ResponseController] or [UnwrapResponseWriterTo].
type UnwrappableResponseWriter interface {
	http.ResponseWriter
	Unwrap() http.ResponseWriter
}

// UnwrapResponseWriterTo walks back the chain of ResponseWriters
// until it finds one that implements the target interface.
// It returns the found ResponseWriter or nil if not found.
func UnwrapResponseWriterTo[T any](rw http.ResponseWriter) (T, bool) {
	currentRW := rw
	for {
		if target, ok := currentRW.(T); ok {
			return target, true
		}

		if unwrapper, ok := currentRW.(UnwrappableResponseWriter); ok {
			currentRW = unwrapper.Unwrap()
		} else {
			var zero T
			return zero, false
		}
	}
}
