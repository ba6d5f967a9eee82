// Package httpmw instruments HTTP handlers with request metrics.
package httpmw

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/t77yq/perfmon/internal/collector"
)

// HTTPRecorder receives completed request observations
type HTTPRecorder interface {
	RecordHTTP(e collector.HTTPEvent)
}

// statusWriter captures the status code and body size of a response
type statusWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.size += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// RecordHTTP returns middleware that records one HTTPEvent per request.
// The path label is the chi route pattern when the request was routed by
// chi, so ids in the URL do not create new metric keys.
func RecordHTTP(rec HTTPRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w}

			defer func() {
				status := sw.status
				if status == 0 {
					status = http.StatusOK
				}
				event := collector.HTTPEvent{
					Method:         r.Method,
					Path:           routePattern(r),
					StatusCode:     status,
					ResponseTimeMs: float64(time.Since(start)) / float64(time.Millisecond),
					ResponseSize:   &sw.size,
					Timestamp:      start,
				}
				if r.ContentLength >= 0 {
					size := r.ContentLength
					event.RequestSize = &size
				}
				if p := recover(); p != nil {
					event.StatusCode = http.StatusInternalServerError
					rec.RecordHTTP(event)
					panic(p)
				}
				rec.RecordHTTP(event)
			}()

			next.ServeHTTP(sw, r)
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
