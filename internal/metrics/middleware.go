package metrics

import (
	"net/http"
	"strconv"
	"time"
)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher so streamed responses keep flushing
// through the recorder.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Middleware returns an HTTP middleware that records request duration
// labelled by method and final status code.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(recorder, r)

		RequestDuration.WithLabelValues(r.Method, strconv.Itoa(recorder.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

// RecordOutcome increments the per-outcome request counter.
func RecordOutcome(outcome, model string) {
	if model == "" {
		model = "unknown"
	}
	RequestsTotal.WithLabelValues(outcome, model).Inc()
}
