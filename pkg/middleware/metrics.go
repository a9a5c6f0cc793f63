// Package middleware provides the HTTP middleware of the logsearch API:
// request ids, Prometheus request metrics and request timeouts.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/metrics"
)

// Metrics counts and times every routed request, labelled by route template
// rather than raw path, and writes one access log line per request. Server
// errors are logged at warn, everything else at debug.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.HTTPRequestsInFlight.Inc()
			defer m.HTTPRequestsInFlight.Dec()

			start := time.Now()
			rw := &recordingWriter{ResponseWriter: w}
			next.ServeHTTP(rw, r)
			elapsed := time.Since(start)

			route := routeLabel(r)
			status := rw.statusCode()
			m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

			l := logger.FromContext(r.Context())
			log := l.Debug
			if status >= http.StatusInternalServerError {
				log = l.Warn
			}
			log("http request",
				"method", r.Method,
				"route", route,
				"status", status,
				"bytes", rw.written,
				"duration_ms", elapsed.Milliseconds(),
			)
		})
	}
}

// recordingWriter remembers the status and body size of a response.
type recordingWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (rw *recordingWriter) WriteHeader(code int) {
	if rw.status == 0 {
		rw.status = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recordingWriter) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

func (rw *recordingWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

func (rw *recordingWriter) statusCode() int {
	if rw.status == 0 {
		return http.StatusOK
	}
	return rw.status
}

// routeLabel is the matched route template, e.g. "/api/v1/events/{id}", so
// document ids do not turn into label values.
func routeLabel(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return "unmatched"
	}
	tmpl, err := route.GetPathTemplate()
	if err != nil {
		return "unmatched"
	}
	return tmpl
}
