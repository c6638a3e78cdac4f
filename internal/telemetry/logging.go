// Package telemetry wraps the control-channel HTTP surface with
// request logging, panic recovery, and metrics — the ambient
// middleware stack every handler in internal/controlapi runs under.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openisr/nexus/internal/metrics"
)

// LoggingMiddleware wraps handlers with structured request logging and,
// when mx is non-nil, a RecordHTTPRequest call per completed request.
func LoggingMiddleware(logger *logrus.Logger, mx *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			var requestBytes int64
			if r.Method == "PUT" || r.Method == "POST" {
				if contentLength := r.Header.Get("Content-Length"); contentLength != "" {
					if size, err := strconv.ParseInt(contentLength, 10, 64); err == nil {
						requestBytes = size
					}
				}
			}

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			duration := time.Since(start)
			bytesLogged := rw.bytesWritten
			if requestBytes > 0 {
				bytesLogged = requestBytes
			}

			if logger != nil {
				logger.WithFields(logrus.Fields{
					"method":      r.Method,
					"path":        r.URL.Path,
					"query":       r.URL.RawQuery,
					"remote_addr": r.RemoteAddr,
					"status":      rw.statusCode,
					"duration_ms": duration.Milliseconds(),
					"bytes":       bytesLogged,
				}).Info("control request")
			}
			if mx != nil {
				mx.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, rw.statusCode, duration, bytesLogged)
			}
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
