package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/openisr/nexus/internal/metrics"
)

func TestLoggingMiddleware(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("test"))
	})

	wrapped := LoggingMiddleware(logger, nil)(handler)

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	wrapped.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestLoggingMiddlewareRecordsMetrics(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	reg := prometheus.NewRegistry()
	mx := metrics.NewMetricsWithRegistry(reg)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	wrapped := LoggingMiddleware(logger, mx)(handler)

	req := httptest.NewRequest("POST", "/v1/devices", nil)
	w := httptest.NewRecorder()
	wrapped.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
}

func TestResponseWriter(t *testing.T) {
	w := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)
	require.Equal(t, http.StatusNotFound, rw.statusCode)

	n, err := rw.Write([]byte("test"))
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.EqualValues(t, 4, rw.bytesWritten)
}
