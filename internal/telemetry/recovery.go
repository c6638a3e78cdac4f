package telemetry

import (
	"net/http"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// RecoveryMiddleware recovers from panics in a control-channel handler,
// logs the stack, and returns 500 instead of crashing the process.
func RecoveryMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if logger != nil {
						logger.WithFields(logrus.Fields{
							"error":  err,
							"method": r.Method,
							"path":   r.URL.Path,
							"stack":  string(debug.Stack()),
						}).Error("panic recovered")
					}
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
