package httpx

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Observer receives the outcome of every request.
type Observer interface {
	ObserveRequest(route string, status int, d time.Duration)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Logging logs each request at debug level and reports it to obs, if set.
// route names the matched ServeMux pattern when available.
func Logging(logger *zap.Logger, obs Observer, next http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		d := time.Since(start)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("route", route),
			zap.Int("status", rec.status),
			zap.Duration("duration", d),
		)
		if obs != nil {
			obs.ObserveRequest(route, rec.status, d)
		}
	})
}
