package evalapi

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rcavalcanti/bifrost/internal/logger"
	"github.com/rcavalcanti/bifrost/internal/observability"
)

// requestLogger injects a request-scoped logger into the context. Completed
// requests log at Debug on the happy path: at eval-plane rates, per-request
// Info lines are noise.
func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())

		log := a.logger.With(slog.String("request_id", reqID))
		r = r.WithContext(logger.WithContext(r.Context(), log))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		level := slog.LevelDebug
		status := ww.Status()
		if status >= 500 {
			level = slog.LevelError
		} else if status >= 400 {
			level = slog.LevelWarn
		}

		log.Log(r.Context(), level, "eval request completed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

// metricsMiddleware records request counts and latency for the eval plane.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := chi.RouteContext(r.Context()).RoutePattern()
		status := strconv.Itoa(ww.Status())

		observability.EvalPlaneReqTotal.WithLabelValues(r.Method, path, status).Inc()
		observability.EvalPlaneReqDuration.WithLabelValues(r.Method, path).
			Observe(time.Since(start).Seconds())
	})
}
