package controlapi

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/rcavalcanti/bifrost/internal/logger"
	"github.com/rcavalcanti/bifrost/internal/observability"
)

// requestLogger injects a request-scoped logger (with request id) into the
// context and logs each completed request with method, path, status and
// duration. 4xx logs at Warn, 5xx at Error.
func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())

		log := a.logger.With(slog.String("request_id", reqID))
		r = r.WithContext(logger.WithContext(r.Context(), log))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		status := ww.Status()
		if status >= 500 {
			level = slog.LevelError
		} else if status >= 400 {
			level = slog.LevelWarn
		}

		log.Log(r.Context(), level, "http request completed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote_ip", r.RemoteAddr),
		)
	})
}

// metricsMiddleware records request counts and latency for the control plane.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// The route pattern ("/api/v1/flags/{key}") keeps cardinality bounded
		// where the raw path would not.
		path := chi.RouteContext(r.Context()).RoutePattern()
		status := strconv.Itoa(ww.Status())

		observability.ControlPlaneReqTotal.WithLabelValues(r.Method, path, status).Inc()
		observability.ControlPlaneReqDuration.WithLabelValues(r.Method, path).
			Observe(time.Since(start).Seconds())
	})
}

// authenticateAPIKey verifies the X-API-Key header against the configured
// SHA-256 hash. The comparison runs over hex digests in constant time, so
// neither key length nor matching prefix length leaks.
func (a *API) authenticateAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.skipAuth {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, ErrorResponse{
				Code:    "ERR_UNAUTHORIZED",
				Message: "Missing API key",
			})
			return
		}

		sum := sha256.Sum256([]byte(key))
		digest := hex.EncodeToString(sum[:])

		if subtle.ConstantTimeCompare([]byte(digest), []byte(a.apiKeyHash)) != 1 {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, ErrorResponse{
				Code:    "ERR_UNAUTHORIZED",
				Message: "Invalid API key",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
