package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/formbridge/formbridge/internal/domain/auth"
	"github.com/formbridge/formbridge/pkg/api"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-Id"

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withRequestID assigns a request id, logs the request, and records
// duration metrics for the route.
func withRequestID(logger *slog.Logger, metrics *Metrics, route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		if metrics != nil {
			metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			metrics.RequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		}
		logger.Info("request handled",
			"request_id", reqID,
			"method", r.Method,
			"route", route,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds())
	})
}

// withAuth rejects requests without a valid Bearer API key. When keys is
// nil (no keys configured), authentication is disabled; intended for
// localhost development only.
func withAuth(keys *auth.APIKeyService, logger *slog.Logger, next http.Handler) http.Handler {
	if keys == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			writeAuthError(w, "missing bearer token")
			return
		}
		if _, err := keys.Validate(raw); err != nil {
			logger.Warn("api key rejected", "remote", r.RemoteAddr)
			writeAuthError(w, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(api.Response{
		Success: false,
		Error:   &api.ErrorInfo{Kind: api.ErrorKindBadRequest, Message: msg},
	})
}
