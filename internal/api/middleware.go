package api

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/munaimtahir/infraserver/internal/config"
)

// TokenActor is the audit actor attributed to token-authenticated calls.
const TokenActor = "ops-dashboard"

// opsTokenHeader carries the shared ops token.
const opsTokenHeader = "X-OPS-TOKEN"

// TokenAuth validates the X-OPS-TOKEN header against the trimmed contents
// of the token file. The file is re-read per request so rotation takes
// effect immediately. Any mismatch — including an unreadable or empty
// token file — yields 403.
func TokenAuth(paths config.Paths, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			expected, err := paths.ReadToken()
			if err != nil {
				logger.Warn("token file unreadable", zap.Error(err))
				ErrForbidden(w, "invalid ops token")
				return
			}
			supplied := r.Header.Get(opsTokenHeader)
			if supplied == "" || supplied != expected {
				ErrForbidden(w, "invalid ops token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs each request with method, path, status and size using
// the provided zap logger. Chi's middleware.RequestID is expected to run
// before this middleware.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
