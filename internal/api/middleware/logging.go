// Package middleware provides HTTP middleware shared by the hub API and the
// webcam server.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/narvanalabs/camfleet/pkg/logger"
)

// quietPaths are polled by the hub every probe round and logged at debug.
var quietPaths = map[string]struct{}{
	"/health":  {},
	"/ready":   {},
	"/metrics": {},
}

// RequestLogger returns a middleware that logs HTTP requests. The request id
// is also copied into the context for downstream loggers.
func RequestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			reqID := middleware.GetReqID(r.Context())
			if reqID != "" {
				r = r.WithContext(logger.ContextWithRequestID(r.Context(), reqID))
			}

			defer func() {
				log.Log(r.Context(), requestLevel(r.URL.Path, ww.Status()), "request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start).String(),
					"request_id", reqID,
					"remote_addr", r.RemoteAddr,
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// requestLevel maps a response to a log level. 503 is an expected answer
// from /ready and from a registry that is briefly locked.
func requestLevel(path string, status int) slog.Level {
	_, quiet := quietPaths[path]
	switch {
	case quiet && (status < http.StatusInternalServerError || status == http.StatusServiceUnavailable):
		return slog.LevelDebug
	case status == http.StatusServiceUnavailable, status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		return slog.LevelWarn
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
