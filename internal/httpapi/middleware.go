package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"librarydesk/internal/actor"
	"librarydesk/internal/web"
)

// Headers set by the authenticating proxy in front of the service.
const (
	HeaderUserID = "X-User-ID"
	HeaderStaff  = "X-User-Staff"
)

// Actor places the caller named by the identity headers on the request
// context. Requests without X-User-ID pass through anonymous; handlers that
// need a caller answer 401.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(HeaderUserID)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}

		id, err := uuid.Parse(raw)
		if err != nil || id == uuid.Nil {
			web.Error(w, http.StatusBadRequest, "invalid "+HeaderUserID+" header")
			return
		}

		a := actor.Context{
			UserID:  id,
			IsStaff: strings.EqualFold(r.Header.Get(HeaderStaff), "true"),
		}
		next.ServeHTTP(w, r.WithContext(actor.WithContext(r.Context(), a)))
	})
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if a, ok := actor.FromContext(r.Context()); ok {
				fields = append(fields, zap.Stringer("user_id", a.UserID))
			}

			switch {
			case ww.Status() >= http.StatusInternalServerError:
				logger.Error("request", fields...)
			case ww.Status() >= http.StatusBadRequest:
				logger.Info("request", fields...)
			default:
				logger.Debug("request", fields...)
			}
		})
	}
}
