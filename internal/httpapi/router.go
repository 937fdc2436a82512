// Package httpapi assembles the HTTP surface of the service.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"librarydesk/internal/catalog"
	"librarydesk/internal/circulation"
	"librarydesk/internal/reporting"
	"librarydesk/internal/web"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the services behind the router.
type Deps struct {
	Catalog     catalog.Service
	Circulation circulation.Service
	Reporting   reporting.Service
	Store       Pinger
	Limiter     *Limiter
	Logger      *zap.Logger
}

// NewRouter mounts every route. The caller identity is read from the
// headers set by the authenticating proxy.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(Actor)
	r.Use(RequestLogger(logger))

	r.Get("/healthz", healthz(d.Store))

	var submit []func(http.Handler) http.Handler
	if d.Limiter != nil {
		submit = append(submit, d.Limiter.Middleware)
	}

	catalog.NewHandler(d.Catalog, logger).Register(r)
	circulation.NewHandler(d.Circulation, logger).Register(r, submit...)
	reporting.NewHandler(d.Reporting, logger).Register(r)

	return r
}

func healthz(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if p != nil {
			if err := p.PingContext(ctx); err != nil {
				web.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		web.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
