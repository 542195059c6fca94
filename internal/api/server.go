package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wagateway/internal/metrics"
	"wagateway/pkg/middleware"
)

// Handler builds the HTTP handler with routes and middleware.
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID(), chimw.RealIP)
	r.Use(middleware.Recover(a.log))
	r.Use(middleware.DebugWriteHeader(a.log))
	r.Use(middleware.CORS(a.cfg.CORSOrigins))
	r.Use(middleware.Tracing(ServiceName, a.log))
	r.Use(metrics.HTTPMiddleware)
	r.Use(middleware.JWTAuth(a.cfg, a.log))

	r.Get("/health", a.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/openapi.json", a.docs.ServeHandler(ServiceName, Version))

	sr := r.With(middleware.WithTenant, middleware.RequireAnyScope(middleware.ScopeSession))
	sr.Get("/qr/{tenantID}", a.getQR)
	sr.With(a.perTenantLimit(a.cfg.PairingRateLimit)).Post("/pairing-code/{tenantID}", a.postPairingCode)
	sr.Get("/groups/{tenantID}", a.getGroups)
	sr.Post("/logout/{tenantID}", a.postLogout)

	// The scheduler polls status before sending, so either scope reads it.
	r.With(middleware.WithTenant, middleware.RequireAnyScope(middleware.ScopeSession, middleware.ScopeSend)).
		Get("/status/{tenantID}", a.getStatus)
	r.With(middleware.WithTenant, middleware.RequireAnyScope(middleware.ScopeSend), a.perTenantLimit(a.cfg.SendRateLimit)).
		Post("/send/{tenantID}", a.postSend)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, failure("not found"), http.StatusNotFound)
	})
	return r
}

// perTenantLimit caps requests per tenant per minute. n <= 0 disables it.
func (a *App) perTenantLimit(n int) func(http.Handler) http.Handler {
	if n <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		n,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return chi.URLParam(r, middleware.TenantParam), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			a.log.Warnw("rate limit exceeded",
				"tenant", chi.URLParam(r, middleware.TenantParam),
				"path", r.URL.Path,
				"request_id", middleware.RequestIDFrom(r.Context()),
			)
			writeJSON(w, failure("rate limit exceeded, please try again later"), http.StatusTooManyRequests)
		}),
	)
}
