package httptransport

import (
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"idmint/internal/platform/metrics"
	"idmint/pkg/platform/httputil"
	"idmint/pkg/platform/middleware/admin"
	request "idmint/pkg/platform/middleware/request"
	"idmint/pkg/platform/middleware/requesttime"
)

// Registrar mounts a feature's routes.
type Registrar interface {
	Register(r chi.Router)
}

// IssuanceRoutes mounts the issuance routes, wrapping the issue route in
// extra middleware.
type IssuanceRoutes interface {
	Register(r chi.Router, issueMiddleware ...func(http.Handler) http.Handler)
}

// AdminRegistrar mounts operator routes.
type AdminRegistrar interface {
	RegisterAdmin(r chi.Router)
}

// Deps are the handlers and policies the router wires together. Nil
// handlers are skipped.
type Deps struct {
	Health       Registrar
	Verification Registrar
	Issuance     IssuanceRoutes
	Credential   Registrar
	Registry     Registrar
	Schema       Registrar
	RateLimit    AdminRegistrar

	// IssueLimit wraps the issue route; usually the per-wallet limiter.
	IssueLimit func(http.Handler) http.Handler

	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	TrustedProxies []netip.Prefix
	RequestTimeout time.Duration
	AdminToken     string
}

// NewRouter wires all public endpoints with middleware.
func NewRouter(deps Deps, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(request.Recovery(logger))
	r.Use(request.RequestID)
	r.Use(requesttime.Middleware)
	r.Use(request.ClientIP(deps.TrustedProxies))
	r.Use(request.Logger(logger))
	if deps.Metrics != nil {
		r.Use(request.Latency(deps.Metrics))
	}

	if deps.Health != nil {
		deps.Health.Register(r)
	}
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	// The schema is served to browsers on other origins, so it skips the
	// JSON content-type guard.
	if deps.Schema != nil {
		deps.Schema.Register(r)
	}

	r.Group(func(r chi.Router) {
		if deps.RequestTimeout > 0 {
			r.Use(request.Timeout(deps.RequestTimeout))
		}
		r.Use(request.BodyLimit(httputil.MaxBodyBytes))
		r.Use(request.ContentTypeJSON)

		for _, h := range []Registrar{deps.Verification, deps.Credential, deps.Registry} {
			if h != nil {
				h.Register(r)
			}
		}
		if deps.Issuance != nil {
			var wrap []func(http.Handler) http.Handler
			if deps.IssueLimit != nil {
				wrap = append(wrap, deps.IssueLimit)
			}
			deps.Issuance.Register(r, wrap...)
		}

		if deps.RateLimit != nil && deps.AdminToken != "" {
			r.Group(func(r chi.Router) {
				r.Use(admin.RequireAdminToken(deps.AdminToken, logger))
				deps.RateLimit.RegisterAdmin(r)
			})
		}
	})

	return r
}
