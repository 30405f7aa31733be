// Package gateway is the HTTP surface of the dispatch service: ingress
// endpoints, observability endpoints and the admin operations.
package gateway

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"neargate/config"
	"neargate/gateway/middleware"
	"neargate/service"
)

// Server holds the handlers' dependencies.
type Server struct {
	svc        *service.Service
	obs        *middleware.Observability
	limiter    *middleware.RateLimiter
	adminToken string
	log        *slog.Logger
}

// New builds the HTTP server wiring. reg is the registry shared with the
// dispatch metrics; nil gets a private one.
func New(svc *service.Service, cfg config.Config, reg *prometheus.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "neargate",
		LogRequests: true,
	}, reg, log)
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"transfer": {PerSecond: cfg.RateLimitPerSecond, Burst: cfg.RateLimitBurst},
	}, log)
	return &Server{
		svc:        svc,
		obs:        obs,
		limiter:    limiter,
		adminToken: cfg.AdminToken,
		log:        log,
	}
}

// Router assembles the route tree. Ingress routes carry the rate limiter;
// observability endpoints stay unthrottled so probes and scrapes never drop.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(middleware.CORSConfig{}))

	r.Group(func(gr chi.Router) {
		gr.Use(s.limiter.Middleware("transfer"))
		gr.With(s.obs.Middleware("transfer")).Post("/transfer", s.handleTransfer)
		gr.With(s.obs.Middleware("bulk-transfer")).Post("/bulk-transfer", s.handleBulkTransfer)
		gr.With(s.obs.Middleware("direct-transfer")).Post("/direct-transfer", s.handleDirectTransfer)
	})

	r.With(s.obs.Middleware("health")).Get("/health", s.handleHealth)
	r.With(s.obs.Middleware("status")).Get("/status", s.handleStatus)
	r.With(s.obs.Middleware("bounty-status")).Get("/bounty-status", s.handleBountyStatus)
	r.Get("/metrics", s.handleMetrics)
	r.Handle("/metrics/prometheus", s.obs.ScrapeHandler())

	r.Route("/admin", func(ar chi.Router) {
		ar.Use(s.requireAdmin)
		ar.Post("/keys/rotate", s.handleRotateKey)
	})

	return r
}
