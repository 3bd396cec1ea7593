// Package api assembles the HTTP surface of the proxy.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/phast-fr/cql-proxy/internal/api/handlers"
	"github.com/phast-fr/cql-proxy/internal/api/middleware"
)

// FHIRBase is the mount point of the FHIR operations.
const FHIRBase = "/r4/fhir"

// RouterConfig holds what NewRouter wires together.
type RouterConfig struct {
	ServiceName string
	Executor    handlers.Executor
	// Submitter is nil when Kafka is not configured.
	Submitter handlers.Submitter
	// APIKeys maps a key to its client id. Empty disables authentication.
	APIKeys map[string]string
	// Checks run on /ready.
	Checks map[string]handlers.Check
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  *zap.Logger
}

// NewRouter builds the router of the serve command.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))

	health := handlers.NewHealthHandler(cfg.Checks)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	cql := handlers.NewCQLHandler(cfg.Executor, cfg.Submitter, logger)
	r.Route(FHIRBase, func(r chi.Router) {
		if len(cfg.APIKeys) > 0 {
			r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		}
		r.Mount("/", cql.Routes())
	})

	return r
}
