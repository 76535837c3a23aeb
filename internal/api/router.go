package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/sbtc-signer/signer/internal/api/handlers"
	"github.com/sbtc-signer/signer/internal/api/middleware"
	"github.com/sbtc-signer/signer/internal/config"
	"github.com/sbtc-signer/signer/internal/ingest"
)

// Version is set at build time via ldflags.
var Version = "dev"

// NewRouter wires the signer's inbound HTTP surface: the new-block webhook
// the upstream Stacks node calls, and a health check. There is no
// user-facing API (spec.md §1 non-goals), so there is nothing else to
// route.
func NewRouter(cfg *config.Config, ing *ingest.Ingestor) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestLogging)
	r.Use(middleware.TrustedSourceCheck(cfg.WebhookAllowedHosts))

	slog.Info("router initialized",
		"middleware", []string{"requestLogging", "trustedSourceCheck"},
		"webhookAllowedHosts", cfg.WebhookAllowedHosts,
	)

	r.Get("/healthz", handlers.HealthHandler(cfg, Version))
	r.Post("/new_block", handlers.NewBlockHandler(ing))

	return r
}
