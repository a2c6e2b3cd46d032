// Package api implements the Control API: the HTTP surface operators and
// the tenant-config webhook use to drive reconciliation and to inspect
// pool/breaker/route state, served over github.com/gofiber/fiber/v2.
package api

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/partnerforwarder/partner-forwarder/internal/breaker"
	"github.com/partnerforwarder/partner-forwarder/internal/pool"
	"github.com/partnerforwarder/partner-forwarder/internal/route"
	"github.com/partnerforwarder/partner-forwarder/pkg/mlog"
	"github.com/partnerforwarder/partner-forwarder/pkg/mmodel"
	"github.com/partnerforwarder/partner-forwarder/pkg/mnethttp"
)

// ConfigStore is the subset of *configstore.Store the Control API reads
// from and writes to. Narrowed to an interface, unlike Routes/Pools/
// Breakers below, so the webhook and bulk-config endpoints are testable
// without a live Mongo/Redis — the same reason the Route Manager narrows
// its own store dependency.
type ConfigStore interface {
	Get(ctx context.Context, tenantID mmodel.TenantID) (mmodel.TenantConfig, error)
	Put(ctx context.Context, cfg mmodel.TenantConfig) error
	Invalidate(ctx context.Context, tenantID mmodel.TenantID)
}

// Handler bundles every registry the Control API reads from or drives.
// Routes, Pools and Breakers are owned as concrete types rather than
// narrow interfaces because nearly every endpoint needs them and their
// own unit tests already exercise the real registries end to end.
type Handler struct {
	logger   mlog.Logger
	routes   *route.Manager
	pools    *pool.Registry
	breakers *breaker.Registry
	store    ConfigStore
}

// NewHandler builds the Control API's Handler.
func NewHandler(logger mlog.Logger, routes *route.Manager, pools *pool.Registry, breakers *breaker.Registry, store ConfigStore) *Handler {
	return &Handler{logger: logger, routes: routes, pools: pools, breakers: breakers, store: store}
}

// NewRouter wires the Control API's middleware stack and every endpoint.
func NewRouter(logger mlog.Logger, h *Handler) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	app.Use(mnethttp.WithTracing("partner-forwarder/control-api"))
	app.Use(mnethttp.WithCORS())
	app.Use(mnethttp.WithCorrelationID())
	app.Use(mnethttp.WithLogging(logger))

	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("healthy") })

	configGroup := app.Group("/api/v1/partner-config")
	configGroup.Post("/webhook/config-changed", h.ConfigChanged)
	configGroup.Post("/refresh-all", h.RefreshAll)
	configGroup.Get("/routes/status", h.RoutesStatus)
	configGroup.Post("/:partnerId/refresh", h.RefreshTenant)
	configGroup.Get("/:partnerId", h.GetTenantConfig)

	// Bulk config lives under a distinct base, /api/config, not
	// /api/v1/partner-config — the literal path a bulk-update scenario 6
	// client calls.
	app.Put("/api/config/partners/bulk", h.BulkConfig)

	monitoring := app.Group("/api/monitoring")
	monitoring.Get("/health", h.MonitoringHealth)
	monitoring.Get("/threadpools", h.Threadpools)
	monitoring.Get("/threadpools/:id", h.Threadpool)
	monitoring.Get("/circuitbreakers", h.CircuitBreakers)
	monitoring.Get("/circuitbreakers/:id", h.CircuitBreaker)
	monitoring.Post("/circuitbreakers/:id/force-open", h.ForceOpen)
	monitoring.Post("/circuitbreakers/:id/force-closed", h.ForceClosed)
	monitoring.Get("/partners", h.Partners)
	monitoring.Get("/partners/:id", h.Partner)

	app.Get("/docs", h.Docs)

	return app
}
