package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/partnerforwarder/partner-forwarder/pkg/merrors"
	"github.com/partnerforwarder/partner-forwarder/pkg/mmodel"
	"github.com/partnerforwarder/partner-forwarder/pkg/mnethttp"
)

// monitoringHealthResponse is the system-wide rollup of GET
// /api/monitoring/health.
type monitoringHealthResponse struct {
	PoolCount    int `json:"poolCount"`
	HealthyPools int `json:"healthyPools"`
	OpenBreakers int `json:"openBreakers"`
	ActiveRoutes int `json:"activeRoutes"`
}

// MonitoringHealth handles GET /api/monitoring/health.
func (h *Handler) MonitoringHealth(c *fiber.Ctx) error {
	pools := h.pools.All()
	breakers := h.breakers.All()

	healthyPools := 0

	for _, p := range pools {
		if !p.ShuttingDown {
			healthyPools++
		}
	}

	openBreakers := 0

	for _, b := range breakers {
		if b.State == mmodel.StateOpen {
			openBreakers++
		}
	}

	return mnethttp.OK(c, monitoringHealthResponse{
		PoolCount:    len(pools),
		HealthyPools: healthyPools,
		OpenBreakers: openBreakers,
		ActiveRoutes: len(h.routes.Routes()),
	})
}

// Threadpools handles GET /api/monitoring/threadpools.
func (h *Handler) Threadpools(c *fiber.Ctx) error {
	return mnethttp.OK(c, h.pools.All())
}

// Threadpool handles GET /api/monitoring/threadpools/{id}.
func (h *Handler) Threadpool(c *fiber.Ctx) error {
	state, err := h.pools.Stats(mmodel.TenantID(c.Params("id")))
	if err != nil {
		return mnethttp.WithError(c, err)
	}

	return mnethttp.OK(c, state)
}

// CircuitBreakers handles GET /api/monitoring/circuitbreakers.
func (h *Handler) CircuitBreakers(c *fiber.Ctx) error {
	return mnethttp.OK(c, h.breakers.All())
}

// CircuitBreaker handles GET /api/monitoring/circuitbreakers/{id}.
func (h *Handler) CircuitBreaker(c *fiber.Ctx) error {
	status, err := h.breakers.Stats(mmodel.TenantID(c.Params("id")))
	if err != nil {
		return mnethttp.WithError(c, err)
	}

	return mnethttp.OK(c, status)
}

// ForceOpen handles POST /api/monitoring/circuitbreakers/{id}/force-open.
func (h *Handler) ForceOpen(c *fiber.Ctx) error {
	h.breakers.ForceOpen(mmodel.TenantID(c.Params("id")))
	return mnethttp.OK(c, fiber.Map{"status": "forced-open"})
}

// ForceClosed handles POST /api/monitoring/circuitbreakers/{id}/force-closed.
func (h *Handler) ForceClosed(c *fiber.Ctx) error {
	h.breakers.ForceClosed(mmodel.TenantID(c.Params("id")))
	return mnethttp.OK(c, fiber.Map{"status": "forced-closed"})
}

// partnerView is the combined per-tenant view returned by the
// /api/monitoring/partners endpoints.
type partnerView struct {
	PartnerID string                `json:"partnerId"`
	Pool      *mmodel.PoolState     `json:"pool,omitempty"`
	Breaker   *mmodel.BreakerStatus `json:"breaker,omitempty"`
}

// Partners handles GET /api/monitoring/partners.
func (h *Handler) Partners(c *fiber.Ctx) error {
	pools := h.pools.All()
	breakers := h.breakers.All()

	seen := make(map[mmodel.TenantID]struct{}, len(pools))
	views := make([]partnerView, 0, len(pools))

	for id, p := range pools {
		p := p
		seen[id] = struct{}{}

		view := partnerView{PartnerID: string(id), Pool: &p}
		if b, ok := breakers[id]; ok {
			b := b
			view.Breaker = &b
		}

		views = append(views, view)
	}

	for id, b := range breakers {
		if _, ok := seen[id]; ok {
			continue
		}

		b := b
		views = append(views, partnerView{PartnerID: string(id), Breaker: &b})
	}

	return mnethttp.OK(c, views)
}

// Partner handles GET /api/monitoring/partners/{id}.
func (h *Handler) Partner(c *fiber.Ctx) error {
	tenantID := mmodel.TenantID(c.Params("id"))

	view := partnerView{PartnerID: string(tenantID)}

	if p, err := h.pools.Stats(tenantID); err == nil {
		view.Pool = &p
	}

	if b, err := h.breakers.Stats(tenantID); err == nil {
		view.Breaker = &b
	}

	if view.Pool == nil && view.Breaker == nil {
		return mnethttp.WithError(c, merrors.Wrap(merrors.KindNotFound, string(tenantID), nil))
	}

	return mnethttp.OK(c, view)
}
