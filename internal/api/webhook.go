package api

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/partnerforwarder/partner-forwarder/pkg/merrors"
	"github.com/partnerforwarder/partner-forwarder/pkg/mmodel"
	"github.com/partnerforwarder/partner-forwarder/pkg/mnethttp"
)

// changeNotificationPayload is the webhook's wire shape.
type changeNotificationPayload struct {
	PartnerID  string         `json:"partnerId"`
	ChangeType string         `json:"changeType"`
	Version    string         `json:"version"`
	Timestamp  *time.Time     `json:"timestamp"`
	Source     string         `json:"source"`
	Metadata   map[string]any `json:"metadata"`
}

// ConfigChanged handles POST /webhook/config-changed: it invalidates the
// cached config for the named tenant and drives reconciliation.
func (h *Handler) ConfigChanged(c *fiber.Ctx) error {
	var payload changeNotificationPayload
	if err := c.BodyParser(&payload); err != nil {
		return mnethttp.WithError(c, merrors.Wrap(merrors.KindInvalidRequest, "", err))
	}

	changeType := mmodel.ChangeType(payload.ChangeType)

	switch changeType {
	case mmodel.ChangeCreated, mmodel.ChangeUpdated, mmodel.ChangeDeleted:
	default:
		return mnethttp.WithError(c, merrors.Newf(merrors.KindInvalidRequest, "changeType must be one of CREATED, UPDATED, DELETED"))
	}

	if payload.PartnerID == "" {
		return mnethttp.WithError(c, merrors.Newf(merrors.KindInvalidRequest, "partnerId must not be empty"))
	}

	ctx := c.UserContext()
	tenantID := mmodel.TenantID(payload.PartnerID)

	h.store.Invalidate(ctx, tenantID)

	timestamp := time.Now().UTC()
	if payload.Timestamp != nil {
		timestamp = *payload.Timestamp
	}

	notification := mmodel.ChangeNotification{
		TenantID:   tenantID,
		ChangeType: changeType,
		Version:    payload.Version,
		Timestamp:  timestamp,
		Source:     payload.Source,
		Metadata:   payload.Metadata,
	}

	if err := h.routes.Notify(ctx, notification); err != nil {
		return mnethttp.WithError(c, err)
	}

	return mnethttp.OK(c, fiber.Map{"status": "accepted"})
}

// RefreshTenant handles POST /{partnerId}/refresh.
func (h *Handler) RefreshTenant(c *fiber.Ctx) error {
	tenantID := mmodel.TenantID(c.Params("partnerId"))

	if err := h.routes.RefreshTenant(c.UserContext(), tenantID); err != nil {
		return mnethttp.WithError(c, err)
	}

	return mnethttp.OK(c, fiber.Map{"status": "refreshed", "partnerId": tenantID})
}

// RefreshAll handles POST /refresh-all.
func (h *Handler) RefreshAll(c *fiber.Ctx) error {
	h.routes.ReloadAll(c.UserContext())

	return mnethttp.OK(c, fiber.Map{"status": "reloaded"})
}

// routesStatusResponse is the bit-exact shape of GET /routes/status.
type routesStatusResponse struct {
	ActiveRouteCount int               `json:"activeRouteCount"`
	ActiveRoutes     map[string]string `json:"activeRoutes"`
}

// RoutesStatus handles GET /routes/status.
func (h *Handler) RoutesStatus(c *fiber.Ctx) error {
	active := h.routes.Routes()

	resp := routesStatusResponse{
		ActiveRouteCount: len(active),
		ActiveRoutes:     make(map[string]string, len(active)),
	}

	for _, r := range active {
		resp.ActiveRoutes[string(r.TenantID)] = r.RouteID
	}

	return mnethttp.OK(c, resp)
}
