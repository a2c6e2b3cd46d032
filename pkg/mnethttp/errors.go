package mnethttp

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/partnerforwarder/partner-forwarder/pkg/merrors"
)

// responseError is the uniform error envelope returned by every Control
// API endpoint.
type responseError struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	PartnerID string    `json:"partnerId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WithError maps err's merrors.Kind to an HTTP status and writes the
// uniform error envelope.
func WithError(c *fiber.Ctx, err error) error {
	var merr merrors.Error
	if !errors.As(err, &merr) {
		merr = merrors.Wrap(merrors.KindInternal, "", err)
	}

	return c.Status(statusFor(merr.Kind)).JSON(responseError{
		Success:   false,
		Message:   merr.Error(),
		PartnerID: merr.EntityType,
		Timestamp: time.Now().UTC(),
	})
}

// statusFor collapses the error taxonomy to the three HTTP codes the
// Control API distinguishes: invalid request, not found, and everything
// else as an internal error.
func statusFor(kind merrors.Kind) int {
	switch kind {
	case merrors.KindInvalidRequest:
		return fiber.StatusBadRequest
	case merrors.KindNotFound:
		return fiber.StatusNotFound
	default:
		return fiber.StatusInternalServerError
	}
}
