package api

import (
	_ "embed"

	"github.com/gofiber/fiber/v2"
)

//go:embed openapi.yaml
var openapiDoc []byte

// Docs serves the Control API's hand-maintained OpenAPI document at
// /docs. Adapted from the static-file-serving half of the teacher's
// DocAPI, without the swag annotation-to-spec generation step this repo
// has no code-gen execution to run.
func (h *Handler) Docs(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "application/yaml")
	return c.Send(openapiDoc)
}
