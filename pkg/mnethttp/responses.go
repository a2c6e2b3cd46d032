package mnethttp

import "github.com/gofiber/fiber/v2"

// OK writes a 200 response with body as the JSON payload.
func OK(c *fiber.Ctx, body any) error {
	return c.Status(fiber.StatusOK).JSON(body)
}

// Created writes a 201 response with body as the JSON payload.
func Created(c *fiber.Ctx, body any) error {
	return c.Status(fiber.StatusCreated).JSON(body)
}

// NoContent writes a 204 with no body.
func NoContent(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusNoContent)
}
