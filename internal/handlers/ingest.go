// Package handlers exposes the ingest and persona admin surface over HTTP.
// The chat-platform transport itself lives outside this service; its bridge
// delivers messages through the ingest endpoint.
package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"personad/internal/chat"
	"personad/internal/models"
)

// IngestHandler receives platform messages from the transport bridge.
type IngestHandler struct {
	svc *chat.Service
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(svc *chat.Service) *IngestHandler {
	return &IngestHandler{svc: svc}
}

// Handle fans one incoming message out to the channel's personas and
// returns every persona's turn result.
func (h *IngestHandler) Handle(c *fiber.Ctx) error {
	var msg models.IncomingMessage
	if err := c.BodyParser(&msg); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid message payload",
		})
	}
	if msg.Server == "" || msg.Channel == "" || msg.Content == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "server, channel and content are required",
		})
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	results, err := h.svc.Ingest(c.Context(), &msg)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process message",
		})
	}

	return c.JSON(fiber.Map{
		"results": results,
		"count":   len(results),
	})
}
