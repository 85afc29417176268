package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"personad/internal/chat"
	"personad/internal/database"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	svc *chat.Service
	db  *database.DB
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(svc *chat.Service, db *database.DB) *HealthHandler {
	return &HealthHandler{svc: svc, db: db}
}

// Handle responds with server health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	if err := h.db.Ping(); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unhealthy",
			"error":  "database unreachable",
		})
	}
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"personas":  len(h.svc.Personas()),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
