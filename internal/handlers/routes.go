package handlers

import (
	"github.com/gofiber/fiber/v2"

	"personad/internal/chat"
	"personad/internal/database"
)

// Register mounts the full HTTP surface on the app.
func Register(app *fiber.App, svc *chat.Service, db *database.DB) {
	health := NewHealthHandler(svc, db)
	ingest := NewIngestHandler(svc)
	persona := NewPersonaHandler(svc)

	app.Get("/health", health.Handle)

	api := app.Group("/api")
	api.Post("/messages", ingest.Handle)

	api.Get("/personas", persona.List)
	api.Post("/personas", persona.Create)

	p := api.Group("/personas/:server/:channel/:name")
	p.Delete("/", persona.Remove)
	p.Post("/wake", persona.Wake)
	p.Post("/mute", persona.Mute)
	p.Delete("/mute/:userID", persona.Unmute)
	p.Get("/sessions", persona.Sessions)
	p.Post("/sessions", persona.NewSession)
	p.Put("/sessions/active", persona.SwitchSession)
	p.Delete("/history", persona.ClearHistory)
	p.Post("/regenerate", persona.Regenerate)
	p.Post("/swipe/:direction", persona.Swipe)
}
