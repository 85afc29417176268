package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"personad/internal/chat"
	"personad/internal/models"
	"personad/internal/session"
)

// PersonaHandler handles persona lifecycle and session administration.
type PersonaHandler struct {
	svc *chat.Service
}

// NewPersonaHandler creates a new persona handler
func NewPersonaHandler(svc *chat.Service) *PersonaHandler {
	return &PersonaHandler{svc: svc}
}

func keyFromParams(c *fiber.Ctx) models.PersonaKey {
	return models.PersonaKey{
		Server:  c.Params("server"),
		Channel: c.Params("channel"),
		Name:    c.Params("name"),
	}
}

// List returns every registered persona.
func (h *PersonaHandler) List(c *fiber.Ctx) error {
	personas := h.svc.Personas()
	return c.JSON(fiber.Map{
		"personas": personas,
		"count":    len(personas),
	})
}

// createPersonaRequest carries the card inline; card file handling is the
// preset loader's job.
type createPersonaRequest struct {
	Server     string                 `json:"server"`
	Channel    string                 `json:"channel"`
	Name       string                 `json:"name"`
	Connection string                 `json:"connection"`
	Card       *models.Card           `json:"card"`
	Settings   models.PersonaSettings `json:"settings"`
}

// Create registers a persona in a channel.
func (h *PersonaHandler) Create(c *fiber.Ctx) error {
	var req createPersonaRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid persona payload",
		})
	}
	if req.Server == "" || req.Channel == "" || req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "server, channel and name are required",
		})
	}
	if req.Card == nil || req.Card.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "card with a name is required",
		})
	}

	p := &models.Persona{
		Server:     req.Server,
		Channel:    req.Channel,
		Name:       req.Name,
		Card:       req.Card,
		Connection: req.Connection,
		Sleep:      models.SleepAwake,
		Settings:   req.Settings,
	}
	if err := h.svc.AddPersona(p); err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.Status(fiber.StatusCreated).JSON(p)
}

// Remove deletes a persona. Its sessions stay until retention collects them.
func (h *PersonaHandler) Remove(c *fiber.Ctx) error {
	if err := h.svc.RemovePersona(keyFromParams(c)); err != nil {
		return notFound(c, err)
	}
	return c.JSON(fiber.Map{"removed": true})
}

// Wake resets the persona's sleep state.
func (h *PersonaHandler) Wake(c *fiber.Ctx) error {
	if err := h.svc.WakePersona(keyFromParams(c)); err != nil {
		return notFound(c, err)
	}
	return c.JSON(fiber.Map{"awake": true})
}

type muteRequest struct {
	UserID string `json:"user_id"`
}

// Mute adds an author to the persona's ignore list.
func (h *PersonaHandler) Mute(c *fiber.Ctx) error {
	var req muteRequest
	if err := c.BodyParser(&req); err != nil || req.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id is required",
		})
	}
	if err := h.svc.MuteUser(keyFromParams(c), req.UserID); err != nil {
		return notFound(c, err)
	}
	return c.JSON(fiber.Map{"muted": req.UserID})
}

// Unmute removes an author from the ignore list.
func (h *PersonaHandler) Unmute(c *fiber.Ctx) error {
	userID := c.Params("userID")
	if err := h.svc.UnmuteUser(keyFromParams(c), userID); err != nil {
		return notFound(c, err)
	}
	return c.JSON(fiber.Map{"unmuted": userID})
}

// Sessions lists the persona's chat sessions.
func (h *PersonaHandler) Sessions(c *fiber.Ctx) error {
	sessions, err := h.svc.ListSessions(c.Context(), keyFromParams(c))
	if err != nil {
		return notFound(c, err)
	}
	return c.JSON(fiber.Map{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

type newSessionRequest struct {
	Title string `json:"title"`
}

// NewSession opens a fresh session and makes it active.
func (h *PersonaHandler) NewSession(c *fiber.Ctx) error {
	var req newSessionRequest
	_ = c.BodyParser(&req) // title is optional
	sess, err := h.svc.NewSession(c.Context(), keyFromParams(c), req.Title)
	if err != nil {
		return notFound(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(sess)
}

type switchSessionRequest struct {
	ChatID string `json:"chat_id"`
}

// SwitchSession changes the persona's active session.
func (h *PersonaHandler) SwitchSession(c *fiber.Ctx) error {
	var req switchSessionRequest
	if err := c.BodyParser(&req); err != nil || req.ChatID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "chat_id is required",
		})
	}
	if err := h.svc.SwitchSession(c.Context(), keyFromParams(c), req.ChatID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, chat.ErrPersonaNotFound) {
			return notFound(c, err)
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{"active": req.ChatID})
}

// ClearHistory truncates the active session log.
func (h *PersonaHandler) ClearHistory(c *fiber.Ctx) error {
	if err := h.svc.ClearHistory(c.Context(), keyFromParams(c)); err != nil {
		return notFound(c, err)
	}
	return c.JSON(fiber.Map{"cleared": true})
}

// Regenerate produces a new candidate for the newest assistant turn.
func (h *PersonaHandler) Regenerate(c *fiber.Ctx) error {
	turn, err := h.svc.RegenerateLast(c.Context(), keyFromParams(c))
	if err != nil {
		if errors.Is(err, chat.ErrPersonaNotFound) || errors.Is(err, session.ErrSessionNotFound) {
			return notFound(c, err)
		}
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(turn)
}

// Swipe moves the candidate cursor of the newest assistant turn.
// direction is "next" or "prev".
func (h *PersonaHandler) Swipe(c *fiber.Ctx) error {
	direction := c.Params("direction")
	if direction != "next" && direction != "prev" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "direction must be next or prev",
		})
	}
	turn, err := h.svc.CycleCandidate(c.Context(), keyFromParams(c), direction == "next")
	if err != nil {
		if errors.Is(err, chat.ErrPersonaNotFound) || errors.Is(err, session.ErrSessionNotFound) {
			return notFound(c, err)
		}
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(turn)
}

func notFound(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": err.Error(),
	})
}
