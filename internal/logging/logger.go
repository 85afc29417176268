package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text handler.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// WithPersona returns a logger with persona identity fields attached.
// Use this for all logging inside a persona's turn.
func WithPersona(server, channel, name string) *slog.Logger {
	return slog.With(
		"server", server,
		"channel", channel,
		"persona", name,
	)
}

// WithTurn returns a logger scoped to a specific turn within a session.
func WithTurn(logger *slog.Logger, chatID, turnID string) *slog.Logger {
	return logger.With(
		"chat_id", chatID,
		"turn_id", turnID,
	)
}
