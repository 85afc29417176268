// Package gate decides whether a persona responds to an incoming message at
// all, before any main-turn prompt work is spent. Hard overrides come
// first; everything else goes through a cheap secondary LLM call with a
// deterministic fallback.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"personad/internal/models"
	"personad/internal/prompt"
	"personad/internal/provider"
)

// Decision source labels, for logs and metrics.
const (
	SourceMention  = "override:mention"
	SourceMuted    = "override:muted"
	SourceBot      = "override:bot"
	SourceAsleep   = "override:asleep"
	SourceDisabled = "gate-disabled"
	SourceLLM      = "llm"
	SourceFallback = "fallback"
)

// Fallback policies when the gate call fails or times out.
const (
	FallbackRespond = "respond"
	FallbackSilent  = "silent"
)

// Decision is the gate verdict for one incoming message.
type Decision struct {
	Respond          bool    `json:"should_respond"`
	Confidence       float64 `json:"confidence"`
	Reasoning        string  `json:"reasoning"`
	ConversationType string  `json:"conversation_type"`
	Source           string  `json:"-"`
	Wake             bool    `json:"-"` // mention of a sleeping persona
}

// Completer is the slice of the provider client the gate needs.
type Completer interface {
	Complete(ctx context.Context, conn *models.ProviderConnection, pc *prompt.PromptContext, tools []provider.ToolSchema) (*provider.CompletionResult, error)
}

type Gate struct {
	completer Completer
	log       *slog.Logger
}

func New(completer Completer, log *slog.Logger) *Gate {
	return &Gate{completer: completer, log: log.With("component", "gate")}
}

const gateSystemPrompt = `You decide whether an AI persona in a group chat should reply to the latest message. Consider whether the persona is being addressed, whether the topic continues a conversation it is part of, and whether a reply would be welcome rather than noise.

Respond with ONLY a JSON object:
{"should_respond": true or false, "confidence": 0.0 to 1.0, "reasoning": "one short sentence", "conversation_type": "direct" | "ambient" | "continuation"}`

// ShouldRespond evaluates the gate for one message. conn is the connection
// used for the secondary call; history is the recent window, oldest first.
func (g *Gate) ShouldRespond(ctx context.Context, persona *models.Persona, conn *models.ProviderConnection, incoming *models.IncomingMessage, history []models.Turn) Decision {
	// Muted authors never get a reply, mention or not.
	if persona.IsMuted(incoming.AuthorID) {
		return Decision{Source: SourceMuted}
	}
	// Other bots never trigger a reply; two personas would loop forever.
	if incoming.AuthorIsBot {
		return Decision{Source: SourceBot}
	}
	if incoming.MentionsPersona(persona.Name) {
		return Decision{Respond: true, Confidence: 1, Source: SourceMention, Wake: persona.Sleep == models.SleepAsleep}
	}
	if persona.Sleep == models.SleepAsleep {
		return Decision{Source: SourceAsleep}
	}
	if !persona.Settings.UseResponseGate {
		return Decision{Respond: true, Source: SourceDisabled}
	}
	return g.evaluate(ctx, persona, conn, incoming, history)
}

func (g *Gate) evaluate(ctx context.Context, persona *models.Persona, conn *models.ProviderConnection, incoming *models.IncomingMessage, history []models.Turn) Decision {
	callCtx, cancel := context.WithTimeout(ctx, persona.Settings.EffectiveGateTimeout())
	defer cancel()

	pc := &prompt.PromptContext{
		System: gateSystemPrompt,
		Messages: []prompt.Message{{
			Role:    models.RoleUser,
			Content: g.transcript(persona, incoming, history),
		}},
	}

	res, err := g.completer.Complete(callCtx, conn, pc, nil)
	if err != nil {
		return g.fallback(persona, fmt.Errorf("gate call: %w", err))
	}
	decision, err := parseDecision(res.Text)
	if err != nil {
		return g.fallback(persona, fmt.Errorf("gate response: %w", err))
	}
	decision.Source = SourceLLM
	return decision
}

func (g *Gate) transcript(persona *models.Persona, incoming *models.IncomingMessage, history []models.Turn) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Persona: %s\n\nRecent conversation:\n", persona.Name)
	for _, turn := range history {
		author := turn.Author
		if author == "" {
			author = turn.Role
		}
		fmt.Fprintf(&sb, "%s: %s\n", author, turn.Text())
	}
	fmt.Fprintf(&sb, "\nLatest message:\n%s: %s", incoming.AuthorName, incoming.Content)
	return sb.String()
}

func (g *Gate) fallback(persona *models.Persona, err error) Decision {
	policy := persona.Settings.GateFallback
	if policy == "" {
		policy = FallbackRespond
	}
	g.log.Warn("gate fell back", "persona", persona.Name, "policy", policy, "error", err)
	return Decision{
		Respond:   policy == FallbackRespond,
		Reasoning: "gate unavailable, applied fallback policy",
		Source:    SourceFallback,
	}
}

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// parseDecision tolerates prose and code fences around the JSON object.
func parseDecision(raw string) (Decision, error) {
	match := jsonObjectRe.FindString(raw)
	if match == "" {
		return Decision{}, fmt.Errorf("no JSON object in %q", truncate(raw, 120))
	}
	var d Decision
	if err := json.Unmarshal([]byte(match), &d); err != nil {
		return Decision{}, fmt.Errorf("decode gate JSON: %w", err)
	}
	return d, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
