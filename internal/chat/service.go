// Package chat orchestrates one persona turn end to end: gate, lorebook,
// prompt assembly, completion, reply parsing, tool dispatch and the session
// append, serialized per persona.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"personad/internal/gate"
	"personad/internal/logging"
	"personad/internal/lorebook"
	"personad/internal/macro"
	"personad/internal/models"
	"personad/internal/prompt"
	"personad/internal/provider"
	"personad/internal/replyparse"
	"personad/internal/session"
	"personad/internal/tools"
)

const gateHistoryTurns = 10

// ConnSource resolves provider connections from the current config
// snapshot.
type ConnSource interface {
	Connection(name string) (*models.ProviderConnection, bool)
}

// Completer is the provider client surface the pipeline needs.
type Completer interface {
	Complete(ctx context.Context, conn *models.ProviderConnection, pc *prompt.PromptContext, schemas []provider.ToolSchema) (*provider.CompletionResult, error)
}

// TurnResult is the outcome of one persona's handling of one message.
type TurnResult struct {
	Persona    models.PersonaKey `json:"persona"`
	ChatID     string            `json:"chat_id,omitempty"`
	Responded  bool              `json:"responded"`
	Declined   bool              `json:"declined,omitempty"` // counts toward sleep
	FellAsleep bool              `json:"fell_asleep,omitempty"`
	Text       string            `json:"text,omitempty"`
	ReplyTo    string            `json:"reply_to,omitempty"` // id of the turn or message the reply targets
	TurnID     string            `json:"turn_id,omitempty"`
	Notice     string            `json:"notice,omitempty"` // failure notice when nothing was generated
	Gate       gate.Decision     `json:"gate"`
}

// Deps wires the service's collaborators.
type Deps struct {
	Log       *slog.Logger
	Registry  *Registry
	Store     *session.Store
	Conns     ConnSource
	Completer Completer
	Platform  tools.PlatformClient
	Tools     *tools.Registry
}

// Service is the turn pipeline.
type Service struct {
	log        *slog.Logger
	registry   *Registry
	store      *session.Store
	conns      ConnSource
	completer  Completer
	platform   tools.PlatformClient
	tools      *tools.Registry
	gate       *gate.Gate
	sleep      *gate.SleepMachine
	assembler  *prompt.Assembler
	lore       *lorebook.Engine
	dispatcher *tools.Dispatcher
	locks      *keyedLocks
	shortIDs   *shortIDBook
}

func NewService(d Deps) *Service {
	return &Service{
		log:        d.Log.With("component", "chat"),
		registry:   d.Registry,
		store:      d.Store,
		conns:      d.Conns,
		completer:  d.Completer,
		platform:   d.Platform,
		tools:      d.Tools,
		gate:       gate.New(d.Completer, d.Log),
		sleep:      gate.NewSleepMachine(d.Log),
		assembler:  prompt.NewAssembler(d.Log),
		lore:       lorebook.NewEngine(d.Log),
		dispatcher: tools.NewDispatcher(d.Tools, d.Log),
		locks:      newKeyedLocks(),
		shortIDs:   newShortIDBook(),
	}
}

// Ingest routes one incoming message to every persona in its channel.
// Personas run concurrently; each persona's turns stay serialized.
func (s *Service) Ingest(ctx context.Context, incoming *models.IncomingMessage) ([]*TurnResult, error) {
	personas := s.registry.InChannel(incoming.Server, incoming.Channel)
	if len(personas) == 0 {
		return nil, nil
	}
	results := make([]*TurnResult, len(personas))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range personas {
		i, p := i, p
		g.Go(func() error {
			results[i] = s.HandleFor(gctx, p, incoming)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// HandleFor runs the full pipeline for one persona. The persona's turn
// serializer covers its one active session, so concurrent messages for the
// same persona process strictly in arrival order.
func (s *Service) HandleFor(ctx context.Context, p *models.Persona, incoming *models.IncomingMessage) *TurnResult {
	unlock := s.locks.Lock(p.Key().String())
	defer unlock()

	start := time.Now()
	result := &TurnResult{Persona: p.Key()}
	log := logging.WithPersona(p.Server, p.Channel, p.Name)

	chatID, err := s.ensureSession(ctx, p)
	if err != nil {
		result.Notice = "could not open a chat session"
		log.Error("session setup failed", "error", err)
		return result
	}
	result.ChatID = chatID

	gateHistory, err := s.store.RecentWindow(ctx, chatID, gateHistoryTurns)
	if err != nil {
		log.Warn("gate history unavailable", "error", err)
	}
	gateConn, ok := s.gateConnection(p)
	if !ok {
		result.Notice = "no provider connection configured"
		return result
	}

	decision := s.gate.ShouldRespond(ctx, p, gateConn, incoming, gateHistory)
	result.Gate = decision
	if decision.Wake {
		s.sleep.Wake(p)
		recordSleepEvent("wake")
	}
	if !decision.Respond {
		// Only the gate's own suppressions are refusals; hard overrides
		// (muted, bot, asleep) say nothing about the persona's standing.
		if decision.Source == gate.SourceLLM || decision.Source == gate.SourceFallback {
			result.Declined = true
			result.FellAsleep = s.sleep.RecordRefusal(p)
			recordRefusal()
			if result.FellAsleep {
				recordSleepEvent("asleep")
			}
		}
		recordTurnOutcome("suppressed", time.Since(start).Seconds())
		return result
	}

	conn, ok := s.conns.Connection(p.Connection)
	if !ok || !conn.Enabled {
		result.Notice = fmt.Sprintf("provider connection %q unavailable", p.Connection)
		return result
	}

	turn, err := s.runTurn(ctx, p, conn, incoming, chatID)
	if err != nil {
		var declined *declinedError
		if errors.As(err, &declined) {
			result.Declined = true
			result.Notice = "persona declined to answer"
			result.FellAsleep = s.sleep.RecordRefusal(p)
			recordRefusal()
			if result.FellAsleep {
				recordSleepEvent("asleep")
			}
			recordTurnOutcome("declined", time.Since(start).Seconds())
			return result
		}
		// System errors never count toward sleep.
		result.Notice = systemNotice(err)
		var perr *provider.Error
		if errors.As(err, &perr) {
			recordProviderError(perr.Kind.String())
		}
		recordTurnOutcome("error", time.Since(start).Seconds())
		log.Error("turn failed", "error", err)
		return result
	}

	s.sleep.RecordReply(p)
	p.LastActivity = time.Now()
	recordTurnOutcome("responded", time.Since(start).Seconds())
	logging.WithTurn(log, chatID, turn.ID).Debug("turn completed", "duration", time.Since(start))
	result.Responded = true
	result.Text = turn.Text()
	result.ReplyTo = turn.ReplyTargetID
	result.TurnID = turn.ID
	return result
}

// declinedError marks a completed provider turn whose parsed visible text
// was empty.
type declinedError struct{}

func (*declinedError) Error() string { return "persona declined to answer" }

// runTurn assembles the prompt, completes, runs at most one tool follow-up
// round, and appends the user and assistant turns atomically. On any error
// nothing is appended.
func (s *Service) runTurn(ctx context.Context, p *models.Persona, conn *models.ProviderConnection, incoming *models.IncomingMessage, chatID string) (*models.Turn, error) {
	history, err := s.store.RecentWindow(ctx, chatID, session.DefaultWindowTurns)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	userName := p.Settings.UserName
	if userName == "" {
		userName = incoming.AuthorName
	}
	scope := macro.NewScope(p.Card.CharName(), userName)

	// Hidden lorebook keys surface during a pre-expansion of the card text;
	// the pick cache keeps choices stable across the real render below.
	s.collectHiddenKeys(p.Card, scope)

	var lore lorebook.Partition
	if p.Settings.UseLorebook && p.Card != nil && p.Card.Lorebook != nil {
		acts := s.lore.Activate(lorebook.ScanInput{
			Book:       p.Card.Lorebook,
			Messages:   scanMessages(history, incoming),
			HiddenKeys: scope.HiddenKeys,
			ScanDepth:  p.Settings.LorebookScanDepth,
			RandFloat:  rand.Float64,
			Render: func(text string) string {
				expanded, _ := macro.Expand(text, scope)
				return expanded
			},
		})
		lore = lorebook.Split(acts)
	}

	// Short ids run oldest first: history lines claim theirs before the
	// incoming message does.
	key := p.Key().String()
	renderedHistory := s.renderHistory(key, history)
	renderedIncoming := incoming.AuthorName + ": " + incoming.Content
	if incoming.ID != "" {
		renderedIncoming = fmt.Sprintf("%s #%d: %s", incoming.AuthorName, s.shortIDs.Short(key, incoming.ID), incoming.Content)
	}
	pc, err := s.assembler.Assemble(prompt.Input{
		Card:        p.Card,
		Scope:       scope,
		History:     renderedHistory,
		Incoming:    renderedIncoming,
		Lore:        lore,
		ContextSize: conn.EffectiveContextSize(),
		MaxTokens:   conn.EffectiveMaxTokens(),
	})
	if err != nil {
		return nil, fmt.Errorf("assemble prompt: %w", err)
	}

	var schemas []provider.ToolSchema
	if p.Settings.EnableTools && conn.SupportsTools {
		schemas = s.tools.Schemas(p.Settings.AllowedTools)
	}

	res, err := s.completer.Complete(ctx, conn, pc, schemas)
	if err != nil {
		return nil, fmt.Errorf("completion: %w", err)
	}

	opts := replyparse.Options{
		ParseReplyTargets: p.Settings.EnableReplySystem,
		ParseInlineTools:  p.Settings.EnableTools && !conn.SupportsTools,
	}
	parsed := replyparse.Parse(res.Text, opts)

	calls := collectCalls(res, parsed)
	var records []models.ToolCall
	if len(calls) > 0 && p.Settings.EnableTools {
		parsed, records, err = s.toolRound(ctx, p, conn, incoming, pc, parsed, calls, schemas, opts)
		if err != nil {
			return nil, err
		}
	}

	visible := parsed.VisibleText()
	if visible == "" {
		return nil, &declinedError{}
	}

	userTurn := s.store.NewTurn(models.RoleUser, incoming.AuthorID, incoming.AuthorName, incoming.Content)
	userTurn.ReplyTargetID = incoming.ReplyToID
	assistantTurn := s.store.NewTurn(models.RoleAssistant, "", p.Name, visible)
	assistantTurn.ReplyTargetID = s.resolveReplyTarget(key, parsed.FirstTarget())
	assistantTurn.ToolCalls = records

	if err := s.store.AppendAll(ctx, chatID, userTurn, assistantTurn); err != nil {
		return nil, fmt.Errorf("append turn: %w", err)
	}
	return assistantTurn, nil
}

// toolRound dispatches the requested calls and runs the single allowed
// follow-up completion. Calls requested by the follow-up itself are
// truncated; the partial text still stands.
func (s *Service) toolRound(ctx context.Context, p *models.Persona, conn *models.ProviderConnection, incoming *models.IncomingMessage, pc *prompt.PromptContext, parsed *replyparse.ParsedReply, calls []provider.ToolCallRequest, schemas []provider.ToolSchema, opts replyparse.Options) (*replyparse.ParsedReply, []models.ToolCall, error) {
	env := tools.Env{Server: incoming.Server, Channel: incoming.Channel}
	results := s.dispatcher.Dispatch(ctx, calls, s.platform, env, conn.EffectiveContextSize())

	records := make([]models.ToolCall, 0, len(calls))
	followUp := *pc
	followUp.Messages = append(append([]prompt.Message{}, pc.Messages...), prompt.Message{
		Role:    models.RoleAssistant,
		Content: firstNonEmpty(parsed.VisibleText(), "(requesting tools)"),
	})
	for i, r := range results {
		recordToolCall(r.Name)
		records = append(records, models.ToolCall{
			ID:        r.CallID,
			Name:      r.Name,
			Arguments: string(calls[i].Arguments),
			Result:    r.Content,
			IsError:   r.IsError,
		})
		followUp.Messages = append(followUp.Messages, prompt.Message{
			Role:    models.RoleTool,
			Content: r.Name + ": " + r.Content,
		})
	}

	res, err := s.completer.Complete(ctx, conn, &followUp, schemas)
	if err != nil {
		return nil, nil, fmt.Errorf("follow-up completion: %w", err)
	}
	final := replyparse.Parse(res.Text, opts)
	if extra := collectCalls(res, final); len(extra) > 0 {
		// The one follow-up round is spent; drop the new requests.
		s.log.Warn("tool loop limit reached, truncating calls",
			"persona", p.Key().String(),
			"dropped", len(extra),
			"error", tools.ErrToolLoopLimit)
		final.ToolCalls = nil
	}
	return final, records, nil
}

// collectCalls merges native tool-channel calls with inline textual ones.
func collectCalls(res *provider.CompletionResult, parsed *replyparse.ParsedReply) []provider.ToolCallRequest {
	calls := append([]provider.ToolCallRequest{}, res.ToolCalls...)
	for i, inline := range parsed.ToolCalls {
		args := inline.Arguments
		if inline.ArgErr != nil {
			// Forward the malformed payload; the dispatcher turns it into
			// an error result the model can correct against.
			args = json.RawMessage(`{`)
		}
		calls = append(calls, provider.ToolCallRequest{
			ID:        fmt.Sprintf("inline_%d", i),
			Name:      inline.Name,
			Arguments: args,
		})
	}
	return calls
}

func (s *Service) collectHiddenKeys(card *models.Card, scope *macro.Scope) {
	if card == nil {
		return
	}
	for _, text := range []string{card.Description, card.Personality, card.Scenario, card.SystemPrompt} {
		if text != "" {
			_, _ = macro.Expand(text, scope)
		}
	}
}

// ensureSession resolves the persona's active session, creating one seeded
// with the card greeting on first contact.
func (s *Service) ensureSession(ctx context.Context, p *models.Persona) (string, error) {
	if p.ActiveChatID != "" {
		return p.ActiveChatID, nil
	}
	greeting := ""
	if p.Card != nil {
		if all := p.Card.Greetings(); len(all) > 0 {
			scope := macro.NewScope(p.Card.CharName(), p.Settings.UserName)
			expanded, err := macro.Expand(all[0], scope)
			if err != nil {
				s.log.Warn("greeting macro expansion kept literal text", "error", err)
			}
			greeting = expanded
		}
	}
	sess, err := s.store.CreateSession(ctx, p.Key(), "", greeting)
	if err != nil {
		return "", err
	}
	p.ActiveChatID = sess.ChatID
	return sess.ChatID, nil
}

func (s *Service) gateConnection(p *models.Persona) (*models.ProviderConnection, bool) {
	name := p.Settings.GateConnection
	if name == "" {
		name = p.Connection
	}
	conn, ok := s.conns.Connection(name)
	if !ok {
		return nil, false
	}
	return conn, true
}

func scanMessages(history []models.Turn, incoming *models.IncomingMessage) []string {
	out := make([]string, 0, len(history)+1)
	for _, t := range history {
		out = append(out, t.Text())
	}
	return append(out, incoming.Content)
}

// renderHistory formats prior turns as prompt lines. Every line carries the
// persona-scoped short id of its turn so a reply directive can target it.
func (s *Service) renderHistory(persona string, history []models.Turn) []prompt.HistoryTurn {
	out := make([]prompt.HistoryTurn, 0, len(history))
	for _, t := range history {
		short := s.shortIDs.Short(persona, t.ID)
		content := t.Text()
		if t.Author != "" {
			content = fmt.Sprintf("%s #%d: %s", t.Author, short, content)
		} else {
			content = fmt.Sprintf("#%d: %s", short, content)
		}
		out = append(out, prompt.HistoryTurn{Role: t.Role, Content: content})
	}
	return out
}

// resolveReplyTarget maps a parsed short reply id back to the turn or
// message id it was assigned for. A target that never appeared in the
// prompt resolves to nothing.
func (s *Service) resolveReplyTarget(persona, target string) string {
	if target == "" {
		return ""
	}
	n, err := strconv.Atoi(target)
	if err != nil {
		return ""
	}
	realID, ok := s.shortIDs.Real(persona, n)
	if !ok {
		s.log.Debug("reply target does not match any known message", "persona", persona, "target", target)
		return ""
	}
	return realID
}

func systemNotice(err error) string {
	switch {
	case errors.Is(err, provider.ErrAuth):
		return "provider rejected the configured credentials"
	case errors.Is(err, provider.ErrRateLimit):
		return "provider is rate limiting requests, try again shortly"
	case errors.Is(err, provider.ErrTimeout):
		return "provider timed out"
	default:
		return "something went wrong while generating a reply"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
