package chat

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"personad/internal/lorebook"
	"personad/internal/macro"
	"personad/internal/models"
	"personad/internal/prompt"
	"personad/internal/replyparse"
	"personad/internal/session"
)

// Administrative operations. All persona-state mutations take the persona's
// turn serializer so they never race an in-flight turn.

var ErrPersonaNotFound = errors.New("persona not found")

// AddPersona registers a persona.
func (s *Service) AddPersona(p *models.Persona) error {
	return s.registry.Add(p)
}

// Personas lists every registered persona.
func (s *Service) Personas() []*models.Persona {
	return s.registry.All()
}

// RemovePersona deletes a persona from the registry. Its sessions stay in
// the store until the retention job collects them.
func (s *Service) RemovePersona(key models.PersonaKey) error {
	unlock := s.locks.Lock(key.String())
	defer unlock()
	return s.registry.Remove(key)
}

// WakePersona is the administrative sleep reset.
func (s *Service) WakePersona(key models.PersonaKey) error {
	p, ok := s.registry.Get(key)
	if !ok {
		return ErrPersonaNotFound
	}
	unlock := s.locks.Lock(key.String())
	defer unlock()
	s.sleep.Wake(p)
	return nil
}

// SleepIdle puts awake personas with no activity inside maxIdle to sleep.
// Returns how many changed state.
func (s *Service) SleepIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	slept := 0
	for _, p := range s.registry.All() {
		unlock := s.locks.Lock(p.Key().String())
		if p.Settings.SleepModeEnabled && p.Sleep != models.SleepAsleep &&
			!p.LastActivity.IsZero() && p.LastActivity.Before(cutoff) {
			p.Sleep = models.SleepAsleep
			slept++
		}
		unlock()
	}
	return slept
}

// MuteUser adds an author to the persona's mute list.
func (s *Service) MuteUser(key models.PersonaKey, authorID string) error {
	p, ok := s.registry.Get(key)
	if !ok {
		return ErrPersonaNotFound
	}
	unlock := s.locks.Lock(key.String())
	defer unlock()
	p.Mute(authorID)
	return nil
}

// UnmuteUser removes an author from the persona's mute list.
func (s *Service) UnmuteUser(key models.PersonaKey, authorID string) error {
	p, ok := s.registry.Get(key)
	if !ok {
		return ErrPersonaNotFound
	}
	unlock := s.locks.Lock(key.String())
	defer unlock()
	p.Unmute(authorID)
	return nil
}

// NewSession opens a fresh session and makes it active.
func (s *Service) NewSession(ctx context.Context, key models.PersonaKey, title string) (*models.ChatSession, error) {
	p, ok := s.registry.Get(key)
	if !ok {
		return nil, ErrPersonaNotFound
	}
	unlock := s.locks.Lock(key.String())
	defer unlock()

	greeting := ""
	if p.Card != nil {
		if all := p.Card.Greetings(); len(all) > 0 {
			scope := macro.NewScope(p.Card.CharName(), p.Settings.UserName)
			greeting, _ = macro.Expand(all[0], scope)
		}
	}
	sess, err := s.store.CreateSession(ctx, key, title, greeting)
	if err != nil {
		return nil, err
	}
	p.ActiveChatID = sess.ChatID
	return sess, nil
}

// SwitchSession changes which session the persona reads and appends.
func (s *Service) SwitchSession(ctx context.Context, key models.PersonaKey, chatID string) error {
	p, ok := s.registry.Get(key)
	if !ok {
		return ErrPersonaNotFound
	}
	sess, err := s.store.GetSession(ctx, chatID)
	if err != nil {
		return err
	}
	if sess.PersonaKey != key {
		return fmt.Errorf("session %s belongs to %s", chatID, sess.PersonaKey)
	}
	unlock := s.locks.Lock(key.String())
	defer unlock()
	p.ActiveChatID = chatID
	return nil
}

// ListSessions lists the persona's sessions.
func (s *Service) ListSessions(ctx context.Context, key models.PersonaKey) ([]models.ChatSession, error) {
	if _, ok := s.registry.Get(key); !ok {
		return nil, ErrPersonaNotFound
	}
	return s.store.ListSessions(ctx, key)
}

// ClearHistory truncates the active session. Card and persona identity are
// untouched.
func (s *Service) ClearHistory(ctx context.Context, key models.PersonaKey) error {
	p, ok := s.registry.Get(key)
	if !ok {
		return ErrPersonaNotFound
	}
	unlock := s.locks.Lock(key.String())
	defer unlock()
	if p.ActiveChatID == "" {
		return nil
	}
	return s.store.Truncate(ctx, p.ActiveChatID)
}

// RegenerateLast produces a new candidate for the newest assistant turn and
// moves the cursor to it. The prompt is rebuilt from the history before
// that turn.
func (s *Service) RegenerateLast(ctx context.Context, key models.PersonaKey) (*models.Turn, error) {
	p, ok := s.registry.Get(key)
	if !ok {
		return nil, ErrPersonaNotFound
	}
	unlock := s.locks.Lock(key.String())
	defer unlock()

	if p.ActiveChatID == "" {
		return nil, session.ErrSessionNotFound
	}
	conn, ok := s.conns.Connection(p.Connection)
	if !ok || !conn.Enabled {
		return nil, fmt.Errorf("provider connection %q unavailable", p.Connection)
	}

	window, err := s.store.RecentWindow(ctx, p.ActiveChatID, session.DefaultWindowTurns)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	target := -1
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].Role == models.RoleAssistant {
			target = i
			break
		}
	}
	if target < 0 {
		return nil, fmt.Errorf("no assistant turn to regenerate")
	}
	// The nearest user turn before the target plays the incoming message.
	lastUser := -1
	for i := target - 1; i >= 0; i-- {
		if window[i].Role == models.RoleUser {
			lastUser = i
			break
		}
	}
	if lastUser < 0 {
		return nil, fmt.Errorf("no user turn to regenerate against")
	}

	userName := p.Settings.UserName
	if userName == "" {
		userName = window[lastUser].Author
	}
	scope := macro.NewScope(p.Card.CharName(), userName)
	s.collectHiddenKeys(p.Card, scope)

	var lore lorebook.Partition
	if p.Settings.UseLorebook && p.Card != nil && p.Card.Lorebook != nil {
		var msgs []string
		for _, t := range window[:lastUser+1] {
			msgs = append(msgs, t.Text())
		}
		acts := s.lore.Activate(lorebook.ScanInput{
			Book:       p.Card.Lorebook,
			Messages:   msgs,
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

	renderedHistory := s.renderHistory(key.String(), window[:lastUser])
	incoming := window[lastUser].Text()
	if author := window[lastUser].Author; author != "" {
		incoming = fmt.Sprintf("%s #%d: %s", author, s.shortIDs.Short(key.String(), window[lastUser].ID), incoming)
	}
	pc, err := s.assembler.Assemble(prompt.Input{
		Card:        p.Card,
		Scope:       scope,
		History:     renderedHistory,
		Incoming:    incoming,
		Lore:        lore,
		ContextSize: conn.EffectiveContextSize(),
		MaxTokens:   conn.EffectiveMaxTokens(),
	})
	if err != nil {
		return nil, fmt.Errorf("assemble prompt: %w", err)
	}

	res, err := s.completer.Complete(ctx, conn, pc, nil)
	if err != nil {
		return nil, fmt.Errorf("completion: %w", err)
	}
	parsed := replyparse.Parse(res.Text, replyparse.Options{
		ParseReplyTargets: p.Settings.EnableReplySystem,
	})
	visible := parsed.VisibleText()
	if visible == "" {
		return nil, &declinedError{}
	}

	turn, err := s.store.Regenerate(ctx, p.ActiveChatID, window[target].ID, visible)
	if err != nil {
		return nil, fmt.Errorf("store candidate: %w", err)
	}
	p.LastActivity = time.Now()
	return turn, nil
}

// CycleCandidate moves the candidate cursor of the newest assistant turn.
func (s *Service) CycleCandidate(ctx context.Context, key models.PersonaKey, forward bool) (*models.Turn, error) {
	p, ok := s.registry.Get(key)
	if !ok {
		return nil, ErrPersonaNotFound
	}
	unlock := s.locks.Lock(key.String())
	defer unlock()

	if p.ActiveChatID == "" {
		return nil, session.ErrSessionNotFound
	}
	window, err := s.store.RecentWindow(ctx, p.ActiveChatID, session.DefaultWindowTurns)
	if err != nil {
		return nil, err
	}
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].Role == models.RoleAssistant {
			if forward {
				return s.store.CursorNext(ctx, p.ActiveChatID, window[i].ID)
			}
			return s.store.CursorPrev(ctx, p.ActiveChatID, window[i].ID)
		}
	}
	return nil, fmt.Errorf("no assistant turn to navigate")
}
