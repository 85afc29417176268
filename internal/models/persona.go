package models

import "time"

// SleepState is the generation-suppression state of a persona.
type SleepState string

const (
	SleepAwake  SleepState = "awake"
	SleepAsleep SleepState = "asleep"
)

// Persona is one AI instance bound to a channel. Identity is
// (server, channel, name), unique per channel. Runtime state is owned
// exclusively by the persona's turn serializer and is never touched by two
// turns concurrently.
type Persona struct {
	Server  string `json:"server"`
	Channel string `json:"channel"`
	Name    string `json:"name"`

	Card       *Card  `json:"-"` // read-only snapshot, shared across turns
	Connection string `json:"connection"` // ProviderConnection name

	// Runtime state.
	Sleep             SleepState          `json:"sleep"`
	RefusalStreak     int                 `json:"refusal_streak"`
	ActiveChatID      string              `json:"active_chat_id"`
	Muted             map[string]struct{} `json:"-"` // author ids this persona ignores
	LastActivity      time.Time           `json:"last_activity"`

	// Behavior settings, supplied by the configuration collaborator.
	Settings PersonaSettings `json:"settings"`
}

// PersonaSettings are the per-persona behavior knobs.
type PersonaSettings struct {
	UseResponseGate    bool    `json:"use_response_gate"`
	GateConnection     string  `json:"gate_connection,omitempty"`  // connection for the gate's secondary call
	GateFallback       string  `json:"gate_fallback,omitempty"`    // "respond" or "silent" when the gate errors
	GateTimeoutSeconds float64 `json:"gate_timeout_seconds,omitempty"`

	SleepModeEnabled bool `json:"sleep_mode_enabled"`
	SleepThreshold   int  `json:"sleep_threshold,omitempty"` // consecutive refusals before sleeping

	UseLorebook       bool `json:"use_lorebook"`
	LorebookScanDepth int  `json:"lorebook_scan_depth,omitempty"`

	EnableReplySystem bool     `json:"enable_reply_system"`
	EnableTools       bool     `json:"enable_tools"`
	AllowedTools      []string `json:"allowed_tools,omitempty"` // empty = all

	// UserName substituted for {{user}}; empty means the author display name.
	UserName string `json:"user_name,omitempty"`
}

// Key returns the registry key for this persona.
func (p *Persona) Key() PersonaKey {
	return PersonaKey{Server: p.Server, Channel: p.Channel, Name: p.Name}
}

// IsMuted reports whether the author is on the persona's mute list.
func (p *Persona) IsMuted(authorID string) bool {
	if p.Muted == nil {
		return false
	}
	_, ok := p.Muted[authorID]
	return ok
}

// Mute adds an author to the mute list.
func (p *Persona) Mute(authorID string) {
	if p.Muted == nil {
		p.Muted = make(map[string]struct{})
	}
	p.Muted[authorID] = struct{}{}
}

// Unmute removes an author from the mute list.
func (p *Persona) Unmute(authorID string) {
	delete(p.Muted, authorID)
}

// EffectiveSleepThreshold returns the refusal threshold with its default.
func (s PersonaSettings) EffectiveSleepThreshold() int {
	if s.SleepThreshold > 0 {
		return s.SleepThreshold
	}
	return 5
}

// EffectiveGateTimeout returns the gate LLM timeout with its default.
func (s PersonaSettings) EffectiveGateTimeout() time.Duration {
	if s.GateTimeoutSeconds > 0 {
		return time.Duration(s.GateTimeoutSeconds * float64(time.Second))
	}
	return 5 * time.Second
}

// PersonaKey identifies a persona in the process-wide registry.
type PersonaKey struct {
	Server  string
	Channel string
	Name    string
}

func (k PersonaKey) String() string {
	return k.Server + "/" + k.Channel + "/" + k.Name
}
