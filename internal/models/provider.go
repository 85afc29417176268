package models

import "time"

// ProviderKind selects the wire dialect of an LLM backend.
type ProviderKind string

const (
	ProviderOpenAICompatible    ProviderKind = "openai-compatible"
	ProviderAnthropicCompatible ProviderKind = "anthropic-compatible"
	ProviderLocal               ProviderKind = "local"
	ProviderCustom              ProviderKind = "custom"
)

// ProviderConnection describes one configured LLM backend. Connections are
// created/updated out-of-band; the core takes a copy for the duration of a
// turn and never mutates one while a request is in flight.
type ProviderConnection struct {
	Name    string       `json:"name"`
	Kind    ProviderKind `json:"kind"`
	BaseURL string       `json:"base_url"`
	APIKey  string       `json:"api_key,omitempty"` // omit from admin responses
	Model   string       `json:"model"`
	Enabled bool         `json:"enabled"`

	// Generation parameters.
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	ContextSize int     `json:"context_size,omitempty"` // prompt budget in tokens

	// Capability flags replace runtime type inspection.
	SupportsTools    bool `json:"supports_tools,omitempty"`
	SupportsThinking bool `json:"supports_thinking,omitempty"`

	// RequestsPerMinute caps outbound calls on this connection (0 = no cap).
	RequestsPerMinute int `json:"requests_per_minute,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Clone returns a copy safe to hold across an in-flight request.
func (c *ProviderConnection) Clone() *ProviderConnection {
	cp := *c
	return &cp
}

// EffectiveContextSize returns the prompt budget with a conservative default.
func (c *ProviderConnection) EffectiveContextSize() int {
	if c.ContextSize > 0 {
		return c.ContextSize
	}
	return 4096
}

// EffectiveMaxTokens returns the completion reserve with a sane default.
func (c *ProviderConnection) EffectiveMaxTokens() int {
	if c.MaxTokens > 0 {
		return c.MaxTokens
	}
	return 1000
}

// ProvidersConfig is the providers.json file structure.
type ProvidersConfig struct {
	Providers []ProviderConnection `json:"providers"`
}
