package models

import "fmt"

// Card is the normalized in-memory form of a character card. It is decoded
// out-of-band (PNG/JSON/CHARX parsing is the card loader's job) and treated
// as read-only by the core for the whole lifetime of a turn.
type Card struct {
	Name             string   `json:"name"`
	Nickname         string   `json:"nickname,omitempty"` // overrides {{char}} when set
	Version          string   `json:"character_version,omitempty"`
	Description      string   `json:"description"`
	Personality      string   `json:"personality,omitempty"`
	Scenario         string   `json:"scenario,omitempty"`
	SystemPrompt     string   `json:"system_prompt,omitempty"`
	MesExample       string   `json:"mes_example,omitempty"`
	PostHistoryInstr string   `json:"post_history_instructions,omitempty"`
	FirstMes         string   `json:"first_mes,omitempty"`
	AlternateGreets  []string `json:"alternate_greetings,omitempty"`
	GroupGreetings   []string `json:"group_only_greetings,omitempty"`

	Lorebook *Lorebook `json:"character_book,omitempty"`

	// DepthPrompt is the depth_prompt card extension: a block injected at a
	// fixed depth among history turns.
	DepthPrompt *DepthPrompt `json:"depth_prompt,omitempty"`

	// Assets are opaque to the core (avatars, emotion sprites, ...).
	Assets []Asset `json:"assets,omitempty"`
}

// CharName returns the name used for {{char}} substitution.
func (c *Card) CharName() string {
	if c.Nickname != "" {
		return c.Nickname
	}
	return c.Name
}

// Greetings returns all greeting variants, primary first.
func (c *Card) Greetings() []string {
	var out []string
	if c.FirstMes != "" {
		out = append(out, c.FirstMes)
	}
	out = append(out, c.AlternateGreets...)
	return out
}

// DepthPrompt is injected among history turns at the given depth from the end.
type DepthPrompt struct {
	Prompt string `json:"prompt"`
	Depth  int    `json:"depth"`
	Role   string `json:"role,omitempty"` // system, user or assistant; defaults to system
}

// Asset references external card media. The core never dereferences the URI.
type Asset struct {
	Type string `json:"type"`
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
	Ext  string `json:"ext,omitempty"`
}

// Lorebook is a card's dynamic knowledge book.
type Lorebook struct {
	Name              string          `json:"name,omitempty"`
	ScanDepth         int             `json:"scan_depth,omitempty"`   // recent turns scanned for keys (0 = default)
	TokenBudget       int             `json:"token_budget,omitempty"` // 0 = default
	RecursiveScanning bool            `json:"recursive_scanning,omitempty"`
	Entries           []LorebookEntry `json:"entries"`
}

// EntryPosition controls where an activated entry lands in the prompt.
type EntryPosition string

const (
	PositionBefore  EntryPosition = "before_context"
	PositionAfter   EntryPosition = "after_context"
	PositionAtDepth EntryPosition = "at_depth"
)

// ActivationMode controls how an entry activates.
type ActivationMode string

const (
	ModeAlways         ActivationMode = "always"
	ModeKeyed          ActivationMode = "keyed"
	ModeKeyedRecursive ActivationMode = "keyed_recursive"
)

// LorebookEntry is one conditionally-injected text block.
// Entry ids are unique within a card; priority ties resolve by insertion
// order, then original position (stable).
type LorebookEntry struct {
	ID             string         `json:"id"`
	Keys           []string       `json:"keys,omitempty"`
	SecondaryKeys  []string       `json:"secondary_keys,omitempty"` // with Selective: all must also match
	Selective      bool           `json:"selective,omitempty"`
	CaseSensitive  bool           `json:"case_sensitive,omitempty"`
	UseRegex       bool           `json:"use_regex,omitempty"`
	Mode           ActivationMode `json:"mode,omitempty"`
	Content        string         `json:"content"`
	Enabled        bool           `json:"enabled"`
	Priority       int            `json:"priority,omitempty"` // higher survives budget pressure
	InsertionOrder int            `json:"insertion_order,omitempty"`
	Position       EntryPosition  `json:"position,omitempty"`    // empty = before_context
	Depth          int            `json:"depth,omitempty"`       // for PositionAtDepth
	Probability    float64        `json:"probability,omitempty"` // 0 or 1 = always included once triggered

	// Decorators are free-form directives; recognized keys are interpreted,
	// the rest ride along untouched.
	Decorators Decorators `json:"decorators,omitempty"`
}

// Recognized decorator keys. Anything else stays in the pass-through bucket.
const (
	DecoratorDepth    = "depth"    // override insertion depth
	DecoratorPosition = "position" // override EntryPosition
	DecoratorScope    = "scope"    // activation scope hint (opaque to activation itself)
)

// EffectivePosition resolves the injection position, letting a position
// decorator override the declared field.
func (e *LorebookEntry) EffectivePosition() EntryPosition {
	if v, ok := e.Decorators.Get(DecoratorPosition); ok {
		switch EntryPosition(v) {
		case PositionBefore, PositionAfter, PositionAtDepth:
			return EntryPosition(v)
		}
	}
	if e.Position == "" {
		return PositionBefore
	}
	return e.Position
}

// EffectiveDepth resolves the at-depth insertion depth, letting a depth
// decorator override the declared field. Depth counts back from the newest
// history turn.
func (e *LorebookEntry) EffectiveDepth() int {
	if v, ok := e.Decorators.Get(DecoratorDepth); ok {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n >= 0 {
			return n
		}
	}
	if e.Depth < 0 {
		return 0
	}
	return e.Depth
}

// Decorators is a typed key/value directive map.
type Decorators map[string]string

// Get returns the value for a decorator key.
func (d Decorators) Get(key string) (string, bool) {
	if d == nil {
		return "", false
	}
	v, ok := d[key]
	return v, ok
}
