package models

import "time"

// Turn roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatSession is one conversation log for a persona. A persona has exactly
// one active session at a time; others persist and can be switched to.
type ChatSession struct {
	PersonaKey PersonaKey `json:"-"`
	ChatID     string     `json:"chat_id"`
	Title      string     `json:"title,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	TurnCount  int        `json:"turn_count"`
}

// Turn is one entry in a session log. Assistant turns are a cursor over one
// or more candidates; all other roles carry exactly one.
type Turn struct {
	ID        string    `json:"id"` // ULID, orders the log
	Role      string    `json:"role"`
	AuthorID  string    `json:"author_id,omitempty"`
	Author    string    `json:"author,omitempty"` // display name at the time
	Timestamp time.Time `json:"timestamp"`

	// Candidates holds every generated alternative; CandidateIdx points at
	// the current one. Non-assistant turns have a single candidate.
	Candidates   []Candidate `json:"candidates"`
	CandidateIdx int         `json:"candidate_idx"`

	ReplyTargetID string     `json:"reply_target_id,omitempty"` // earlier turn this replies to
	ToolCalls     []ToolCall `json:"tool_calls,omitempty"`
}

// Text returns the current candidate's content.
func (t *Turn) Text() string {
	if len(t.Candidates) == 0 {
		return ""
	}
	idx := t.CandidateIdx
	if idx < 0 || idx >= len(t.Candidates) {
		idx = len(t.Candidates) - 1
	}
	return t.Candidates[idx].Content
}

// Candidate is one generated alternative for a turn.
type Candidate struct {
	ID        string    `json:"id"` // ULID
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ToolCall records one tool invocation made while producing a turn.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON
	Result    string `json:"result,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}
