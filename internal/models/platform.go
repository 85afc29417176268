package models

import "time"

// IncomingMessage is an inbound chat-platform event as delivered by the
// (excluded) transport layer.
type IncomingMessage struct {
	ID          string    `json:"id"`
	Server      string    `json:"server"`
	Channel     string    `json:"channel"`
	AuthorID    string    `json:"author_id"`
	AuthorName  string    `json:"author_name"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	Mentions    []string  `json:"mentions,omitempty"`     // persona names explicitly mentioned
	ReplyToID   string    `json:"reply_to_id,omitempty"`  // platform id of the message replied to
	ReplyToBot  bool      `json:"reply_to_bot,omitempty"` // true when replying to the persona
	AuthorIsBot bool      `json:"author_is_bot,omitempty"`
}

// MentionsPersona reports whether the message explicitly addresses the persona.
func (m *IncomingMessage) MentionsPersona(name string) bool {
	for _, mention := range m.Mentions {
		if mention == name {
			return true
		}
	}
	return m.ReplyToBot
}

// PlatformMessage is a message fetched from the chat platform by a tool.
type PlatformMessage struct {
	ID         string    `json:"id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// Member is chat-platform member info.
type Member struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	IsBot       bool      `json:"is_bot,omitempty"`
	JoinedAt    time.Time `json:"joined_at,omitempty"`
	Roles       []string  `json:"roles,omitempty"`
}

// ChannelInfo is chat-platform channel metadata.
type ChannelInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Topic string `json:"topic,omitempty"`
	NSFW  bool   `json:"nsfw,omitempty"`
}

// Emoji is one custom emoji available on a server.
type Emoji struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Animated bool   `json:"animated,omitempty"`
}

// ServerStats is aggregate chat-platform server info.
type ServerStats struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MemberCount  int       `json:"member_count"`
	ChannelCount int       `json:"channel_count"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}
