package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const defaultMessageLimit = 20

func registerPlatformTools(r *Registry) {
	for _, t := range []*Tool{
		recentMessagesTool(),
		memberInfoTool(),
		channelInfoTool(),
		emojiListTool(),
		serverStatsTool(),
	} {
		// registration of built-ins cannot collide
		_ = r.Register(t)
	}
}

func recentMessagesTool() *Tool {
	return &Tool{
		Name:        "get_recent_messages",
		Description: "Fetch the most recent messages in the current channel.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"limit": {"type": "integer", "description": "Number of messages to fetch (1-50).", "default": 20}
			}
		}`),
		Execute: func(ctx context.Context, client PlatformClient, env Env, args map[string]any) (string, error) {
			limit := intArg(args, "limit", defaultMessageLimit)
			if limit < 1 {
				limit = 1
			}
			if limit > 50 {
				limit = 50
			}
			msgs, err := client.RecentMessages(ctx, env.Channel, limit)
			if err != nil {
				return "", fmt.Errorf("fetch recent messages: %w", err)
			}
			if len(msgs) == 0 {
				return "No recent messages.", nil
			}
			var sb strings.Builder
			for _, m := range msgs {
				fmt.Fprintf(&sb, "[%s] %s: %s\n", m.Timestamp.Format("15:04"), m.AuthorName, m.Content)
			}
			return sb.String(), nil
		},
	}
}

func memberInfoTool() *Tool {
	return &Tool{
		Name:        "get_member_info",
		Description: "Look up profile details for a member of the current server.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"user_id": {"type": "string", "description": "Platform id of the member."}
			},
			"required": ["user_id"]
		}`),
		Execute: func(ctx context.Context, client PlatformClient, env Env, args map[string]any) (string, error) {
			userID, _ := args["user_id"].(string)
			if userID == "" {
				return "", fmt.Errorf("user_id is required")
			}
			m, err := client.MemberInfo(ctx, env.Server, userID)
			if err != nil {
				return "", fmt.Errorf("fetch member info: %w", err)
			}
			name := m.DisplayName
			if name == "" {
				name = m.Username
			}
			out := fmt.Sprintf("Member %s (username %s, id %s)", name, m.Username, m.ID)
			if m.IsBot {
				out += " [bot]"
			}
			if len(m.Roles) > 0 {
				out += ", roles: " + strings.Join(m.Roles, ", ")
			}
			if !m.JoinedAt.IsZero() {
				out += ", joined " + m.JoinedAt.Format("2006-01-02")
			}
			return out, nil
		},
	}
}

func channelInfoTool() *Tool {
	return &Tool{
		Name:        "get_channel_info",
		Description: "Get the name and topic of the current channel.",
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
		Execute: func(ctx context.Context, client PlatformClient, env Env, args map[string]any) (string, error) {
			info, err := client.ChannelInfo(ctx, env.Channel)
			if err != nil {
				return "", fmt.Errorf("fetch channel info: %w", err)
			}
			out := fmt.Sprintf("Channel #%s (id %s)", info.Name, info.ID)
			if info.Topic != "" {
				out += ", topic: " + info.Topic
			}
			return out, nil
		},
	}
}

func emojiListTool() *Tool {
	return &Tool{
		Name:        "get_emoji_list",
		Description: "List the custom emoji available on the current server.",
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
		Execute: func(ctx context.Context, client PlatformClient, env Env, args map[string]any) (string, error) {
			emoji, err := client.EmojiList(ctx, env.Server)
			if err != nil {
				return "", fmt.Errorf("fetch emoji list: %w", err)
			}
			if len(emoji) == 0 {
				return "No custom emoji on this server.", nil
			}
			names := make([]string, 0, len(emoji))
			for _, e := range emoji {
				names = append(names, ":"+e.Name+":")
			}
			return "Custom emoji: " + strings.Join(names, " "), nil
		},
	}
}

func serverStatsTool() *Tool {
	return &Tool{
		Name:        "get_server_stats",
		Description: "Get aggregate statistics about the current server.",
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
		Execute: func(ctx context.Context, client PlatformClient, env Env, args map[string]any) (string, error) {
			stats, err := client.ServerStats(ctx, env.Server)
			if err != nil {
				return "", fmt.Errorf("fetch server stats: %w", err)
			}
			out := fmt.Sprintf("Server %s: %d members, %d channels", stats.Name, stats.MemberCount, stats.ChannelCount)
			if !stats.CreatedAt.IsZero() {
				out += ", created " + stats.CreatedAt.Format("2006-01-02")
			}
			return out, nil
		},
	}
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64: // JSON numbers decode as float64
		return int(v)
	case int:
		return v
	}
	return fallback
}
