package provider

import (
	"context"
	"encoding/json"
	"net/http"

	"personad/internal/models"
	"personad/internal/prompt"
)

const anthropicVersion = "2023-06-01"

// AnthropicAdapter speaks the /v1/messages wire shape.
type AnthropicAdapter struct {
	httpc *http.Client
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	TopP        float64            `json:"top_p,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text,omitempty"`
		ID    string          `json:"id,omitempty"`
		Name  string          `json:"name,omitempty"`
		Input json.RawMessage `json:"input,omitempty"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *AnthropicAdapter) Complete(ctx context.Context, conn *models.ProviderConnection, pc *prompt.PromptContext, tools []ToolSchema) (*CompletionResult, error) {
	req := anthropicRequest{
		Model:       conn.Model,
		System:      pc.System,
		Messages:    anthropicMessages(pc.Messages),
		MaxTokens:   conn.EffectiveMaxTokens(),
		Temperature: conn.Temperature,
		TopP:        conn.TopP,
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	headers := map[string]string{
		"x-api-key":         conn.APIKey,
		"anthropic-version": anthropicVersion,
	}
	body, status, header, err := postJSON(ctx, a.httpc, joinURL(conn.BaseURL, "/v1/messages"), "", "", req, headers)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, ClassifyStatus(status, string(body), header)
	}

	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Kind: KindMalformed, Message: "invalid messages JSON", Cause: err}
	}
	if len(resp.Content) == 0 {
		return nil, &Error{Kind: KindMalformed, Message: "response carried no content blocks"}
	}

	result := &CompletionResult{
		FinishReason: resp.StopReason,
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
		},
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if result.Text != "" {
				result.Text += "\n"
			}
			result.Text += block.Text
		case "thinking":
			result.ThinkingTrace = block.Text
		case "tool_use":
			result.ToolCalls = append(result.ToolCalls, ToolCallRequest{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}
	return result, nil
}

// anthropicMessages folds system and tool roles into user turns; the
// messages endpoint only accepts user/assistant alternation.
func anthropicMessages(msgs []prompt.Message) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(msgs))
	for _, m := range msgs {
		role := m.Role
		content := m.Content
		switch role {
		case models.RoleSystem:
			role = models.RoleUser
			content = "[context] " + content
		case models.RoleTool:
			role = models.RoleUser
			content = "[tool result] " + content
		}
		// Merge consecutive same-role turns to keep alternation valid.
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + content
			continue
		}
		out = append(out, anthropicMessage{Role: role, Content: content})
	}
	return out
}
