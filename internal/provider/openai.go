package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"personad/internal/models"
	"personad/internal/prompt"
)

// OpenAIAdapter speaks the /chat/completions wire shape. It also serves
// "custom" connections since nearly every self-hosted gateway mimics it.
type OpenAIAdapter struct {
	httpc *http.Client
}

type openAIRequest struct {
	Model       string           `json:"model"`
	Messages    []openAIMessage  `json:"messages"`
	Temperature float64          `json:"temperature,omitempty"`
	TopP        float64          `json:"top_p,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Tools       []ToolSchema     `json:"tools,omitempty"`
	ToolChoice  string           `json:"tool_choice,omitempty"`
	Stream      bool             `json:"stream"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning_content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (a *OpenAIAdapter) Complete(ctx context.Context, conn *models.ProviderConnection, pc *prompt.PromptContext, tools []ToolSchema) (*CompletionResult, error) {
	msgs := make([]openAIMessage, 0, len(pc.Messages)+1)
	if pc.System != "" {
		msgs = append(msgs, openAIMessage{Role: models.RoleSystem, Content: pc.System})
	}
	for _, m := range pc.Messages {
		msgs = append(msgs, openAIMessage{Role: m.Role, Content: m.Content})
	}

	req := openAIRequest{
		Model:       conn.Model,
		Messages:    msgs,
		Temperature: conn.Temperature,
		TopP:        conn.TopP,
		MaxTokens:   conn.EffectiveMaxTokens(),
		Tools:       tools,
	}
	if len(tools) > 0 {
		req.ToolChoice = "auto"
	}

	body, status, header, err := postJSON(ctx, a.httpc, joinURL(conn.BaseURL, "/chat/completions"), conn.APIKey, "Bearer ", req, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, ClassifyStatus(status, string(body), header)
	}

	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Kind: KindMalformed, Message: "invalid completion JSON", Cause: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: KindMalformed, Message: "completion returned no choices"}
	}

	choice := resp.Choices[0]
	result := &CompletionResult{
		Text:          choice.Message.Content,
		ThinkingTrace: choice.Message.Reasoning,
		FinishReason:  choice.FinishReason,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCallRequest{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return result, nil
}

// postJSON issues one JSON POST and returns the raw body. extraHeaders lets
// adapters add scheme-specific headers; authPrefix is prepended to the key
// in the Authorization header (empty key sends no auth).
func postJSON(ctx context.Context, httpc *http.Client, url, apiKey, authPrefix string, payload any, extraHeaders map[string]string) (body []byte, status int, header http.Header, err error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" && authPrefix != "" {
		req.Header.Set("Authorization", authPrefix+apiKey)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := httpc.Do(req)
	if err != nil {
		return nil, 0, nil, err
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, 0, nil, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, resp.Header, nil
}

// joinURL appends path to base without doubling slashes. A base that
// already ends in the path is left alone, which tolerates configs that
// include the full endpoint.
func joinURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, path) {
		return base
	}
	return base + path
}
