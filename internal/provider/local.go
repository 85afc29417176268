package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"personad/internal/models"
	"personad/internal/prompt"
)

// LocalAdapter speaks the Ollama /api/chat wire shape for models served on
// the operator's own hardware.
type LocalAdapter struct {
	httpc *http.Client
}

type localRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []ToolSchema    `json:"tools,omitempty"`
	Options  localOptions    `json:"options"`
}

type localOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
}

type localResponse struct {
	Message struct {
		Content   string `json:"content"`
		Thinking  string `json:"thinking,omitempty"`
		ToolCalls []struct {
			Function struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls,omitempty"`
	} `json:"message"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (a *LocalAdapter) Complete(ctx context.Context, conn *models.ProviderConnection, pc *prompt.PromptContext, tools []ToolSchema) (*CompletionResult, error) {
	msgs := make([]openAIMessage, 0, len(pc.Messages)+1)
	if pc.System != "" {
		msgs = append(msgs, openAIMessage{Role: models.RoleSystem, Content: pc.System})
	}
	for _, m := range pc.Messages {
		msgs = append(msgs, openAIMessage{Role: m.Role, Content: m.Content})
	}

	req := localRequest{
		Model:    conn.Model,
		Messages: msgs,
		Tools:    tools,
		Options: localOptions{
			Temperature: conn.Temperature,
			TopP:        conn.TopP,
			NumPredict:  conn.EffectiveMaxTokens(),
			NumCtx:      conn.EffectiveContextSize(),
		},
	}

	body, status, header, err := postJSON(ctx, a.httpc, joinURL(conn.BaseURL, "/api/chat"), "", "", req, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, ClassifyStatus(status, string(body), header)
	}

	var resp localResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Kind: KindMalformed, Message: "invalid chat JSON", Cause: err}
	}

	result := &CompletionResult{
		Text:          resp.Message.Content,
		ThinkingTrace: resp.Message.Thinking,
		FinishReason:  resp.DoneReason,
		Usage: Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
		},
	}
	for i, tc := range resp.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCallRequest{
			ID:        localToolCallID(i),
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// localToolCallID synthesizes ids for backends that do not assign them.
func localToolCallID(i int) string {
	return fmt.Sprintf("call_%d", i)
}
