// Package provider normalizes heterogeneous LLM backends behind a single
// completion contract: openai-compatible, anthropic-compatible and
// local (Ollama-style) endpoints, with shared retry, rate limit and circuit
// breaker handling.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"personad/internal/models"
	"personad/internal/prompt"
)

// ToolSchema advertises one callable tool in OpenAI function format, which
// every supported backend accepts or can be mapped from.
type ToolSchema struct {
	Type     string       `json:"type"` // always "function"
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCallRequest is a backend-requested tool invocation.
type ToolCallRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// CompletionResult is the normalized response of one completion call. A
// failed call never yields a partial result.
type CompletionResult struct {
	Text          string
	ToolCalls     []ToolCallRequest
	ThinkingTrace string
	FinishReason  string
	Usage         Usage
}

// Adapter converts one backend's wire shape to the normalized contract.
type Adapter interface {
	Complete(ctx context.Context, conn *models.ProviderConnection, pc *prompt.PromptContext, tools []ToolSchema) (*CompletionResult, error)
}

const maxAttempts = 3

// Client routes completions to the adapter for the connection's kind and
// wraps every call with per-connection rate limiting, bounded retries and a
// per-endpoint circuit breaker.
type Client struct {
	log      *slog.Logger
	adapters map[models.ProviderKind]Adapter
	breaker  *Breaker
	backoff  Backoff

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	sleep func(context.Context, time.Duration) error
}

func NewClient(log *slog.Logger) *Client {
	httpc := &http.Client{Timeout: 120 * time.Second}
	openai := &OpenAIAdapter{httpc: httpc}
	c := &Client{
		log: log.With("component", "provider"),
		adapters: map[models.ProviderKind]Adapter{
			models.ProviderOpenAICompatible:    openai,
			models.ProviderCustom:              openai, // custom endpoints speak the openai shape
			models.ProviderAnthropicCompatible: &AnthropicAdapter{httpc: httpc},
			models.ProviderLocal:               &LocalAdapter{httpc: httpc},
		},
		breaker:  NewBreaker(5, 60*time.Second),
		backoff:  DefaultBackoff(),
		limiters: make(map[string]*rate.Limiter),
		sleep:    sleepCtx,
	}
	return c
}

// Complete runs one completion with the connection's capabilities applied.
// The connection is copied up front so concurrent config updates cannot
// mutate an in-flight request.
func (c *Client) Complete(ctx context.Context, conn *models.ProviderConnection, pc *prompt.PromptContext, tools []ToolSchema) (*CompletionResult, error) {
	conn = conn.Clone()
	adapter, ok := c.adapters[conn.Kind]
	if !ok {
		return nil, &Error{Kind: KindMalformed, Message: fmt.Sprintf("unsupported provider kind %q", conn.Kind)}
	}
	if !conn.SupportsTools {
		tools = nil
	}

	if !c.breaker.Allow(conn.BaseURL) {
		return nil, &Error{Kind: KindRateLimit, Message: "endpoint circuit open: " + conn.BaseURL, Retryable: false}
	}
	if err := c.waitLimiter(ctx, conn); err != nil {
		return nil, Classify(err)
	}

	var lastErr *Error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		res, err := adapter.Complete(ctx, conn, pc, tools)
		if err == nil {
			c.breaker.RecordSuccess(conn.BaseURL)
			if conn.SupportsThinking && res.ThinkingTrace == "" {
				res.Text, res.ThinkingTrace = ExtractThinking(res.Text)
			}
			return res, nil
		}

		lastErr = Classify(err)
		c.breaker.RecordFailure(conn.BaseURL)
		c.log.Warn("completion attempt failed",
			"connection", conn.Name,
			"attempt", attempt+1,
			"kind", lastErr.Kind.String(),
			"error", lastErr)

		if !c.shouldRetry(lastErr, attempt) {
			break
		}
		delay := c.backoff.Delay(attempt)
		if lastErr.Kind == KindRateLimit && lastErr.RetryAfter > delay {
			delay = lastErr.RetryAfter
		}
		if err := c.sleep(ctx, delay); err != nil {
			return nil, Classify(err)
		}
	}
	return nil, lastErr
}

// shouldRetry applies the retry policy: auth and malformed never retry,
// timeouts retry once, rate limits and transient failures retry until the
// attempt bound.
func (c *Client) shouldRetry(err *Error, attempt int) bool {
	if !err.Retryable {
		return false
	}
	if err.Kind == KindTimeout && attempt >= 1 {
		return false
	}
	return attempt < maxAttempts-1
}

func (c *Client) waitLimiter(ctx context.Context, conn *models.ProviderConnection) error {
	if conn.RequestsPerMinute <= 0 {
		return nil
	}
	c.mu.Lock()
	lim, ok := c.limiters[conn.Name]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(conn.RequestsPerMinute)/60.0), 1)
		c.limiters[conn.Name] = lim
	}
	c.mu.Unlock()
	return lim.Wait(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var thinkRe = regexp.MustCompile(`(?s)<think(?:ing)?>(.*?)</think(?:ing)?>`)

// ExtractThinking splits reasoning-model output into visible text and the
// thinking trace. Models without thinking tags pass through unchanged.
func ExtractThinking(text string) (visible, trace string) {
	matches := thinkRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text, ""
	}
	var traces []string
	for _, m := range matches {
		traces = append(traces, strings.TrimSpace(m[1]))
	}
	visible = strings.TrimSpace(thinkRe.ReplaceAllString(text, ""))
	return visible, strings.Join(traces, "\n")
}
