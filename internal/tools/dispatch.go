package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"personad/internal/provider"
	"personad/internal/tokens"
)

// ErrToolLoopLimit marks a completion that requested tools after its one
// follow-up round was already spent. Non-fatal: the partial text is still
// delivered.
var ErrToolLoopLimit = errors.New("tool call follow-up limit reached")

// MaxFollowUpRounds is the number of completion rounds allowed after tool
// results are fed back. Exactly one, to keep a single incoming message from
// looping.
const MaxFollowUpRounds = 1

// Result slices back to the model as a tool-role turn.
type Result struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// Result size bounds: each result may take a slice of the model context,
// clamped so tiny windows still get useful output and huge ones are not
// flooded by one call.
const (
	resultContextShare = 0.10
	resultMinChars     = 500
	resultMaxChars     = 6000
)

const callTimeout = 15 * time.Second

// Dispatcher executes requested tool calls against the platform client.
type Dispatcher struct {
	registry *Registry
	log      *slog.Logger
}

func NewDispatcher(registry *Registry, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		log:      log.With("component", "tools"),
	}
}

// Dispatch runs every call in parallel. All tools are read-only and
// independent, so failures never cancel sibling calls; each failure becomes
// an error result the model can react to. Results come back in call order.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []provider.ToolCallRequest, client PlatformClient, env Env, contextSize int) []Result {
	if len(calls) == 0 {
		return nil
	}
	results := make([]Result, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			results[i] = d.run(gctx, call, client, env, contextSize)
			return nil
		})
	}
	// errgroup only coordinates completion here; errors stay per-result
	_ = g.Wait()
	return results
}

func (d *Dispatcher) run(ctx context.Context, call provider.ToolCallRequest, client PlatformClient, env Env, contextSize int) Result {
	res := Result{CallID: call.ID, Name: call.Name}

	tool, ok := d.registry.Get(call.Name)
	if !ok {
		res.IsError = true
		res.Content = fmt.Sprintf("unknown tool %q; available: %v", call.Name, d.registry.Names())
		return res
	}

	args := map[string]any{}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			res.IsError = true
			res.Content = fmt.Sprintf("malformed arguments for %s: %v", call.Name, err)
			return res
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	start := time.Now()
	out, err := tool.Execute(callCtx, client, env, args)
	if err != nil {
		d.log.Warn("tool call failed", "tool", call.Name, "error", err, "duration", time.Since(start))
		res.IsError = true
		res.Content = fmt.Sprintf("tool %s failed: %v", call.Name, err)
		return res
	}

	res.Content = truncateResult(out, contextSize)
	d.log.Debug("tool call completed", "tool", call.Name, "duration", time.Since(start), "result_chars", len(res.Content))
	return res
}

// truncateResult bounds one result to a share of the model context.
func truncateResult(s string, contextSize int) string {
	limit := int(float64(contextSize*tokens.CharsPerToken) * resultContextShare)
	if limit < resultMinChars {
		limit = resultMinChars
	}
	if limit > resultMaxChars {
		limit = resultMaxChars
	}
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n[truncated]"
}
