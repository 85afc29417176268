// Package tools holds the read-only chat-platform tools a persona may call
// during a turn, plus the dispatcher that executes requested calls and
// formats their results for the follow-up completion.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"personad/internal/models"
	"personad/internal/provider"
)

// PlatformClient is the chat-platform collaborator. Every method is a
// read-only query; tools never mutate platform state.
type PlatformClient interface {
	RecentMessages(ctx context.Context, channel string, limit int) ([]models.PlatformMessage, error)
	MemberInfo(ctx context.Context, server, userID string) (*models.Member, error)
	ChannelInfo(ctx context.Context, channel string) (*models.ChannelInfo, error)
	EmojiList(ctx context.Context, server string) ([]models.Emoji, error)
	ServerStats(ctx context.Context, server string) (*models.ServerStats, error)
}

// Env pins a tool invocation to the server and channel of the turn that
// requested it.
type Env struct {
	Server  string
	Channel string
}

// ExecuteFunc runs one tool call and returns the text fed back to the model.
type ExecuteFunc func(ctx context.Context, client PlatformClient, env Env, args map[string]any) (string, error)

// Tool is one registered capability.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema for the arguments object
	Execute     ExecuteFunc
}

// Registry manages the available tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry returns a registry with the built-in platform tools.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]*Tool)}
	registerPlatformTools(r)
	return r
}

// Register adds a tool. Names are unique.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if t.Execute == nil {
		return fmt.Errorf("tool %s must have an execute function", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %s is already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// Schemas returns provider-format schemas for the allowed tools. A nil
// allow-list exposes everything.
func (r *Registry) Schemas(allowed []string) []provider.ToolSchema {
	allow := map[string]struct{}{}
	for _, name := range allowed {
		allow[name] = struct{}{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []provider.ToolSchema
	for name, t := range r.tools {
		if len(allowed) > 0 {
			if _, ok := allow[name]; !ok {
				continue
			}
		}
		out = append(out, provider.ToolSchema{
			Type: "function",
			Function: provider.ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}
