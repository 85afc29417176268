package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"personad/internal/models"
	"personad/internal/provider"
)

// fakePlatform records calls and serves canned data.
type fakePlatform struct {
	failEverything bool
	recentCalls    int
}

func (f *fakePlatform) RecentMessages(ctx context.Context, channel string, limit int) ([]models.PlatformMessage, error) {
	f.recentCalls++
	if f.failEverything {
		return nil, fmt.Errorf("platform unavailable")
	}
	msgs := make([]models.PlatformMessage, 0, limit)
	for i := 0; i < limit; i++ {
		msgs = append(msgs, models.PlatformMessage{
			ID:         fmt.Sprintf("m%d", i),
			AuthorName: "user",
			Content:    fmt.Sprintf("message %d", i),
			Timestamp:  time.Unix(int64(i), 0),
		})
	}
	return msgs, nil
}

func (f *fakePlatform) MemberInfo(ctx context.Context, server, userID string) (*models.Member, error) {
	if f.failEverything {
		return nil, fmt.Errorf("platform unavailable")
	}
	return &models.Member{ID: userID, Username: "sam", DisplayName: "Sam", Roles: []string{"admin"}}, nil
}

func (f *fakePlatform) ChannelInfo(ctx context.Context, channel string) (*models.ChannelInfo, error) {
	if f.failEverything {
		return nil, fmt.Errorf("platform unavailable")
	}
	return &models.ChannelInfo{ID: channel, Name: "general", Topic: "anything goes"}, nil
}

func (f *fakePlatform) EmojiList(ctx context.Context, server string) ([]models.Emoji, error) {
	if f.failEverything {
		return nil, fmt.Errorf("platform unavailable")
	}
	return []models.Emoji{{ID: "1", Name: "blob"}, {ID: "2", Name: "wave"}}, nil
}

func (f *fakePlatform) ServerStats(ctx context.Context, server string) (*models.ServerStats, error) {
	if f.failEverything {
		return nil, fmt.Errorf("platform unavailable")
	}
	return &models.ServerStats{ID: server, Name: "Testland", MemberCount: 120, ChannelCount: 8}, nil
}

var testEnv = Env{Server: "s1", Channel: "c1"}

func call(name, args string) provider.ToolCallRequest {
	return provider.ToolCallRequest{ID: "call_" + name, Name: name, Arguments: json.RawMessage(args)}
}

func TestRegistryHasPlatformTools(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{
		"get_recent_messages", "get_member_info", "get_channel_info",
		"get_emoji_list", "get_server_stats",
	} {
		if _, ok := r.Get(name); !ok {
			t.Errorf("missing builtin %s", name)
		}
	}
}

func TestDuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&Tool{
		Name:    "get_server_stats",
		Execute: func(context.Context, PlatformClient, Env, map[string]any) (string, error) { return "", nil },
	})
	if err == nil {
		t.Fatal("duplicate registration must fail")
	}
}

func TestSchemasRespectAllowList(t *testing.T) {
	r := NewRegistry()
	schemas := r.Schemas([]string{"get_member_info"})
	if len(schemas) != 1 || schemas[0].Function.Name != "get_member_info" {
		t.Fatalf("allow-list ignored: %+v", schemas)
	}
	if all := r.Schemas(nil); len(all) != 5 {
		t.Fatalf("nil allow-list should expose all tools, got %d", len(all))
	}
}

func TestDispatchParallelCallsKeepOrder(t *testing.T) {
	d := NewDispatcher(NewRegistry(), slog.Default())
	calls := []provider.ToolCallRequest{
		call("get_server_stats", `{}`),
		call("get_channel_info", `{}`),
		call("get_emoji_list", `{}`),
	}
	results := d.Dispatch(context.Background(), calls, &fakePlatform{}, testEnv, 4096)
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	for i, want := range []string{"get_server_stats", "get_channel_info", "get_emoji_list"} {
		if results[i].Name != want || results[i].CallID != "call_"+want {
			t.Errorf("result %d out of order: %+v", i, results[i])
		}
		if results[i].IsError {
			t.Errorf("unexpected error result: %+v", results[i])
		}
	}
	if !strings.Contains(results[0].Content, "120 members") {
		t.Errorf("stats content wrong: %q", results[0].Content)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	d := NewDispatcher(NewRegistry(), slog.Default())
	results := d.Dispatch(context.Background(), []provider.ToolCallRequest{call("launch_missiles", `{}`)}, &fakePlatform{}, testEnv, 4096)
	if len(results) != 1 || !results[0].IsError {
		t.Fatalf("unknown tool must produce an error result: %+v", results)
	}
	if !strings.Contains(results[0].Content, "unknown tool") {
		t.Errorf("content: %q", results[0].Content)
	}
}

func TestDispatchMalformedArguments(t *testing.T) {
	d := NewDispatcher(NewRegistry(), slog.Default())
	results := d.Dispatch(context.Background(), []provider.ToolCallRequest{call("get_member_info", `{"user_id": }`)}, &fakePlatform{}, testEnv, 4096)
	if !results[0].IsError || !strings.Contains(results[0].Content, "malformed arguments") {
		t.Fatalf("got %+v", results[0])
	}
}

func TestDispatchFailureIsolated(t *testing.T) {
	d := NewDispatcher(NewRegistry(), slog.Default())
	failing := &fakePlatform{failEverything: true}
	results := d.Dispatch(context.Background(), []provider.ToolCallRequest{call("get_server_stats", `{}`)}, failing, testEnv, 4096)
	if !results[0].IsError {
		t.Fatal("platform failure must become an error result")
	}
	if !strings.Contains(results[0].Content, "failed") {
		t.Errorf("content: %q", results[0].Content)
	}
}

func TestMissingRequiredArgument(t *testing.T) {
	d := NewDispatcher(NewRegistry(), slog.Default())
	results := d.Dispatch(context.Background(), []provider.ToolCallRequest{call("get_member_info", `{}`)}, &fakePlatform{}, testEnv, 4096)
	if !results[0].IsError || !strings.Contains(results[0].Content, "user_id") {
		t.Fatalf("got %+v", results[0])
	}
}

func TestRecentMessagesLimitClamped(t *testing.T) {
	d := NewDispatcher(NewRegistry(), slog.Default())
	results := d.Dispatch(context.Background(), []provider.ToolCallRequest{call("get_recent_messages", `{"limit": 500}`)}, &fakePlatform{}, testEnv, 4096)
	if results[0].IsError {
		t.Fatalf("unexpected error: %+v", results[0])
	}
	if lines := strings.Count(results[0].Content, "\n"); lines > 50 {
		t.Errorf("limit not clamped: %d lines", lines)
	}
}

func TestResultTruncation(t *testing.T) {
	r := NewRegistry()
	big := strings.Repeat("a", 100000)
	if err := r.Register(&Tool{
		Name:        "big_tool",
		Description: "returns a lot",
		Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		Execute: func(context.Context, PlatformClient, Env, map[string]any) (string, error) {
			return big, nil
		},
	}); err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(r, slog.Default())
	results := d.Dispatch(context.Background(), []provider.ToolCallRequest{call("big_tool", `{}`)}, &fakePlatform{}, testEnv, 4096)
	if len(results[0].Content) >= len(big) {
		t.Fatal("oversized result not truncated")
	}
	if !strings.HasSuffix(results[0].Content, "[truncated]") {
		t.Errorf("missing truncation marker")
	}
}
