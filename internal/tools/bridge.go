package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"personad/internal/models"
)

// BridgeClient is a PlatformClient backed by the chat-platform transport
// bridge's REST API.
type BridgeClient struct {
	baseURL string
	httpc   *http.Client
}

func NewBridgeClient(baseURL string) *BridgeClient {
	return &BridgeClient{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *BridgeClient) get(ctx context.Context, path string, query url.Values, out any) error {
	u := b.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := b.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("bridge request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read bridge response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge returned %d for %s", resp.StatusCode, path)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode bridge response: %w", err)
	}
	return nil
}

func (b *BridgeClient) RecentMessages(ctx context.Context, channel string, limit int) ([]models.PlatformMessage, error) {
	var out []models.PlatformMessage
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	err := b.get(ctx, "/channels/"+url.PathEscape(channel)+"/messages", q, &out)
	return out, err
}

func (b *BridgeClient) MemberInfo(ctx context.Context, server, userID string) (*models.Member, error) {
	var out models.Member
	err := b.get(ctx, "/servers/"+url.PathEscape(server)+"/members/"+url.PathEscape(userID), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *BridgeClient) ChannelInfo(ctx context.Context, channel string) (*models.ChannelInfo, error) {
	var out models.ChannelInfo
	err := b.get(ctx, "/channels/"+url.PathEscape(channel), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *BridgeClient) EmojiList(ctx context.Context, server string) ([]models.Emoji, error) {
	var out []models.Emoji
	err := b.get(ctx, "/servers/"+url.PathEscape(server)+"/emoji", nil, &out)
	return out, err
}

func (b *BridgeClient) ServerStats(ctx context.Context, server string) (*models.ServerStats, error) {
	var out models.ServerStats
	err := b.get(ctx, "/servers/"+url.PathEscape(server)+"/stats", nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// NoopPlatform serves standalone deployments with no transport bridge.
// Every query reports that platform data is unavailable.
type NoopPlatform struct{}

func (NoopPlatform) RecentMessages(ctx context.Context, channel string, limit int) ([]models.PlatformMessage, error) {
	return nil, fmt.Errorf("no platform bridge configured")
}

func (NoopPlatform) MemberInfo(ctx context.Context, server, userID string) (*models.Member, error) {
	return nil, fmt.Errorf("no platform bridge configured")
}

func (NoopPlatform) ChannelInfo(ctx context.Context, channel string) (*models.ChannelInfo, error) {
	return nil, fmt.Errorf("no platform bridge configured")
}

func (NoopPlatform) EmojiList(ctx context.Context, server string) ([]models.Emoji, error) {
	return nil, fmt.Errorf("no platform bridge configured")
}

func (NoopPlatform) ServerStats(ctx context.Context, server string) (*models.ServerStats, error) {
	return nil, fmt.Errorf("no platform bridge configured")
}
