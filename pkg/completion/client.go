package completion

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/botchat/pkg/chat"
)

var (
	// ErrNoAPIKey means neither the stored settings nor the process
	// fallback provide a usable key.
	ErrNoAPIKey = errors.New("no api key configured")
	// ErrBadHeaders means the custom header set in settings is not a
	// JSON object of string values.
	ErrBadHeaders = errors.New("malformed custom headers")
)

// Prompt is one role-tagged entry of the upstream request history.
type Prompt struct {
	Role    chat.Role
	Content string
}

// Client wraps the upstream chat-completion API. It keeps a single
// cached API client keyed by a config fingerprint and rebuilds it when
// key, base URL or headers change; the old client is discarded, never
// mutated.
type Client struct {
	fallbackKey string

	mu          sync.Mutex
	fingerprint string
	api         *openai.Client
}

func NewClient(fallbackKey string) *Client {
	return &Client{fallbackKey: fallbackKey}
}

// CheckConfig reports whether a completion request could be built from
// cfg without performing one. Used by the relay before it creates the
// placeholder message.
func (c *Client) CheckConfig(cfg chat.Settings) error {
	if c.resolveKey(cfg) == "" {
		return ErrNoAPIKey
	}
	_, err := parseHeaders(cfg.ExtraHeaders)
	return err
}

// Complete runs one completion over the given history and invokes
// onDelta for every incremental chunk, in arrival order. In
// non-streaming mode onDelta is invoked exactly once with the full
// text. Unknown prompt roles are coerced to user.
func (c *Client) Complete(ctx context.Context, cfg chat.Settings, model string, prompts []Prompt, onDelta func(delta string) error) error {
	api, err := c.clientFor(cfg)
	if err != nil {
		return err
	}
	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toChatMessages(prompts),
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
	}

	if !cfg.Stream {
		resp, err := api.CreateChatCompletion(ctx, req)
		if err != nil {
			return errors.Wrap(err, "completion request")
		}
		if len(resp.Choices) == 0 {
			return errors.New("completion request: no choices")
		}
		return onDelta(resp.Choices[0].Message.Content)
	}

	req.Stream = true
	stream, err := api.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return errors.Wrap(err, "completion stream")
	}
	defer func() { _ = stream.Close() }()
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "completion stream recv")
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			if err := onDelta(delta); err != nil {
				return err
			}
		}
	}
}

func (c *Client) resolveKey(cfg chat.Settings) string {
	if strings.TrimSpace(cfg.APIKey) != "" {
		return cfg.APIKey
	}
	return c.fallbackKey
}

// clientFor returns the cached API client, rebuilding it when the
// config fingerprint changed since the last call.
func (c *Client) clientFor(cfg chat.Settings) (*openai.Client, error) {
	key := c.resolveKey(cfg)
	if key == "" {
		return nil, ErrNoAPIKey
	}
	headers, err := parseHeaders(cfg.ExtraHeaders)
	if err != nil {
		return nil, err
	}
	fp := fingerprint(key, cfg.BaseURL, headers)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil && c.fingerprint == fp {
		return c.api, nil
	}

	clientCfg := openai.DefaultConfig(key)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if len(headers) > 0 {
		clientCfg.HTTPClient = &http.Client{Transport: &headerTransport{headers: headers}}
	}
	log.Debug().Str("component", "completion").Str("base_url", clientCfg.BaseURL).Int("extra_headers", len(headers)).Msg("rebuilding upstream client")
	c.api = openai.NewClientWithConfig(clientCfg)
	c.fingerprint = fp
	return c.api, nil
}

func toChatMessages(prompts []Prompt) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(prompts))
	for _, p := range prompts {
		out = append(out, openai.ChatCompletionMessage{
			Role:    coerceRole(p.Role),
			Content: p.Content,
		})
	}
	return out
}

func coerceRole(r chat.Role) string {
	switch r {
	case chat.RoleUser, chat.RoleAssistant, chat.RoleSystem:
		return string(r)
	default:
		return string(chat.RoleUser)
	}
}

func parseHeaders(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	headers := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &headers); err != nil {
		return nil, errors.Wrapf(ErrBadHeaders, "%v", err)
	}
	return headers, nil
}

func fingerprint(key, baseURL string, headers map[string]string) string {
	parts := make([]string, 0, len(headers)+2)
	parts = append(parts, key, baseURL)
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+headers[k])
	}
	return strings.Join(parts, "\x00")
}

// headerTransport injects the user-configured headers into every
// upstream request.
type headerTransport struct {
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	return http.DefaultTransport.RoundTrip(clone)
}
