package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"todo-chat-agent/internal/domain"
)

// chatRequest is the Chat Completions request body with function tools.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Tools    []chatTool    `json:"tools,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatCallFunction `json:"function"`
}

type chatCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client talks to any OpenAI-compatible Chat Completions endpoint over plain
// HTTP. It does not interpret the body: a JSON object comes back as a
// domain.MappingResponse and anything else as a domain.TextResponse.
type Client struct {
	baseURL    string
	httpClient *http.Client
	keys       *keySource
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client whose API key is read from
// <paramPrefix>/open-ai-token on the first call.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	keys, err := newKeySource(ps, paramPrefix)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:    "https://api.openai.com/v1",
		httpClient: &http.Client{Timeout: 30 * time.Second},
		keys:       keys,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolvedHTTPClient returns the configured HTTP client, or a default if none was set.
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// Complete sends one Chat Completions request.
func (c *Client) Complete(ctx context.Context, in domain.ModelRequest) (domain.ModelResponse, error) {
	if in.Model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	apiKey, err := c.keys.get(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(chatRequest{
		Model:    in.Model,
		Messages: buildChatMessages(in),
		Tools:    buildChatTools(in.Tools),
	})
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	url := chatURL(c.baseURL)
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return nil, fmt.Errorf("openai: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}

	var payload map[string]any
	if decErr := json.Unmarshal(raw, &payload); decErr == nil && payload != nil {
		return domain.MappingResponse(payload), nil
	}
	return domain.TextResponse(raw), nil
}

func buildChatMessages(in domain.ModelRequest) []chatMessage {
	out := make([]chatMessage, 0, len(in.Turns)+1)
	if in.System != "" {
		out = append(out, chatMessage{Role: domain.RoleSystem, Content: ptr(in.System)})
	}
	for _, turn := range in.Turns {
		msg := chatMessage{Role: turn.Role, Content: ptr(turn.Content)}
		switch turn.Role {
		case domain.RoleAssistant:
			for _, call := range turn.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, chatToolCall{
					ID:       call.ID,
					Type:     "function",
					Function: chatCallFunction{Name: call.Name, Arguments: encodeArguments(call.Arguments)},
				})
			}
			if len(msg.ToolCalls) > 0 && turn.Content == "" {
				msg.Content = nil
			}
		case domain.RoleTool:
			msg.ToolCallID = turn.ToolCallID
		}
		out = append(out, msg)
	}
	return out
}

func buildChatTools(defs []domain.ToolDefinition) []chatTool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]chatTool, 0, len(defs))
	for _, def := range defs {
		out = append(out, chatTool{
			Type:     "function",
			Function: chatFunction{Name: def.Name, Description: def.Description, Parameters: def.Parameters},
		})
	}
	return out
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func ptr(s string) *string {
	return &s
}
