// Package anthropic adapts the Anthropic Messages API to the model provider
// interface.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"todo-chat-agent/internal/domain"
)

const defaultMaxTokens = 1024

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// StatusError is a non-2xx response from the API.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("anthropic: unexpected status %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client calls the Messages API and returns a domain.ObjectResponse.
type Client struct {
	getter     Getter
	tokenName  string
	baseURL    string
	httpClient *http.Client
	maxTokens  int64

	mu     sync.Mutex
	client *sdk.Client
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

func WithMaxTokens(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// NewClient creates a Client keyed from <paramPrefix>/anthropic-token.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("anthropic: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("anthropic: parameter prefix must not be empty")
	}
	c := &Client{
		getter:    ps,
		tokenName: paramPrefix + "/anthropic-token",
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) api(ctx context.Context) (*sdk.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	raw, err := c.getter.GetParameter(ctx, c.tokenName)
	if err != nil {
		return nil, fmt.Errorf("anthropic: fetch token from paramstore: %w", err)
	}
	var tp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return nil, fmt.Errorf("anthropic: unmarshal paramstore token value as JSON: %w", err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return nil, errors.New("anthropic: API token is empty")
	}

	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(tp.Token)), option.WithMaxRetries(1)}
	if c.baseURL != "" {
		opts = append(opts, option.WithBaseURL(c.baseURL))
	}
	if c.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(c.httpClient))
	}
	client := sdk.NewClient(opts...)
	c.client = &client
	return c.client, nil
}

// Complete sends one Messages request.
func (c *Client) Complete(ctx context.Context, in domain.ModelRequest) (domain.ModelResponse, error) {
	if strings.TrimSpace(in.Model) == "" {
		return nil, errors.New("anthropic: model must not be empty")
	}
	client, err := c.api(ctx)
	if err != nil {
		return nil, err
	}

	system, messages := buildMessages(in)
	params := sdk.MessageNewParams{
		Model:     sdk.Model(in.Model),
		MaxTokens: c.maxTokens,
		Messages:  messages,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if tools := buildTools(in.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return nil, &StatusError{StatusCode: apiErr.StatusCode, Message: apiErr.Error()}
		}
		return nil, fmt.Errorf("anthropic: messages: %w", err)
	}
	if msg == nil {
		return nil, nil
	}

	out := &domain.ObjectResponse{Model: string(msg.Model)}
	var text, thinking []string
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case sdk.TextBlock:
			text = append(text, b.Text)
		case sdk.ThinkingBlock:
			thinking = append(thinking, b.Thinking)
		case sdk.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, domain.RawToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		}
	}
	if len(text) > 0 {
		joined := strings.Join(text, "\n")
		out.Content = &joined
	}
	if len(thinking) > 0 {
		joined := strings.Join(thinking, "\n")
		out.Reasoning = &joined
	}
	return out, nil
}

// buildMessages folds system turns into the system prompt and merges
// consecutive tool results into one user message, as the API requires.
func buildMessages(in domain.ModelRequest) (string, []sdk.MessageParam) {
	systemParts := []string{}
	if s := strings.TrimSpace(in.System); s != "" {
		systemParts = append(systemParts, s)
	}
	out := make([]sdk.MessageParam, 0, len(in.Turns))
	var pendingResults []sdk.ContentBlockParamUnion
	flush := func() {
		if len(pendingResults) > 0 {
			out = append(out, sdk.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, turn := range in.Turns {
		switch turn.Role {
		case domain.RoleSystem:
			if s := strings.TrimSpace(turn.Content); s != "" {
				systemParts = append(systemParts, s)
			}
		case domain.RoleTool:
			pendingResults = append(pendingResults, sdk.NewToolResultBlock(turn.ToolCallID, turn.Content, false))
		case domain.RoleUser:
			flush()
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(turn.Content)))
		case domain.RoleAssistant:
			flush()
			blocks := make([]sdk.ContentBlockParamUnion, 0, len(turn.ToolCalls)+1)
			if strings.TrimSpace(turn.Content) != "" {
				blocks = append(blocks, sdk.NewTextBlock(turn.Content))
			}
			for _, call := range turn.ToolCalls {
				args := call.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(call.ID, args, call.Name))
			}
			if len(blocks) > 0 {
				out = append(out, sdk.NewAssistantMessage(blocks...))
			}
		}
	}
	flush()
	return strings.Join(systemParts, "\n\n"), out
}

func buildTools(defs []domain.ToolDefinition) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var required []string
		switch r := def.Parameters["required"].(type) {
		case []string:
			required = r
		case []any:
			for _, v := range r {
				if s, ok := v.(string); ok {
					required = append(required, s)
				}
			}
		}
		tool := sdk.ToolParam{
			Name:        def.Name,
			Description: sdk.String(def.Description),
			InputSchema: sdk.ToolInputSchemaParam{
				Type:       "object",
				Properties: def.Parameters["properties"],
				Required:   required,
			},
		}
		out = append(out, sdk.ToolUnionParam{OfTool: &tool})
	}
	return out
}
