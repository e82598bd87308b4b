package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	oai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"

	"todo-chat-agent/internal/domain"
)

// SDKClient calls the Chat Completions API through the official SDK and
// returns the decoded completion as a domain.ObjectResponse.
type SDKClient struct {
	keys       *keySource
	baseURL    string
	httpClient *http.Client

	mu     sync.Mutex
	client *oai.Client
}

type SDKOption func(*SDKClient)

func WithSDKBaseURL(baseURL string) SDKOption {
	return func(c *SDKClient) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithSDKHTTPClient(httpClient *http.Client) SDKOption {
	return func(c *SDKClient) {
		c.httpClient = httpClient
	}
}

// NewSDKClient creates an SDKClient keyed from <paramPrefix>/open-ai-token.
func NewSDKClient(ps Getter, paramPrefix string, opts ...SDKOption) (*SDKClient, error) {
	keys, err := newKeySource(ps, paramPrefix)
	if err != nil {
		return nil, err
	}
	c := &SDKClient{keys: keys}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *SDKClient) sdk(ctx context.Context) (*oai.Client, error) {
	apiKey, err := c.keys.get(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	// The invoker owns the deadline; one retry is enough inside it.
	opts := []ooption.RequestOption{ooption.WithAPIKey(apiKey), ooption.WithMaxRetries(1)}
	if c.baseURL != "" {
		opts = append(opts, ooption.WithBaseURL(c.baseURL))
	}
	if c.httpClient != nil {
		opts = append(opts, ooption.WithHTTPClient(c.httpClient))
	}
	client := oai.NewClient(opts...)
	c.client = &client
	return c.client, nil
}

// Complete sends one Chat Completions request.
func (c *SDKClient) Complete(ctx context.Context, in domain.ModelRequest) (domain.ModelResponse, error) {
	if strings.TrimSpace(in.Model) == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	client, err := c.sdk(ctx)
	if err != nil {
		return nil, err
	}

	params := oai.ChatCompletionNewParams{
		Model:    oai.ChatModel(in.Model),
		Messages: buildSDKMessages(in),
	}
	if tools := buildSDKTools(in.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	completion, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return nil, &HTTPStatusError{StatusCode: apiErr.StatusCode, URL: "chat/completions", Body: apiErr.Error()}
		}
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if completion == nil {
		return nil, nil
	}

	out := &domain.ObjectResponse{Model: completion.Model}
	if len(completion.Choices) == 0 {
		return out, nil
	}
	msg := completion.Choices[0].Message
	content := msg.Content
	out.Content = &content
	if f, ok := msg.JSON.ExtraFields["reasoning_content"]; ok {
		var reasoning string
		if json.Unmarshal([]byte(f.Raw()), &reasoning) == nil && reasoning != "" {
			out.Reasoning = &reasoning
		}
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, domain.RawToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

func buildSDKMessages(in domain.ModelRequest) []oai.ChatCompletionMessageParamUnion {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(in.Turns)+1)
	if in.System != "" {
		out = append(out, oai.SystemMessage(in.System))
	}
	for _, turn := range in.Turns {
		switch turn.Role {
		case domain.RoleUser:
			out = append(out, oai.UserMessage(turn.Content))
		case domain.RoleSystem:
			out = append(out, oai.SystemMessage(turn.Content))
		case domain.RoleTool:
			out = append(out, oai.ToolMessage(turn.Content, turn.ToolCallID))
		case domain.RoleAssistant:
			asst := oai.ChatCompletionAssistantMessageParam{}
			if turn.Content != "" {
				asst.Content.OfString = oai.String(turn.Content)
			}
			for _, call := range turn.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: oai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: encodeArguments(call.Arguments),
					},
				})
			}
			out = append(out, oai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		}
	}
	return out
}

func buildSDKTools(defs []domain.ToolDefinition) []oai.ChatCompletionToolParam {
	out := make([]oai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		out = append(out, oai.ChatCompletionToolParam{
			Function: oai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: oai.String(def.Description),
				Parameters:  oai.FunctionParameters(def.Parameters),
			},
		})
	}
	return out
}
