// Package agent issues one bounded model call per turn and reduces the
// provider's response to a single normalized shape.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"todo-chat-agent/internal/contextwindow"
	"todo-chat-agent/internal/domain"
)

// DefaultTimeout bounds a single model call.
const DefaultTimeout = 30 * time.Second

var (
	ErrAgentTimeout      = errors.New("agent: model call exceeded its deadline")
	ErrModelUnavailable  = errors.New("agent: model unavailable")
	ErrMalformedResponse = errors.New("agent: malformed model response")
)

// Provider performs one completion request against a model backend.
type Provider interface {
	Complete(ctx context.Context, req domain.ModelRequest) (domain.ModelResponse, error)
}

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Input is one agent turn.
type Input struct {
	UserID  string
	Message string
	History []domain.Message
}

// Output is the normalized result of one agent turn.
type Output struct {
	Text      string
	ToolCalls []domain.ToolCall
	Reasoning string
	Model     string
}

// Invoker is the model invocation layer.
type Invoker struct {
	provider    Provider
	params      ParamGetter
	paramPrefix string
	window      *contextwindow.Manager
	tools       []domain.ToolDefinition
	timeout     time.Duration
	logger      *slog.Logger

	modelMu sync.RWMutex
	model   string
}

type Option func(*Invoker)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(i *Invoker) {
		if d > 0 {
			i.timeout = d
		}
	}
}

// WithModel pins the model name instead of reading it from the parameter store.
func WithModel(model string) Option {
	return func(i *Invoker) {
		i.model = strings.TrimSpace(model)
	}
}

// WithTools sets the tool catalog offered on every call.
func WithTools(tools []domain.ToolDefinition) Option {
	return func(i *Invoker) {
		i.tools = tools
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(i *Invoker) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// NewInvoker creates an Invoker. Unless WithModel is given, the model name is
// read once from <paramPrefix>/config/model.
func NewInvoker(provider Provider, params ParamGetter, paramPrefix string, window *contextwindow.Manager, opts ...Option) (*Invoker, error) {
	if provider == nil {
		return nil, errors.New("agent: provider must not be nil")
	}
	if window == nil {
		return nil, errors.New("agent: context window must not be nil")
	}
	i := &Invoker{
		provider:    provider,
		params:      params,
		paramPrefix: strings.TrimRight(strings.TrimSpace(paramPrefix), "/"),
		window:      window,
		timeout:     DefaultTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.model == "" && (i.params == nil || i.paramPrefix == "") {
		return nil, errors.New("agent: either a model or a param getter with prefix is required")
	}
	i.logger = i.logger.With("component", "agent")
	return i, nil
}

// Invoke sends the system prompt, the formatted history, the tool catalog and
// the new user message to the model under the invoker's deadline.
func (i *Invoker) Invoke(ctx context.Context, in Input) (Output, error) {
	model, err := i.resolveModel(ctx)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}

	turns := i.window.FormatForModel(in.History)
	turns = append(turns, domain.ChatTurn{Role: domain.RoleUser, Content: in.Message})
	req := domain.ModelRequest{
		Model:  model,
		System: buildSystemPrompt(in.UserID),
		Turns:  turns,
		Tools:  i.tools,
	}

	started := time.Now()
	resp, err := i.call(ctx, req)
	latency := time.Since(started)
	if err != nil {
		i.logger.Warn("model call failed",
			"model", model,
			"latency_ms", latency.Milliseconds(),
			"err", err,
		)
		return Output{}, err
	}

	norm, err := Normalize(resp)
	if err != nil {
		i.logger.Warn("model response could not be normalized", "model", model, "err", err)
		return Output{}, err
	}
	if norm.Model == "" {
		norm.Model = model
	}
	i.logger.Info("model call completed",
		"model", norm.Model,
		"latency_ms", latency.Milliseconds(),
		"history_turns", len(turns)-1,
		"tool_calls", len(norm.ToolCalls),
	)
	return Output{
		Text:      norm.Text,
		ToolCalls: norm.ToolCalls,
		Reasoning: norm.Reasoning,
		Model:     norm.Model,
	}, nil
}

type callResult struct {
	resp domain.ModelResponse
	err  error
}

// call runs the provider so that the deadline is honored even if the
// provider ignores its context.
func (i *Invoker) call(ctx context.Context, req domain.ModelRequest) (domain.ModelResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		resp, err := i.provider.Complete(callCtx, req)
		done <- callResult{resp: resp, err: err}
	}()

	select {
	case <-callCtx.Done():
		return nil, classify(callCtx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, classify(r.err)
		}
		return r.resp, nil
	}
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrAgentTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrModelUnavailable, err)
}

func (i *Invoker) resolveModel(ctx context.Context) (string, error) {
	i.modelMu.RLock()
	model := i.model
	i.modelMu.RUnlock()
	if model != "" {
		return model, nil
	}

	i.modelMu.Lock()
	defer i.modelMu.Unlock()
	if i.model != "" {
		return i.model, nil
	}
	raw, err := i.params.GetParameter(ctx, i.paramPrefix+"/config/model")
	if err != nil {
		return "", fmt.Errorf("load model name: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("model name parameter is empty")
	}
	i.model = raw
	return raw, nil
}
