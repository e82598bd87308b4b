package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"todo-chat-agent/internal/agent"
	"todo-chat-agent/internal/contextwindow"
	"todo-chat-agent/internal/domain"
	"todo-chat-agent/internal/fsm"
	"todo-chat-agent/internal/intent"
	"todo-chat-agent/internal/repository"
	"todo-chat-agent/internal/tools"
)

const (
	DefaultMaxMessageLength = 2000
	DefaultTurnTimeout      = 35 * time.Second

	// FallbackReply is sent whenever a turn cannot be completed normally.
	FallbackReply = "I'm having trouble processing your request right now. Please try again in a moment."
	// ConflictReply answers a message that lost a race with another turn on
	// the same conversation.
	ConflictReply = "Another message in this conversation was being handled at the same time, so I didn't act on this one. Please send it again."

	maxTitleLength      = 60
	defaultConvTitle    = "New conversation"
	defaultListLimit    = 50
	defaultMessageLimit = 100
)

// Reply paths recorded in assistant metadata.
const (
	PathFSM      = "fsm"
	PathIntent   = "intent"
	PathAgent    = "agent"
	PathFallback = "fallback"
	PathConflict = "conflict"
)

// ConversationStore persists conversations and their messages.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv domain.Conversation) error
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error)
	AppendMessage(ctx context.Context, msg domain.Message) error
	GetHistory(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

// StateMachine is the conversation FSM as the orchestrator drives it.
type StateMachine interface {
	GetState(ctx context.Context, conversationID, userID string) (domain.FSMState, error)
	SetIntent(ctx context.Context, conversationID, userID string, mode domain.IntentMode) (domain.FSMState, error)
	AdvanceStep(ctx context.Context, conversationID, userID string, fieldName domain.IntentStep, value string) (fsm.AdvanceResult, error)
	ResetState(ctx context.Context, conversationID, userID string) error
}

// Agent runs one model turn.
type Agent interface {
	Invoke(ctx context.Context, in agent.Input) (agent.Output, error)
}

// ToolRunner executes one named tool for a user.
type ToolRunner interface {
	InvokeTool(ctx context.Context, name string, params map[string]any, userID string) (domain.ToolResult, error)
}

// ChatService is the conversation orchestrator.
type ChatService struct {
	store      ConversationStore
	machine    StateMachine
	classifier intent.Classifier
	agent      Agent
	tools      ToolRunner
	logger     *slog.Logger

	maxMessageLen int
	historyLimit  int
	turnTimeout   time.Duration

	now   func() time.Time
	newID func() string
}

type Option func(*ChatService)

func WithMaxMessageLength(n int) Option {
	return func(s *ChatService) {
		if n > 0 {
			s.maxMessageLen = n
		}
	}
}

// WithHistoryLimit sets how many stored messages are read for the model.
func WithHistoryLimit(n int) Option {
	return func(s *ChatService) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// WithTurnTimeout sets the outer deadline around the model call.
func WithTurnTimeout(d time.Duration) Option {
	return func(s *ChatService) {
		if d > 0 {
			s.turnTimeout = d
		}
	}
}

func WithClassifier(c intent.Classifier) Option {
	return func(s *ChatService) {
		if c != nil {
			s.classifier = c
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *ChatService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewChatService(store ConversationStore, machine StateMachine, a Agent, runner ToolRunner, opts ...Option) (*ChatService, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if machine == nil {
		return nil, errors.New("usecase: state machine must not be nil")
	}
	if a == nil {
		return nil, errors.New("usecase: agent must not be nil")
	}
	if runner == nil {
		return nil, errors.New("usecase: tool runner must not be nil")
	}
	s := &ChatService{
		store:         store,
		machine:       machine,
		classifier:    intent.Keywords,
		agent:         a,
		tools:         runner,
		logger:        slog.Default(),
		maxMessageLen: DefaultMaxMessageLength,
		historyLimit:  contextwindow.DefaultMaxMessages,
		turnTimeout:   DefaultTurnTimeout,
		now:           func() time.Time { return time.Now().UTC() },
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "chat")
	return s, nil
}

type SendInput struct {
	ConversationID string
	UserID         string
	Message        string
	CorrelationID  string
	Metadata       map[string]any
}

type SendOutput struct {
	ConversationID string
	Message        domain.Message
}

// turn carries one inbound message through the orchestrator.
type turn struct {
	started       time.Time
	conv          domain.Conversation
	userID        string
	text          string
	correlationID string
}

// reply is what a turn decided to say, before it is persisted.
type reply struct {
	content     string
	path        string
	model       string
	intentMode  domain.IntentMode
	toolCalls   []domain.ToolCall
	toolResults []domain.ToolResult
}

// SendMessage handles one user message and returns the persisted assistant
// reply. Once the message is valid and the conversation is the caller's, it
// always returns a reply: internal failures and panics become FallbackReply.
// The only errors after that point are FSM write conflicts, which still leave
// ConflictReply in the history so the user message is never left unanswered.
func (s *ChatService) SendMessage(ctx context.Context, in SendInput) (out SendOutput, err error) {
	started := s.now()
	text, err := s.validate(in)
	if err != nil {
		return SendOutput{}, err
	}
	conv, err := s.resolveConversation(ctx, in.ConversationID, in.UserID, text)
	if err != nil {
		return SendOutput{}, err
	}

	t := &turn{
		started:       started,
		conv:          conv,
		userID:        in.UserID,
		text:          text,
		correlationID: in.CorrelationID,
	}
	log := s.logger.With(
		"conversation_id", conv.ID,
		"user_id", in.UserID,
		"correlation_id", in.CorrelationID,
	)

	defer func() {
		if r := recover(); r != nil {
			log.Error("turn panicked", "panic", fmt.Sprint(r))
			out = SendOutput{ConversationID: conv.ID, Message: s.persistFallback(ctx, t, log)}
			err = nil
		}
	}()

	history, err := s.store.GetHistory(ctx, conv.ID, s.historyLimit)
	if err != nil {
		log.Error("load history failed", "err", err)
		return SendOutput{ConversationID: conv.ID, Message: s.persistFallback(ctx, t, log)}, nil
	}
	if err := s.store.AppendMessage(ctx, s.userMessage(t, in.Metadata)); err != nil {
		log.Error("persist user message failed", "err", err)
		return SendOutput{ConversationID: conv.ID, Message: s.persistFallback(ctx, t, log)}, nil
	}

	r, err := s.route(ctx, t, history, log)
	if err != nil {
		var ue *Error
		if errors.As(err, &ue) {
			if ue.Code == ErrorConflict {
				log.Warn("fsm write conflict", "err", err)
				s.persistReply(ctx, t, reply{content: ConflictReply, path: PathConflict}, log)
			}
			return SendOutput{}, ue
		}
		log.Error("turn failed", "err", err)
		r = reply{content: FallbackReply, path: PathFallback}
	}
	return SendOutput{ConversationID: conv.ID, Message: s.persistReply(ctx, t, r, log)}, nil
}

func (s *ChatService) validate(in SendInput) (string, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return "", newError(ErrorAccessDenied, "missing_user", nil)
	}
	text := strings.TrimSpace(in.Message)
	if text == "" {
		return "", newError(ErrorInvalidMessage, "empty_message", nil)
	}
	if utf8.RuneCountInString(text) > s.maxMessageLen {
		return "", newError(ErrorInvalidMessage, "message_too_long", nil)
	}
	return text, nil
}

// resolveConversation loads the caller's conversation, or creates one titled
// after the message when no id is given.
func (s *ChatService) resolveConversation(ctx context.Context, conversationID, userID, text string) (domain.Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return s.createConversation(ctx, userID, titleFrom(text))
	}
	return s.ownedConversation(ctx, conversationID, userID)
}

func (s *ChatService) ownedConversation(ctx context.Context, conversationID, userID string) (domain.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Conversation{}, newError(ErrorConversationNotFound, "conversation_not_found", err)
	}
	if err != nil {
		return domain.Conversation{}, newError(ErrorInternal, "dynamodb_get_conversation_error", err)
	}
	if conv.UserID != userID {
		s.logger.Warn("conversation access denied",
			"conversation_id", conversationID,
			"user_id", userID,
		)
		return domain.Conversation{}, newError(ErrorAccessDenied, "conversation_owner_mismatch", nil)
	}
	return conv, nil
}

func (s *ChatService) createConversation(ctx context.Context, userID, title string) (domain.Conversation, error) {
	ts := s.now()
	conv := domain.Conversation{
		ID:        s.newID(),
		UserID:    userID,
		Title:     title,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return domain.Conversation{}, newError(ErrorInternal, "dynamodb_create_conversation_error", err)
	}
	return conv, nil
}

// route picks the FSM, intent or agent path for the turn.
func (s *ChatService) route(ctx context.Context, t *turn, history []domain.Message, log *slog.Logger) (reply, error) {
	state, err := s.machine.GetState(ctx, t.conv.ID, t.userID)
	if err != nil {
		return reply{}, s.fsmError(err)
	}
	if fsm.IsInFlow(state) {
		return s.advance(ctx, t, state, log)
	}

	if mode := s.classifier.Classify(t.text); mode != domain.IntentIdle {
		next, err := s.machine.SetIntent(ctx, t.conv.ID, t.userID, mode)
		switch {
		case err == nil:
			log.Info("intent flow started", "intent_mode", string(mode))
			return reply{content: fsm.Prompt(next), path: PathIntent, intentMode: mode}, nil
		case errors.Is(err, fsm.ErrUnsupportedMode):
			// Fall through to the model.
		default:
			return reply{}, s.fsmError(err)
		}
	}
	return s.runAgent(ctx, t, history, log), nil
}

// advance feeds the message to the current FSM step and, once the flow is
// confirmed, executes its tool. A confirmed flow is already back at IDLE, so
// the outcome of the tool never leaves the conversation mid-flow.
func (s *ChatService) advance(ctx context.Context, t *turn, state domain.FSMState, log *slog.Logger) (reply, error) {
	if state.Step == nil {
		s.reset(ctx, t, log)
		return reply{}, fmt.Errorf("%w: %s has no step", fsm.ErrInvalidState, state.Mode)
	}
	res, err := s.machine.AdvanceStep(ctx, t.conv.ID, t.userID, *state.Step, t.text)
	if errors.Is(err, fsm.ErrInvalidState) {
		log.Error("fsm state unusable, resetting", "err", err)
		s.reset(ctx, t, log)
		return reply{}, err
	}
	if err != nil {
		return reply{}, s.fsmError(err)
	}
	r := reply{content: res.Message, path: PathFSM, intentMode: state.Mode}
	if !res.ReadyToExecute {
		return r, nil
	}

	name, ok := tools.ToolForMode(state.Mode)
	if !ok {
		return reply{}, fmt.Errorf("usecase: no tool for mode %s", state.Mode)
	}
	call := domain.ToolCall{
		ID:        "call_" + s.newID(),
		Name:      name,
		Arguments: tools.ParamsFromPayload(res.Payload),
	}
	result, err := s.tools.InvokeTool(ctx, call.Name, call.Arguments, t.userID)
	if err != nil {
		log.Error("fsm tool call rejected", "tool", name, "err", err)
		result = domain.ToolResult{Name: name, Error: toolErrorCode(err)}
	}
	result.ToolCallID = call.ID

	r.toolCalls = []domain.ToolCall{call}
	r.toolResults = []domain.ToolResult{result}
	r.content = tools.FormatResultAsMessage(name, result)
	log.Info("fsm tool executed", "tool", name, "success", result.Success)
	return r, nil
}

func (s *ChatService) reset(ctx context.Context, t *turn, log *slog.Logger) {
	if err := s.machine.ResetState(ctx, t.conv.ID, t.userID); err != nil {
		log.Error("fsm reset failed", "err", err)
	}
}

// runAgent calls the model under the turn deadline and runs any tools it
// asks for. Every failure becomes the fallback reply.
func (s *ChatService) runAgent(ctx context.Context, t *turn, history []domain.Message, log *slog.Logger) reply {
	turnCtx, cancel := context.WithTimeout(ctx, s.turnTimeout)
	defer cancel()

	out, err := s.agent.Invoke(turnCtx, agent.Input{
		UserID:  t.userID,
		Message: t.text,
		History: history,
	})
	if err != nil {
		attrs := []any{"err", err, "reason", agentFailureReason(err)}
		if status, ok := upstreamStatusCode(err); ok {
			attrs = append(attrs, "upstream_status", status)
		}
		log.Warn("agent call failed", attrs...)
		return reply{content: FallbackReply, path: PathFallback}
	}

	r := reply{content: out.Text, path: PathAgent, model: out.Model}
	var canned []string
	for _, call := range out.ToolCalls {
		result, err := s.tools.InvokeTool(ctx, call.Name, call.Arguments, t.userID)
		if err != nil {
			log.Warn("agent tool call rejected", "tool", call.Name, "err", err)
			result = domain.ToolResult{Name: call.Name, Error: toolErrorCode(err)}
		}
		result.ToolCallID = call.ID
		r.toolCalls = append(r.toolCalls, call)
		r.toolResults = append(r.toolResults, result)
		canned = append(canned, toolReply(call.Name, result))
	}
	if strings.TrimSpace(r.content) == "" {
		r.content = strings.Join(canned, "\n\n")
	}
	if strings.TrimSpace(r.content) == "" {
		log.Warn("agent returned an empty reply")
		r.content = FallbackReply
		r.path = PathFallback
	}
	return r
}

// toolReply is the text used for a tool result when the model said nothing.
// A listing has no useful canned form, so it is rendered.
func toolReply(name string, result domain.ToolResult) string {
	if result.Success && name != tools.ListTasks {
		return tools.CannedReply(name)
	}
	return tools.FormatResultAsMessage(name, result)
}

func toolErrorCode(err error) string {
	switch {
	case errors.Is(err, tools.ErrUserIDMismatch):
		return "user_id_mismatch"
	case errors.Is(err, tools.ErrUnknownTool):
		return "unknown_tool"
	case errors.Is(err, tools.ErrInvalidParams):
		return "invalid_params"
	}
	return tools.ErrorStore
}

func agentFailureReason(err error) string {
	switch {
	case errors.Is(err, agent.ErrAgentTimeout), errors.Is(err, context.DeadlineExceeded):
		return "agent_timeout"
	case errors.Is(err, agent.ErrMalformedResponse):
		return "malformed_agent_response"
	}
	return "model_unavailable"
}

// fsmError maps FSM failures that the caller can act on. The rest stay
// internal and end as the fallback reply.
func (s *ChatService) fsmError(err error) error {
	switch {
	case errors.Is(err, fsm.ErrConflict), errors.Is(err, fsm.ErrAlreadyInFlow), errors.Is(err, fsm.ErrNotInFlow):
		return newError(ErrorConflict, "fsm_state_conflict", err)
	case errors.Is(err, fsm.ErrAccessDenied):
		return newError(ErrorAccessDenied, "conversation_owner_mismatch", err)
	case errors.Is(err, fsm.ErrConversationNotFound):
		return newError(ErrorConversationNotFound, "conversation_not_found", err)
	}
	return err
}

func (s *ChatService) userMessage(t *turn, extra map[string]any) domain.Message {
	meta := maps.Clone(extra)
	if meta == nil {
		meta = map[string]any{}
	}
	if t.correlationID != "" {
		meta["correlation_id"] = t.correlationID
	}
	return domain.Message{
		ID:             s.newID(),
		ConversationID: t.conv.ID,
		UserID:         t.userID,
		Role:           domain.RoleUser,
		Content:        t.text,
		Metadata:       meta,
		CreatedAt:      t.started,
	}
}

// persistReply writes the assistant message. A write failure is logged and
// the reply is still returned.
func (s *ChatService) persistReply(ctx context.Context, t *turn, r reply, log *slog.Logger) domain.Message {
	ts := s.now()
	if !ts.After(t.started) {
		ts = t.started.Add(time.Microsecond)
	}
	meta := map[string]any{
		"latency_ms": ts.Sub(t.started).Milliseconds(),
		"path":       r.path,
	}
	if r.model != "" {
		meta["model"] = r.model
	}
	if r.intentMode != "" {
		meta["intent_mode"] = string(r.intentMode)
	}
	if t.correlationID != "" {
		meta["correlation_id"] = t.correlationID
	}

	msg := domain.Message{
		ID:             s.newID(),
		ConversationID: t.conv.ID,
		UserID:         t.userID,
		Role:           domain.RoleAssistant,
		Content:        r.content,
		Metadata:       meta,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	if len(r.toolCalls) > 0 {
		if raw, err := json.Marshal(r.toolCalls); err == nil {
			msg.ToolCalls = raw
		}
		if raw, err := json.Marshal(r.toolResults); err == nil {
			msg.ToolResults = raw
		}
	}

	if err := s.store.AppendMessage(ctx, msg); err != nil {
		log.Error("persist assistant message failed", "err", err)
	}
	log.Info("turn completed",
		"path", r.path,
		"latency_ms", meta["latency_ms"],
		"tool_calls", len(r.toolCalls),
	)
	return msg
}

// persistFallback records FallbackReply. It never panics.
func (s *ChatService) persistFallback(ctx context.Context, t *turn, log *slog.Logger) (msg domain.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("persist fallback panicked", "panic", fmt.Sprint(r))
			msg = domain.Message{
				ConversationID: t.conv.ID,
				UserID:         t.userID,
				Role:           domain.RoleAssistant,
				Content:        FallbackReply,
				CreatedAt:      s.now(),
			}
		}
	}()
	return s.persistReply(ctx, t, reply{content: FallbackReply, path: PathFallback}, log)
}

func titleFrom(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(title) > maxTitleLength {
		title = strings.TrimSpace(string([]rune(title)[:maxTitleLength]))
	}
	if title == "" {
		return defaultConvTitle
	}
	return title
}
