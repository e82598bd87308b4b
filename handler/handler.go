// Package handler exposes the chat service as an API Gateway proxy integration.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"todo-chat-agent/internal/auth"
	"todo-chat-agent/internal/domain"
	"todo-chat-agent/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxListLimit      = 100
)

// Handler-level codes, alongside the usecase ones.
const (
	codeUnauthenticated  = "UNAUTHENTICATED"
	codeNotFound         = "NOT_FOUND"
	codeMethodNotAllowed = "METHOD_NOT_ALLOWED"
)

type ChatUseCase interface {
	SendMessage(ctx context.Context, in usecase.SendInput) (usecase.SendOutput, error)
	CreateConversation(ctx context.Context, userID, title string) (domain.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error)
	GetMessages(ctx context.Context, conversationID, userID string, limit int) ([]domain.Message, error)
	DeleteConversation(ctx context.Context, conversationID, userID string) error
}

// Authenticator resolves a bearer Authorization header to a user id.
type Authenticator interface {
	Resolve(ctx context.Context, authorization string) (string, error)
}

type Handler struct {
	uc     ChatUseCase
	auth   Authenticator
	logger *slog.Logger
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewHandler(uc ChatUseCase, authn Authenticator, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	if authn == nil {
		return nil, errors.New("handler: authenticator must not be nil")
	}
	h := &Handler{uc: uc, auth: authn, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "handler")
	return h, nil
}

type envelope struct {
	Data  any            `json:"data"`
	Error *errorResponse `json:"error"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type sendRequest struct {
	ConversationID string         `json:"conversationId"`
	Message        string         `json:"message"`
	Metadata       map[string]any `json:"metadata"`
}

type createRequest struct {
	Title string `json:"title"`
}

type conversationResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type messageResponse struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	ToolCalls      json.RawMessage `json:"toolCalls,omitempty"`
	ToolResults    json.RawMessage `json:"toolResults,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// request is one authenticated call being routed.
type request struct {
	event         events.APIGatewayProxyRequest
	userID        string
	correlationID string
}

// Handle authenticates the caller, routes the request and always returns a
// JSON {data, error} envelope.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	started := time.Now()
	correlationID := strings.TrimSpace(header(event.Headers, correlationHeader))
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.logger.With("correlation_id", correlationID, "method", event.HTTPMethod, "path", event.Path)

	resp := h.safeRoute(ctx, event, correlationID, log)
	resp.Headers = map[string]string{
		"Content-Type":    "application/json",
		correlationHeader: correlationID,
	}
	log.Info("request completed",
		"status", resp.StatusCode,
		"latency_ms", time.Since(started).Milliseconds(),
	)
	return resp, nil
}

// safeRoute turns a panic anywhere below Handle into a 500 envelope.
func (h *Handler) safeRoute(ctx context.Context, event events.APIGatewayProxyRequest, correlationID string, log *slog.Logger) (resp events.APIGatewayProxyResponse) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("request panicked", "panic", fmt.Sprint(r))
			resp = failure(http.StatusInternalServerError, string(usecase.ErrorInternal), "internal error")
		}
	}()
	return h.route(ctx, event, correlationID, log)
}

func (h *Handler) route(ctx context.Context, event events.APIGatewayProxyRequest, correlationID string, log *slog.Logger) events.APIGatewayProxyResponse {
	userID, err := h.auth.Resolve(ctx, header(event.Headers, "Authorization"))
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			return failure(http.StatusUnauthorized, codeUnauthenticated, "missing or invalid credentials")
		}
		log.Error("authentication failed", "err", err)
		return failure(http.StatusInternalServerError, string(usecase.ErrorInternal), "internal error")
	}
	req := request{event: event, userID: userID, correlationID: correlationID}

	segments := strings.Split(strings.Trim(event.Path, "/"), "/")
	method := strings.ToUpper(event.HTTPMethod)
	switch {
	case len(segments) == 1 && segments[0] == "chat":
		if method == http.MethodPost {
			return h.send(ctx, req, "", log)
		}
	case len(segments) == 1 && segments[0] == "conversations":
		switch method {
		case http.MethodPost:
			return h.createConversation(ctx, req, log)
		case http.MethodGet:
			return h.listConversations(ctx, req, log)
		}
	case len(segments) == 2 && segments[0] == "conversations":
		if method == http.MethodDelete {
			return h.deleteConversation(ctx, req, segments[1], log)
		}
	case len(segments) == 3 && segments[0] == "conversations" && segments[2] == "messages":
		switch method {
		case http.MethodGet:
			return h.listMessages(ctx, req, segments[1], log)
		case http.MethodPost:
			return h.send(ctx, req, segments[1], log)
		}
	default:
		return failure(http.StatusNotFound, codeNotFound, "route not found")
	}
	return failure(http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
}

// send handles both POST /chat and POST /conversations/{id}/messages; a path
// id wins over one in the body.
func (h *Handler) send(ctx context.Context, req request, conversationID string, log *slog.Logger) events.APIGatewayProxyResponse {
	var body sendRequest
	if err := decodeBody(req.event, &body); err != nil {
		return failure(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "request body must be a JSON object")
	}
	if conversationID == "" {
		conversationID = body.ConversationID
	}
	out, err := h.uc.SendMessage(ctx, usecase.SendInput{
		ConversationID: conversationID,
		UserID:         req.userID,
		Message:        body.Message,
		CorrelationID:  req.correlationID,
		Metadata:       body.Metadata,
	})
	if err != nil {
		return h.useCaseFailure(err, log)
	}
	return success(http.StatusOK, toMessageResponse(out.Message))
}

func (h *Handler) createConversation(ctx context.Context, req request, log *slog.Logger) events.APIGatewayProxyResponse {
	var body createRequest
	if strings.TrimSpace(req.event.Body) != "" {
		if err := decodeBody(req.event, &body); err != nil {
			return failure(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "request body must be a JSON object")
		}
	}
	conv, err := h.uc.CreateConversation(ctx, req.userID, body.Title)
	if err != nil {
		return h.useCaseFailure(err, log)
	}
	return success(http.StatusCreated, toConversationResponse(conv))
}

func (h *Handler) listConversations(ctx context.Context, req request, log *slog.Logger) events.APIGatewayProxyResponse {
	limit, ok := limitParam(req.event)
	if !ok {
		return failure(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "limit must be a positive integer")
	}
	convs, err := h.uc.ListConversations(ctx, req.userID, limit)
	if err != nil {
		return h.useCaseFailure(err, log)
	}
	out := make([]conversationResponse, 0, len(convs))
	for _, c := range convs {
		out = append(out, toConversationResponse(c))
	}
	return success(http.StatusOK, out)
}

func (h *Handler) deleteConversation(ctx context.Context, req request, conversationID string, log *slog.Logger) events.APIGatewayProxyResponse {
	if err := h.uc.DeleteConversation(ctx, conversationID, req.userID); err != nil {
		return h.useCaseFailure(err, log)
	}
	return success(http.StatusOK, map[string]any{"id": conversationID, "deleted": true})
}

func (h *Handler) listMessages(ctx context.Context, req request, conversationID string, log *slog.Logger) events.APIGatewayProxyResponse {
	limit, ok := limitParam(req.event)
	if !ok {
		return failure(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "limit must be a positive integer")
	}
	msgs, err := h.uc.GetMessages(ctx, conversationID, req.userID, limit)
	if err != nil {
		return h.useCaseFailure(err, log)
	}
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageResponse(m))
	}
	return success(http.StatusOK, out)
}

func (h *Handler) useCaseFailure(err error, log *slog.Logger) events.APIGatewayProxyResponse {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		log.Error("unexpected use case error", "err", err)
		return failure(http.StatusInternalServerError, string(usecase.ErrorInternal), "internal error")
	}
	status := statusFor(ue.Code)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "code", ue.Code, "reason", ue.Reason, "err", ue.Err)
		return failure(status, string(ue.Code), "internal error")
	}
	log.Info("request rejected", "code", ue.Code, "reason", ue.Reason)
	return failure(status, string(ue.Code), ue.Reason)
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidMessage, usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorAccessDenied:
		return http.StatusForbidden
	case usecase.ErrorConversationNotFound:
		return http.StatusNotFound
	case usecase.ErrorConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func toMessageResponse(m domain.Message) messageResponse {
	return messageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           m.Role,
		Content:        m.Content,
		ToolCalls:      m.ToolCalls,
		ToolResults:    m.ToolResults,
		Metadata:       m.Metadata,
		CreatedAt:      m.CreatedAt,
	}
}

func toConversationResponse(c domain.Conversation) conversationResponse {
	return conversationResponse{ID: c.ID, Title: c.Title, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt}
}

func success(status int, data any) events.APIGatewayProxyResponse {
	return respond(status, envelope{Data: data})
}

func failure(status int, code, message string) events.APIGatewayProxyResponse {
	return respond(status, envelope{Error: &errorResponse{Code: code, Message: message}})
}

func respond(status int, body envelope) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusInternalServerError,
			Body:       `{"data":null,"error":{"code":"INTERNAL_ERROR","message":"internal error"}}`,
		}
	}
	return events.APIGatewayProxyResponse{StatusCode: status, Body: string(raw)}
}

func decodeBody(event events.APIGatewayProxyRequest, v any) error {
	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return err
		}
		body = decoded
	}
	return json.Unmarshal(body, v)
}

// limitParam reads ?limit=; zero means the use case default.
func limitParam(event events.APIGatewayProxyRequest) (int, bool) {
	raw := strings.TrimSpace(event.QueryStringParameters["limit"])
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return min(n, maxListLimit), true
}

// header looks a header up case-insensitively.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
