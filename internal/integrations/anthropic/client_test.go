package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"todo-chat-agent/internal/domain"
)

type fakeGetter struct {
	val      string
	err      error
	lastName string
	calls    int
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.calls++
	f.lastName = name
	return f.val, f.err
}

func newTestClient(t *testing.T, srv *httptest.Server, g *fakeGetter) *Client {
	t.Helper()
	c, err := NewClient(g, "/todo", WithBaseURL(srv.URL+"/"), WithHTTPClient(srv.Client()), WithMaxTokens(256))
	require.NoError(t, err)
	return c
}

func request() domain.ModelRequest {
	return domain.ModelRequest{
		Model:  "claude-test",
		System: "be brief",
		Turns: []domain.ChatTurn{
			{Role: domain.RoleSystem, Content: "extra rule"},
			{Role: domain.RoleUser, Content: "list my stuff"},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
				{ID: "tu_a", Name: "list_tasks"},
				{ID: "tu_b", Name: "list_tasks", Arguments: map[string]any{"status": "pending"}},
			}},
			{Role: domain.RoleTool, ToolCallID: "tu_a", Content: `{"success":true}`},
			{Role: domain.RoleTool, ToolCallID: "tu_b", Content: `{"success":true}`},
			{Role: domain.RoleUser, Content: "thanks"},
		},
		Tools: []domain.ToolDefinition{{
			Name:        "list_tasks",
			Description: "List",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{"status": map[string]any{"type": "string"}}, "required": []string{"status"}},
		}},
	}
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, "/todo")
	require.ErrorContains(t, err, "nil")
	_, err = NewClient(&fakeGetter{}, "")
	require.ErrorContains(t, err, "prefix")

	c, err := NewClient(&fakeGetter{}, "/todo/")
	require.NoError(t, err)
	require.Equal(t, "/todo/anthropic-token", c.tokenName)
	require.Equal(t, int64(defaultMaxTokens), c.maxTokens)
}

func TestComplete_ObjectResponse(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.Equal(t, "sk-ant", r.Header.Get("X-Api-Key"))
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [
				{"type": "thinking", "thinking": "check tasks", "signature": "sig"},
				{"type": "text", "text": "Let me look."},
				{"type": "tool_use", "id": "tu_1", "name": "list_tasks", "input": {"status": "all"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`))
	}))
	defer srv.Close()

	g := &fakeGetter{val: `{"token":"sk-ant"}`}
	resp, err := newTestClient(t, srv, g).Complete(context.Background(), request())
	require.NoError(t, err)

	obj, ok := resp.(*domain.ObjectResponse)
	require.True(t, ok, "got %T", resp)
	require.Equal(t, "claude-test", obj.Model)
	require.Equal(t, "Let me look.", *obj.Content)
	require.Equal(t, "check tasks", *obj.Reasoning)
	require.Len(t, obj.ToolCalls, 1)
	require.Equal(t, "tu_1", obj.ToolCalls[0].ID)
	require.JSONEq(t, `{"status":"all"}`, obj.ToolCalls[0].Arguments)

	require.Equal(t, float64(256), body["max_tokens"])
	system := body["system"].([]any)
	require.Equal(t, "be brief\n\nextra rule", system[0].(map[string]any)["text"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 4, "tool results are merged into one user message")
	results := msgs[2].(map[string]any)["content"].([]any)
	require.Len(t, results, 2)
	require.Equal(t, "tool_result", results[0].(map[string]any)["type"])
	tools := body["tools"].([]any)
	require.Equal(t, []any{"status"}, tools[0].(map[string]any)["input_schema"].(map[string]any)["required"])
}

func TestComplete_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, &fakeGetter{val: `{"token":"sk-ant"}`}).Complete(context.Background(), request())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.HTTPStatusCode())
}

func TestComplete_TokenFailureIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"m","type":"message","role":"assistant","model":"claude-test","content":[],"usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer srv.Close()

	g := &fakeGetter{err: errors.New("ssm unavailable")}
	c := newTestClient(t, srv, g)
	_, err := c.Complete(context.Background(), request())
	require.ErrorContains(t, err, "ssm unavailable")

	g.err = nil
	g.val = `{"token":"sk-ant"}`
	resp, err := c.Complete(context.Background(), request())
	require.NoError(t, err)
	require.Nil(t, resp.(*domain.ObjectResponse).Content)
	require.Equal(t, 2, g.calls)
	require.Equal(t, "/todo/anthropic-token", g.lastName)
}

func TestComplete_EmptyModel(t *testing.T) {
	c, err := NewClient(&fakeGetter{}, "/todo")
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), domain.ModelRequest{})
	require.ErrorContains(t, err, "model")
}
