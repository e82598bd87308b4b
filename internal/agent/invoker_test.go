package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"todo-chat-agent/internal/contextwindow"
	"todo-chat-agent/internal/domain"
)

type fakeProvider struct {
	resp    domain.ModelResponse
	err     error
	block   bool // ignore ctx and never return
	lastReq domain.ModelRequest
	calls   int
}

func (f *fakeProvider) Complete(ctx context.Context, req domain.ModelRequest) (domain.ModelResponse, error) {
	f.calls++
	f.lastReq = req
	if f.block {
		select {}
	}
	return f.resp, f.err
}

type fakeParams struct {
	values map[string]string
	err    error
	calls  int
}

func (f *fakeParams) GetParameter(_ context.Context, name string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.values[name], nil
}

func newInvoker(t *testing.T, p Provider, opts ...Option) *Invoker {
	t.Helper()
	params := &fakeParams{values: map[string]string{"/todo/config/model": "gpt-test"}}
	inv, err := NewInvoker(p, params, "/todo/", contextwindow.New(20, nil), opts...)
	require.NoError(t, err)
	return inv
}

func TestNewInvoker_Validation(t *testing.T) {
	w := contextwindow.New(20, nil)
	_, err := NewInvoker(nil, &fakeParams{}, "/p", w)
	require.ErrorContains(t, err, "provider must not be nil")
	_, err = NewInvoker(&fakeProvider{}, &fakeParams{}, "/p", nil)
	require.ErrorContains(t, err, "context window must not be nil")
	_, err = NewInvoker(&fakeProvider{}, nil, "", w)
	require.Error(t, err)
	_, err = NewInvoker(&fakeProvider{}, nil, "", w, WithModel("m"))
	require.NoError(t, err)
}

func TestInvoke_BuildsRequest(t *testing.T) {
	p := &fakeProvider{resp: domain.TextResponse("hello!")}
	tools := []domain.ToolDefinition{{Name: "list_tasks"}}
	inv := newInvoker(t, p, WithTools(tools))

	out, err := inv.Invoke(context.Background(), Input{
		UserID:  "u1",
		Message: "hello",
		History: []domain.Message{
			{ID: "m1", Role: domain.RoleUser, Content: "earlier"},
			{ID: "m2", Role: domain.RoleAssistant, Content: "reply"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "hello!", out.Text)
	require.Equal(t, "gpt-test", out.Model)

	require.Equal(t, "gpt-test", p.lastReq.Model)
	require.Contains(t, p.lastReq.System, `"u1"`)
	require.Equal(t, tools, p.lastReq.Tools)
	require.Len(t, p.lastReq.Turns, 3)
	require.Equal(t, domain.ChatTurn{Role: domain.RoleUser, Content: "hello"}, p.lastReq.Turns[2])
}

func TestInvoke_ModelNameCached(t *testing.T) {
	params := &fakeParams{values: map[string]string{"/p/config/model": "m1"}}
	inv, err := NewInvoker(&fakeProvider{resp: domain.TextResponse("x")}, params, "/p", contextwindow.New(5, nil))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := inv.Invoke(context.Background(), Input{Message: "hi"})
		require.NoError(t, err)
	}
	require.Equal(t, 1, params.calls)
}

func TestInvoke_ModelNameFailure(t *testing.T) {
	params := &fakeParams{err: errors.New("ssm down")}
	p := &fakeProvider{}
	inv, err := NewInvoker(p, params, "/p", contextwindow.New(5, nil))
	require.NoError(t, err)

	_, err = inv.Invoke(context.Background(), Input{Message: "hi"})
	require.ErrorIs(t, err, ErrModelUnavailable)
	require.Equal(t, 0, p.calls)
}

func TestInvoke_TimeoutEvenWhenProviderIgnoresContext(t *testing.T) {
	inv := newInvoker(t, &fakeProvider{block: true}, WithTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := inv.Invoke(context.Background(), Input{Message: "hi"})
	require.ErrorIs(t, err, ErrAgentTimeout)
	require.Less(t, time.Since(start), time.Second)
}

func TestInvoke_ProviderDeadlineIsTimeout(t *testing.T) {
	inv := newInvoker(t, &fakeProvider{err: context.DeadlineExceeded})
	_, err := inv.Invoke(context.Background(), Input{Message: "hi"})
	require.ErrorIs(t, err, ErrAgentTimeout)
}

func TestInvoke_ProviderFailureIsUnavailable(t *testing.T) {
	inv := newInvoker(t, &fakeProvider{err: errors.New("503")})
	_, err := inv.Invoke(context.Background(), Input{Message: "hi"})
	require.ErrorIs(t, err, ErrModelUnavailable)
	require.NotErrorIs(t, err, ErrAgentTimeout)
}

func TestInvoke_AbsentResponseIsMalformed(t *testing.T) {
	inv := newInvoker(t, &fakeProvider{})
	_, err := inv.Invoke(context.Background(), Input{Message: "hi"})
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestInvoke_OuterDeadlineWins(t *testing.T) {
	inv := newInvoker(t, &fakeProvider{block: true}, WithTimeout(time.Minute))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := inv.Invoke(ctx, Input{Message: "hi"})
	require.ErrorIs(t, err, ErrAgentTimeout)
}
