package agent

import (
	"testing"

	"github.com/stretchr/testify/require"

	"todo-chat-agent/internal/domain"
)

func strPtr(s string) *string { return &s }

func TestNormalize_Object(t *testing.T) {
	got, err := Normalize(&domain.ObjectResponse{
		Model:     "gpt-test",
		Content:   strPtr("  hi there "),
		Reasoning: strPtr("thinking"),
		ToolCalls: []domain.RawToolCall{
			{ID: "c1", Name: "add_task", Arguments: `{"title":"milk"}`},
			{Name: "list_tasks", Arguments: `{broken`},
			{ID: "skip-me", Arguments: `{}`},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "hi there", got.Text)
	require.Equal(t, "thinking", got.Reasoning)
	require.Equal(t, "gpt-test", got.Model)
	require.Len(t, got.ToolCalls, 2)
	require.Equal(t, domain.ToolCall{ID: "c1", Name: "add_task", Arguments: map[string]any{"title": "milk"}}, got.ToolCalls[0])
	require.Equal(t, "call_1", got.ToolCalls[1].ID)
	require.Empty(t, got.ToolCalls[1].Arguments)
	require.NotNil(t, got.ToolCalls[1].Arguments)
}

func TestNormalize_ObjectWithNilFields(t *testing.T) {
	got, err := Normalize(&domain.ObjectResponse{})
	require.NoError(t, err)
	require.Equal(t, Normalized{}, got)
}

func TestNormalize_Mapping(t *testing.T) {
	cases := []struct {
		name string
		in   domain.MappingResponse
		want Normalized
	}{
		{
			name: "chat completions body",
			in: domain.MappingResponse{
				"model": "compat-1",
				"choices": []any{map[string]any{
					"message": map[string]any{
						"content":           "done",
						"reasoning_content": "r",
						"tool_calls": []any{
							map[string]any{"id": "a", "function": map[string]any{"name": "add_task", "arguments": `{"title":"x"}`}},
							map[string]any{"function": map[string]any{"name": "list_tasks", "arguments": map[string]any{"status": "all"}}},
							"garbage",
						},
					},
				}},
			},
			want: Normalized{
				Text: "done", Reasoning: "r", Model: "compat-1",
				ToolCalls: []domain.ToolCall{
					{ID: "a", Name: "add_task", Arguments: map[string]any{"title": "x"}},
					{ID: "call_1", Name: "list_tasks", Arguments: map[string]any{"status": "all"}},
				},
			},
		},
		{
			name: "flat text key",
			in:   domain.MappingResponse{"response": "flat"},
			want: Normalized{Text: "flat"},
		},
		{
			name: "content parts",
			in: domain.MappingResponse{"content": []any{
				map[string]any{"type": "text", "text": "one"},
				map[string]any{"type": "text", "text": "two"},
			}},
			want: Normalized{Text: "one\ntwo"},
		},
		{
			name: "unknown shape degrades to empty",
			in:   domain.MappingResponse{"choices": "nope", "content": 42},
			want: Normalized{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Normalize(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNormalize_Text(t *testing.T) {
	got, err := Normalize(domain.TextResponse(" plain "))
	require.NoError(t, err)
	require.Equal(t, Normalized{Text: "plain"}, got)
}

func TestNormalize_Absent(t *testing.T) {
	_, err := Normalize(nil)
	require.ErrorIs(t, err, ErrMalformedResponse)

	var obj *domain.ObjectResponse
	_, err = Normalize(obj)
	require.ErrorIs(t, err, ErrMalformedResponse)

	var m domain.MappingResponse
	_, err = Normalize(m)
	require.ErrorIs(t, err, ErrMalformedResponse)
}
