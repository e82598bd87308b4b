package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"todo-chat-agent/internal/domain"
)

// Normalized is the single shape every model response is reduced to.
type Normalized struct {
	Text      string
	ToolCalls []domain.ToolCall
	Reasoning string
	Model     string
}

// Normalize reduces an object, mapping or string response to Normalized.
// Only an absent response is an error; anything else degrades field by field.
func Normalize(resp domain.ModelResponse) (Normalized, error) {
	switch r := resp.(type) {
	case nil:
		return Normalized{}, ErrMalformedResponse
	case *domain.ObjectResponse:
		if r == nil {
			return Normalized{}, ErrMalformedResponse
		}
		return normalizeObject(r), nil
	case domain.MappingResponse:
		if r == nil {
			return Normalized{}, ErrMalformedResponse
		}
		return normalizeMapping(r), nil
	case domain.TextResponse:
		return Normalized{Text: strings.TrimSpace(string(r))}, nil
	default:
		return Normalized{}, fmt.Errorf("%w: unsupported shape %T", ErrMalformedResponse, resp)
	}
}

func normalizeObject(r *domain.ObjectResponse) Normalized {
	out := Normalized{Model: r.Model}
	if r.Content != nil {
		out.Text = strings.TrimSpace(*r.Content)
	}
	if r.Reasoning != nil {
		out.Reasoning = strings.TrimSpace(*r.Reasoning)
	}
	for _, tc := range r.ToolCalls {
		if tc.Name == "" {
			continue
		}
		out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
			ID:        callID(tc.ID, len(out.ToolCalls)),
			Name:      tc.Name,
			Arguments: parseArguments(tc.Arguments),
		})
	}
	return out
}

func normalizeMapping(m domain.MappingResponse) Normalized {
	out := Normalized{Model: stringField(m, "model")}

	msg := map[string]any(m)
	if choices, ok := m["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if inner, ok := choice["message"].(map[string]any); ok {
				msg = inner
			}
		}
	}

	out.Text = contentText(msg["content"])
	if out.Text == "" {
		for _, key := range []string{"text", "response", "output"} {
			if s := stringField(msg, key); s != "" {
				out.Text = s
				break
			}
		}
	}
	out.Reasoning = stringField(msg, "reasoning_content")
	if out.Reasoning == "" {
		out.Reasoning = stringField(msg, "reasoning")
	}

	calls, _ := msg["tool_calls"].([]any)
	for _, raw := range calls {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		fn, _ := entry["function"].(map[string]any)
		if fn == nil {
			fn = entry
		}
		name := stringField(fn, "name")
		if name == "" {
			continue
		}
		out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
			ID:        callID(stringField(entry, "id"), len(out.ToolCalls)),
			Name:      name,
			Arguments: parseArguments(fn["arguments"]),
		})
	}
	return out
}

// contentText accepts a plain string or a list of {type: text, text} parts.
func contentText(v any) string {
	switch c := v.(type) {
	case string:
		return strings.TrimSpace(c)
	case []any:
		var parts []string
		for _, p := range c {
			part, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if s := stringField(part, "text"); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.TrimSpace(strings.Join(parts, "\n"))
	}
	return ""
}

// parseArguments returns the structured arguments of one tool call, or an
// empty set when they cannot be parsed.
func parseArguments(v any) map[string]any {
	switch a := v.(type) {
	case map[string]any:
		return a
	case string:
		a = strings.TrimSpace(a)
		if a == "" {
			return map[string]any{}
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(a), &out); err != nil || out == nil {
			return map[string]any{}
		}
		return out
	case json.RawMessage:
		return parseArguments(string(a))
	}
	return map[string]any{}
}

func callID(id string, index int) string {
	if id != "" {
		return id
	}
	return fmt.Sprintf("call_%d", index)
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}
