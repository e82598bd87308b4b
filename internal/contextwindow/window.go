// Package contextwindow turns stored conversation history into the bounded,
// ordered sequence of turns handed to a model. It performs no I/O.
package contextwindow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"todo-chat-agent/internal/domain"
)

// DefaultMaxMessages is the window size used when none is configured.
const DefaultMaxMessages = 20

// Manager formats history with a fixed window size.
type Manager struct {
	maxMessages int
	logger      *slog.Logger
}

// New returns a Manager keeping at most maxMessages turns. A non-positive
// size selects DefaultMaxMessages.
func New(maxMessages int, logger *slog.Logger) *Manager {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{maxMessages: maxMessages, logger: logger.With("component", "contextwindow")}
}

// MaxMessages reports the window size.
func (m *Manager) MaxMessages() int {
	return m.maxMessages
}

// FormatForModel formats history with the manager's window size.
func (m *Manager) FormatForModel(history []domain.Message) []domain.ChatTurn {
	return FormatForModel(history, m.maxMessages, m.logger)
}

// FormatForModel keeps the last maxMessages entries of history, oldest first,
// and expands stored tool calls into assistant turns each followed by one
// tool turn per stored result. The output never holds more than maxMessages
// turns; when tool turns push it over, whole messages are dropped from the
// front so a tool turn is never separated from its call.
//
// Entries that cannot be decoded are dropped and logged.
func FormatForModel(history []domain.Message, maxMessages int, logger *slog.Logger) []domain.ChatTurn {
	if maxMessages <= 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	start := 0
	if len(history) > maxMessages {
		start = len(history) - maxMessages
	}

	groups := make([][]domain.ChatTurn, 0, len(history)-start)
	total := 0
	for _, msg := range history[start:] {
		if msg.DeletedAt != nil {
			continue
		}
		group, err := expand(msg)
		if err != nil {
			logger.Warn("dropping undecodable history entry",
				"message_id", msg.ID,
				"conversation_id", msg.ConversationID,
				"role", msg.Role,
				"err", err,
			)
			continue
		}
		if len(group) == 0 {
			continue
		}
		groups = append(groups, group)
		total += len(group)
	}

	for total > maxMessages && len(groups) > 1 {
		total -= len(groups[0])
		groups = groups[1:]
	}
	if total > maxMessages && len(groups) == 1 {
		// A lone assistant turn whose results alone overflow the window.
		// Keep its text only so no call is left without a result.
		only := groups[0][0]
		only.ToolCalls = nil
		groups[0] = []domain.ChatTurn{only}
		total = 1
	}

	turns := make([]domain.ChatTurn, 0, total)
	for _, g := range groups {
		turns = append(turns, g...)
	}
	return turns
}

var errUnknownRole = errors.New("unknown role")

func expand(msg domain.Message) ([]domain.ChatTurn, error) {
	switch msg.Role {
	case domain.RoleUser, domain.RoleSystem:
		if msg.Content == "" {
			return nil, nil
		}
		return []domain.ChatTurn{{Role: msg.Role, Content: msg.Content}}, nil
	case domain.RoleAssistant:
	default:
		return nil, fmt.Errorf("%w %q", errUnknownRole, msg.Role)
	}

	calls, err := decodeToolCalls(msg.ID, msg.ToolCalls)
	if err != nil {
		return nil, fmt.Errorf("decode tool calls: %w", err)
	}
	if len(calls) == 0 {
		if msg.Content == "" {
			return nil, nil
		}
		return []domain.ChatTurn{{Role: domain.RoleAssistant, Content: msg.Content}}, nil
	}

	results, err := decodeToolResults(msg.ToolResults)
	if err != nil {
		return nil, fmt.Errorf("decode tool results: %w", err)
	}

	turns := []domain.ChatTurn{{Role: domain.RoleAssistant, Content: msg.Content, ToolCalls: calls}}
	if len(results) == 0 {
		// Providers reject a call without a result, so drop the calls.
		turns[0].ToolCalls = nil
		if msg.Content == "" {
			return nil, nil
		}
		return turns, nil
	}
	if len(results) < len(calls) {
		turns[0].ToolCalls = calls[:len(results)]
	}
	for i, res := range results {
		if i >= len(calls) {
			break
		}
		content, err := resultContent(res)
		if err != nil {
			return nil, err
		}
		turns = append(turns, domain.ChatTurn{
			Role:       domain.RoleTool,
			Content:    content,
			ToolCallID: calls[i].ID,
			Name:       calls[i].Name,
		})
	}
	return turns, nil
}

type storedToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func decodeToolCalls(messageID string, raw json.RawMessage) ([]domain.ToolCall, error) {
	if isEmptyJSON(raw) {
		return nil, nil
	}
	var stored []storedToolCall
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, err
	}
	calls := make([]domain.ToolCall, 0, len(stored))
	for i, sc := range stored {
		if sc.Name == "" {
			return nil, fmt.Errorf("tool call %d has no name", i)
		}
		id := sc.ID
		if id == "" {
			id = fmt.Sprintf("call_%s_%d", messageID, i)
		}
		calls = append(calls, domain.ToolCall{ID: id, Name: sc.Name, Arguments: decodeArguments(sc.Arguments)})
	}
	return calls, nil
}

// decodeArguments accepts an object or a JSON-encoded object string.
func decodeArguments(raw json.RawMessage) map[string]any {
	args := map[string]any{}
	if isEmptyJSON(raw) {
		return args
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		raw = json.RawMessage(s)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil && m != nil {
		return m
	}
	return args
}

func decodeToolResults(raw json.RawMessage) ([]domain.ToolResult, error) {
	if isEmptyJSON(raw) {
		return nil, nil
	}
	var results []domain.ToolResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func resultContent(res domain.ToolResult) (string, error) {
	body := map[string]any{"success": res.Success}
	if res.Result != nil {
		body["result"] = res.Result
	}
	if res.Error != "" {
		body["error"] = res.Error
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode tool result: %w", err)
	}
	return string(buf), nil
}

func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("[]"))
}
