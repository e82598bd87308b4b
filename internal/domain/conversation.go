package domain

import (
	"encoding/json"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation is a chat thread owned by exactly one user.
type Conversation struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Deleted reports whether the conversation carries a soft-delete tombstone.
func (c Conversation) Deleted() bool {
	return c.DeletedAt != nil
}

// Message is a single persisted conversation entry.
//
// ToolCalls and ToolResults hold the stored JSON descriptors verbatim; they are
// decoded only when history is prepared for a model call.
type Message struct {
	ID             string
	ConversationID string
	UserID         string
	Role           string
	Content        string
	ToolCalls      json.RawMessage
	ToolResults    json.RawMessage
	Metadata       map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}
