package usecase

import (
	"context"
	"strings"

	"todo-chat-agent/internal/domain"
)

// CreateConversation starts an empty conversation for userID.
func (s *ChatService) CreateConversation(ctx context.Context, userID, title string) (domain.Conversation, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Conversation{}, newError(ErrorAccessDenied, "missing_user", nil)
	}
	return s.createConversation(ctx, userID, titleFrom(title))
}

// ListConversations returns the user's live conversations, newest activity first.
func (s *ChatService) ListConversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, newError(ErrorAccessDenied, "missing_user", nil)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	convs, err := s.store.ListConversations(ctx, userID, limit)
	if err != nil {
		return nil, newError(ErrorInternal, "dynamodb_list_conversations_error", err)
	}
	return convs, nil
}

// GetMessages returns up to limit of the newest live messages in creation order.
func (s *ChatService) GetMessages(ctx context.Context, conversationID, userID string, limit int) ([]domain.Message, error) {
	if _, err := s.ownedConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	msgs, err := s.store.GetHistory(ctx, conversationID, limit)
	if err != nil {
		return nil, newError(ErrorInternal, "dynamodb_history_error", err)
	}
	return msgs, nil
}

// DeleteConversation soft-deletes the conversation and its messages.
func (s *ChatService) DeleteConversation(ctx context.Context, conversationID, userID string) error {
	if _, err := s.ownedConversation(ctx, conversationID, userID); err != nil {
		return err
	}
	if err := s.store.DeleteConversation(ctx, conversationID); err != nil {
		return newError(ErrorInternal, "dynamodb_delete_conversation_error", err)
	}
	s.logger.Info("conversation deleted", "conversation_id", conversationID, "user_id", userID)
	return nil
}
