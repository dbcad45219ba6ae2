package ws

import (
	"context"
	"errors"
	"time"

	"whisper/internal/models"
	"whisper/internal/service"
)

// ServiceStore 用 service 层实现 Store。
type ServiceStore struct {
	Conversations *service.ConversationService
	Messages      *service.MessageService
}

func (s ServiceStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	return s.Conversations.Get(ctx, id)
}

func (s ServiceStore) CreateMessage(ctx context.Context, conversationID, senderID, text string) (*models.Message, error) {
	return s.Messages.Create(ctx, conversationID, senderID, text)
}

func (s ServiceStore) UpdateLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	return s.Conversations.UpdateLastMessage(ctx, conversationID, messageID, at)
}

func isNotFound(err error) bool { return errors.Is(err, service.ErrNotFound) }

func isValidation(err error) bool { return errors.Is(err, ErrValidation) }
