package service

import (
	"context"
	"time"

	"whisper/internal/models"
	"whisper/internal/protocol"

	"gorm.io/gorm"
)

// MessageService 封装消息相关的业务逻辑。
type MessageService struct {
	db *gorm.DB
}

func NewMessageService(db *gorm.DB) *MessageService {
	return &MessageService{db: db}
}

// Create 持久化一条消息，ID 与创建时间由服务端生成。
func (s *MessageService) Create(ctx context.Context, conversationID, senderID, text string) (*models.Message, error) {
	msg := models.Message{ConversationID: conversationID, SenderID: senderID, Text: text}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListByConversation 分页查询会话消息，before 非零时只取更早的消息，按时间升序返回。
func (s *MessageService) ListByConversation(ctx context.Context, conversationID string, limit int, before time.Time) ([]protocol.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if !before.IsZero() {
		q = q.Where("created_at < ?", before)
	}

	var msgs []models.Message
	if err := q.Order("created_at desc").Order("id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}

	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	senders, err := s.resolveSenders(ctx, msgs)
	if err != nil {
		return nil, err
	}

	out := make([]protocol.Message, 0, len(msgs))
	for _, m := range msgs {
		sender := senders[m.SenderID]
		sender.ID = m.SenderID
		out = append(out, protocol.Message{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			Sender:         sender,
			Text:           m.Text,
			CreatedAt:      m.CreatedAt,
		})
	}
	return out, nil
}

// resolveSenders 批量获取消息涉及的发送者展示信息。
func (s *MessageService) resolveSenders(ctx context.Context, msgs []models.Message) (map[string]protocol.Sender, error) {
	seen := make(map[string]struct{}, len(msgs))
	userIDs := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		userIDs = append(userIDs, m.SenderID)
	}

	senders := make(map[string]protocol.Sender, len(userIDs))
	if len(userIDs) > 0 {
		var users []models.User
		if err := s.db.WithContext(ctx).Select("id", "name", "avatar").Where("id IN ?", userIDs).Find(&users).Error; err != nil {
			return nil, err
		}
		for _, u := range users {
			senders[u.ID] = protocol.Sender{ID: u.ID, Name: u.Name, Avatar: u.Avatar}
		}
	}
	return senders, nil
}
