package service

import (
	"context"
	"errors"
	"time"

	"whisper/internal/models"

	"gorm.io/gorm"
)

// ConversationService 封装会话相关的业务逻辑。
type ConversationService struct {
	db    *gorm.DB
	users *UserService
}

func NewConversationService(db *gorm.DB, users *UserService) *ConversationService {
	return &ConversationService{db: db, users: users}
}

// PreviewDTO 是会话列表中展示的最后一条消息摘要。
type PreviewDTO struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	SenderID  string    `json:"senderId"`
	CreatedAt time.Time `json:"createdAt"`
}

// ConversationDTO 是对外输出的会话数据。
type ConversationDTO struct {
	ID            string      `json:"id"`
	Participants  []UserDTO   `json:"participants"`
	LastMessage   *PreviewDTO `json:"lastMessage"`
	LastMessageAt *time.Time  `json:"lastMessageAt"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// Get 读取会话及其参与者。
func (s *ConversationService) Get(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := s.db.WithContext(ctx).Preload("Participants").First(&conv, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &conv, nil
}

// GetForUser 读取会话并校验 userID 是参与者。
func (s *ConversationService) GetForUser(ctx context.Context, id, userID string) (*models.Conversation, error) {
	conv, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return conv, nil
}

// GetOrCreate 返回两个用户之间已有的会话，不存在时创建。
func (s *ConversationService) GetOrCreate(ctx context.Context, userID, participantID string) (*ConversationDTO, error) {
	if userID == participantID {
		return nil, ErrSelfChat
	}
	me, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	other, err := s.users.Get(ctx, participantID)
	if err != nil {
		return nil, err
	}

	var convID string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Table("conversation_participants").
			Select("conversation_id").
			Where("user_id IN ?", []string{userID, participantID}).
			Group("conversation_id").
			Having("COUNT(DISTINCT user_id) = 2").
			Limit(1).
			Pluck("conversation_id", &ids).Error; err != nil {
			return err
		}
		if len(ids) > 0 {
			convID = ids[0]
			return nil
		}
		conv := models.Conversation{Participants: []models.User{*me, *other}}
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		convID = conv.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	conv, err := s.Get(ctx, convID)
	if err != nil {
		return nil, err
	}
	out, err := s.toDTOs(ctx, []models.Conversation{*conv})
	if err != nil {
		return nil, err
	}
	return &out[0], nil
}

// ListForUser 返回用户参与的会话，按最后活跃时间倒序（无消息的排在最后）。
func (s *ConversationService) ListForUser(ctx context.Context, userID string) ([]ConversationDTO, error) {
	var convs []models.Conversation
	err := s.db.WithContext(ctx).
		Joins("JOIN conversation_participants cp ON cp.conversation_id = conversations.id").
		Where("cp.user_id = ?", userID).
		Preload("Participants").
		Order("CASE WHEN conversations.last_message_at IS NULL THEN 1 ELSE 0 END").
		Order("conversations.last_message_at DESC").
		Order("conversations.created_at DESC").
		Find(&convs).Error
	if err != nil {
		return nil, err
	}
	return s.toDTOs(ctx, convs)
}

// UpdateLastMessage 更新会话的最后消息指针与活跃时间。
func (s *ConversationService) UpdateLastMessage(ctx context.Context, id, messageID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Conversation{}).Where("id = ?", id).Updates(map[string]any{
		"last_message_id": messageID,
		"last_message_at": at,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// toDTOs 批量加载最后消息摘要，避免逐条查询。
func (s *ConversationService) toDTOs(ctx context.Context, convs []models.Conversation) ([]ConversationDTO, error) {
	msgIDs := make([]string, 0, len(convs))
	for _, c := range convs {
		if c.LastMessageID != nil {
			msgIDs = append(msgIDs, *c.LastMessageID)
		}
	}
	previews := make(map[string]PreviewDTO, len(msgIDs))
	if len(msgIDs) > 0 {
		var msgs []models.Message
		if err := s.db.WithContext(ctx).Where("id IN ?", msgIDs).Find(&msgs).Error; err != nil {
			return nil, err
		}
		for _, m := range msgs {
			previews[m.ID] = PreviewDTO{ID: m.ID, Text: m.Text, SenderID: m.SenderID, CreatedAt: m.CreatedAt}
		}
	}

	out := make([]ConversationDTO, 0, len(convs))
	for _, c := range convs {
		dto := ConversationDTO{ID: c.ID, LastMessageAt: c.LastMessageAt, CreatedAt: c.CreatedAt}
		for _, p := range c.Participants {
			dto.Participants = append(dto.Participants, s.users.DTO(p))
		}
		if c.LastMessageID != nil {
			if p, ok := previews[*c.LastMessageID]; ok {
				dto.LastMessage = &p
			}
		}
		out = append(out, dto)
	}
	return out, nil
}
