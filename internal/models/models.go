package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User 是身份提供方主体在本地的映射，Subject 对应 token 的 sub。
type User struct {
	ID        string `gorm:"primaryKey;size:36"`
	Subject   string `gorm:"uniqueIndex;size:191;not null"`
	Name      string `gorm:"size:128;not null"`
	Email     string `gorm:"uniqueIndex;size:191;not null"`
	Avatar    string `gorm:"size:512"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// Conversation 的参与者在创建后固定不变。
type Conversation struct {
	ID            string     `gorm:"primaryKey;size:36"`
	Participants  []User     `gorm:"many2many:conversation_participants"`
	LastMessageID *string    `gorm:"size:36"`
	LastMessageAt *time.Time `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (c *Conversation) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// HasParticipant 判断 userID 是否属于该会话。
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// ParticipantIDs 返回参与者 ID 列表。
func (c *Conversation) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}

// Message 持久化后不可变。
type Message struct {
	ID             string    `gorm:"primaryKey;size:36"`
	ConversationID string    `gorm:"index:idx_msg_conversation;size:36;not null"`
	SenderID       string    `gorm:"index;size:36;not null"`
	Text           string    `gorm:"type:text;not null"`
	CreatedAt      time.Time `gorm:"index:idx_msg_conversation"`
}

func (m *Message) BeforeCreate(*gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}
