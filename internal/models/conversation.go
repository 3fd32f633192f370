package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation 会话表
type Conversation struct {
	ID        string    `gorm:"primaryKey;column:id;size:36" json:"id"`
	OwnerID   string    `gorm:"column:owner_id;size:255;not null;index:idx_owner_updated,priority:1" json:"owner_id"`
	Title     *string   `gorm:"column:title;size:255" json:"title"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;index:idx_owner_updated,priority:2" json:"updated_at"`

	Messages []Message `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"messages,omitempty"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// BeforeCreate 生成UUID主键
func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// Message 会话消息表，只追加
type Message struct {
	ID             string         `gorm:"primaryKey;column:id;size:36" json:"id"`
	ConversationID string         `gorm:"column:conversation_id;size:36;not null;index" json:"conversation_id"`
	Role           string         `gorm:"column:role;size:20;not null" json:"role"`
	Content        string         `gorm:"column:content;type:text;not null" json:"content"`
	Sources        datatypes.JSON `gorm:"column:sources;type:jsonb" json:"sources,omitempty"`
	CreatedAt      time.Time      `gorm:"column:created_at;not null;index" json:"created_at"`
}

func (Message) TableName() string {
	return "messages"
}

// BeforeCreate 生成UUID主键
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// AllModels 需要自动迁移的模型
func AllModels() []interface{} {
	return []interface{}{&Conversation{}, &Message{}}
}
