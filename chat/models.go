package chat

import (
	"time"

	"gorm.io/datatypes"
)

type conversation struct {
	ID          uint64         `gorm:"primaryKey"`
	SessionID   string         `gorm:"column:session_id;size:64;uniqueIndex"`
	AvatarID    string         `gorm:"column:avatar_id;size:64;index"`
	Personality datatypes.JSON `gorm:"column:personality"`
	LastMsgAt   time.Time      `gorm:"column:last_msg_at"`
	CreatedAt   time.Time      `gorm:"column:created_at"`
	UpdatedAt   time.Time      `gorm:"column:updated_at"`
}

func (conversation) TableName() string {
	return "conversations"
}

type message struct {
	ID             uint64    `gorm:"primaryKey"`
	ConversationID uint64    `gorm:"column:conversation_id;index"`
	Role           string    `gorm:"column:role;size:16"`
	Content        string    `gorm:"column:content"`
	Emotion        string    `gorm:"column:emotion;size:32"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (message) TableName() string {
	return "messages"
}
