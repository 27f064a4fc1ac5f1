package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"visage_back/avatar"
)

const historyWindow = 20

// ensureConversation finds or creates the conversation row for a session.
func (m *Module) ensureConversation(sessionID, avatarID string, profile *avatar.PersonalityProfile) (conversation, error) {
	var conv conversation
	err := m.db.Where("session_id = ?", sessionID).First(&conv).Error
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return conversation{}, fmt.Errorf("chat: load conversation: %w", err)
	}

	conv = conversation{
		SessionID: sessionID,
		AvatarID:  avatarID,
		LastMsgAt: time.Now().UTC(),
	}
	if profile != nil {
		if encoded, marshalErr := json.Marshal(profile); marshalErr == nil {
			conv.Personality = datatypes.JSON(encoded)
		}
	}
	if err := m.db.Create(&conv).Error; err != nil {
		return conversation{}, fmt.Errorf("chat: create conversation: %w", err)
	}
	return conv, nil
}

func (m *Module) appendMessage(conversationID uint64, role, content, emotion string) error {
	record := message{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Emotion:        emotion,
	}
	if err := m.db.Create(&record).Error; err != nil {
		return fmt.Errorf("chat: append message: %w", err)
	}
	return m.db.Model(&conversation{}).
		Where("id = ?", conversationID).
		Update("last_msg_at", time.Now().UTC()).Error
}

// recentMessages returns the newest turns in chronological order, capped at
// the history window so prompts stay bounded.
func (m *Module) recentMessages(conversationID uint64) ([]message, error) {
	var records []message
	err := m.db.Where("conversation_id = ?", conversationID).
		Order("id DESC").
		Limit(historyWindow).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("chat: load history: %w", err)
	}

	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

func (m *Module) clearConversation(sessionID string) (bool, error) {
	var conv conversation
	err := m.db.Where("session_id = ?", sessionID).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("chat: load conversation: %w", err)
	}

	if err := m.db.Where("conversation_id = ?", conv.ID).Delete(&message{}).Error; err != nil {
		return false, fmt.Errorf("chat: delete messages: %w", err)
	}
	if err := m.db.Delete(&conv).Error; err != nil {
		return false, fmt.Errorf("chat: delete conversation: %w", err)
	}
	return true, nil
}

func (m *Module) updatePersonality(sessionID string, profile avatar.PersonalityProfile) error {
	encoded, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("chat: encode personality: %w", err)
	}
	return m.db.Model(&conversation{}).
		Where("session_id = ?", sessionID).
		Update("personality", datatypes.JSON(encoded)).Error
}
