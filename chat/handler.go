package chat

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"visage_back/avatar"
	"visage_back/voice"
)

type Module struct {
	client       *ChatClient
	db           *gorm.DB
	orchestrator *avatar.Orchestrator
	synthesizer  voice.Synthesizer
}

// RegisterRoutes mounts the companion chat endpoints under /api.
func RegisterRoutes(router *gin.Engine, orchestrator *avatar.Orchestrator, client *ChatClient, synthesizer voice.Synthesizer) (*Module, error) {
	if orchestrator == nil {
		return nil, errors.New("chat: orchestrator is required")
	}
	if client == nil {
		return nil, errors.New("chat: client is required")
	}

	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&conversation{}, &message{}); err != nil {
		return nil, fmt.Errorf("chat: migrate tables: %w", err)
	}

	module := &Module{
		client:       client,
		db:           db,
		orchestrator: orchestrator,
		synthesizer:  synthesizer,
	}

	group := router.Group("/api")
	group.POST("/send-message", module.handleSendMessage)
	group.GET("/chat-session/:session_id", module.handleChatHistory)
	group.DELETE("/chat-session/:session_id", module.handleClearSession)
	group.POST("/update-personality", module.handleUpdatePersonality)

	return module, nil
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{"error": true, "code": code, "message": msg})
}

type sendMessageRequest struct {
	SessionID   string `json:"session_id"`
	Message     string `json:"message"`
	EnableVoice bool   `json:"enable_voice"`
}

func (m *Module) handleSendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		respondError(c, http.StatusBadRequest, "NO_SESSION_ID", "session_id is required")
		return
	}
	userMessage := strings.TrimSpace(req.Message)
	if userMessage == "" {
		respondError(c, http.StatusBadRequest, "NO_MESSAGE", "message cannot be empty")
		return
	}

	session, ok := m.orchestrator.Store().Get(req.SessionID)
	if !ok {
		respondError(c, http.StatusNotFound, "INVALID_SESSION", "unknown session_id")
		return
	}
	if !session.Status.ChatEligible() {
		respondError(c, http.StatusConflict, "NOT_READY",
			"avatar preparation has not finished for this session")
		return
	}

	conv, err := m.ensureConversation(session.SessionID, session.AvatarID, session.Personality)
	if err != nil {
		log.Printf("chat: conversation setup: %v", err)
		respondError(c, http.StatusInternalServerError, "CHAT_FAILED", "failed to open conversation")
		return
	}

	history, err := m.recentMessages(conv.ID)
	if err != nil {
		log.Printf("chat: history: %v", err)
		history = nil
	}

	messages := make([]ChatMessage, 0, len(history)+2)
	messages = append(messages, ChatMessage{Role: "system", Content: buildSystemPrompt(session.Personality)})
	for _, record := range history {
		messages = append(messages, ChatMessage{Role: record.Role, Content: record.Content})
	}
	messages = append(messages, ChatMessage{Role: "user", Content: userMessage})

	reply, err := m.client.Chat(c.Request.Context(), messages)
	if err != nil {
		log.Printf("chat: completion: %v", err)
		respondError(c, http.StatusBadGateway, "CHAT_FAILED", "the companion is unavailable right now")
		return
	}

	emotion := extractEmotion(reply)
	clean := cleanReply(reply)

	if err := m.appendMessage(conv.ID, "user", userMessage, ""); err != nil {
		log.Printf("chat: persist user turn: %v", err)
	}
	if err := m.appendMessage(conv.ID, "assistant", clean, emotion); err != nil {
		log.Printf("chat: persist assistant turn: %v", err)
	}

	messageID := uuid.NewString()

	audioURL := ""
	if req.EnableVoice && m.synthesizer != nil && m.synthesizer.Enabled() {
		audioPath, synthErr := m.synthesizer.Synthesize(c.Request.Context(), clean, "msg_"+messageID)
		if synthErr != nil {
			log.Printf("chat: voice synthesis: %v", synthErr)
		} else {
			audioURL = "/api/audio/" + filepath.Base(audioPath)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"error":                false,
		"session_id":           session.SessionID,
		"message_id":           messageID,
		"reply":                clean,
		"emotion":              emotion,
		"expression_video_url": expressionVideoURL(m.orchestrator.Locator(), session, emotion),
		"audio_url":            audioURL,
		"timestamp":            time.Now().Unix(),
	})
}

func (m *Module) handleChatHistory(c *gin.Context) {
	sessionID := c.Param("session_id")

	var conv conversation
	if err := m.db.Where("session_id = ?", sessionID).First(&conv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusOK, gin.H{"error": false, "session_id": sessionID, "messages": []gin.H{}})
			return
		}
		log.Printf("chat: history lookup: %v", err)
		respondError(c, http.StatusInternalServerError, "CHAT_FAILED", "failed to load history")
		return
	}

	records, err := m.recentMessages(conv.ID)
	if err != nil {
		log.Printf("chat: history: %v", err)
		respondError(c, http.StatusInternalServerError, "CHAT_FAILED", "failed to load history")
		return
	}

	out := make([]gin.H, 0, len(records))
	for _, record := range records {
		out = append(out, gin.H{
			"role":      record.Role,
			"content":   record.Content,
			"emotion":   record.Emotion,
			"timestamp": record.CreatedAt.Unix(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"error": false, "session_id": sessionID, "messages": out})
}

func (m *Module) handleClearSession(c *gin.Context) {
	sessionID := c.Param("session_id")
	removed, err := m.clearConversation(sessionID)
	if err != nil {
		log.Printf("chat: clear session: %v", err)
		respondError(c, http.StatusInternalServerError, "CHAT_FAILED", "failed to clear conversation")
		return
	}
	if !removed {
		respondError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "unknown session_id")
		return
	}
	c.JSON(http.StatusOK, gin.H{"error": false, "session_id": sessionID, "message": "conversation cleared"})
}

type updatePersonalityRequest struct {
	SessionID   string                    `json:"session_id"`
	Personality avatar.PersonalityProfile `json:"personality"`
}

func (m *Module) handleUpdatePersonality(c *gin.Context) {
	var req updatePersonalityRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		respondError(c, http.StatusBadRequest, "NO_SESSION_ID", "session_id is required")
		return
	}

	profile := avatar.NormalizeProfile(req.Personality)

	session, err := m.orchestrator.Store().Update(req.SessionID, func(s *avatar.Session) error {
		s.Personality = &profile
		return nil
	})
	if err != nil {
		respondError(c, http.StatusNotFound, "INVALID_SESSION", "unknown session_id")
		return
	}

	if err := avatar.SaveProfile(m.orchestrator.Locator().PersonalityPath(session.AvatarID), profile); err != nil {
		log.Printf("chat: persist personality: %v", err)
	}
	if err := m.updatePersonality(session.SessionID, profile); err != nil {
		log.Printf("chat: update conversation personality: %v", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"error":       false,
		"session_id":  session.SessionID,
		"personality": profile,
	})
}

// buildSystemPrompt folds the avatar's personality into the companion
// persona and asks the model to close every reply with an emotion tag.
func buildSystemPrompt(profile *avatar.PersonalityProfile) string {
	var sb strings.Builder
	sb.WriteString("你是用户的虚拟形象伙伴，请始终保持角色，用简洁温暖的中文交流。\n")

	if profile != nil {
		if len(profile.Traits) > 0 {
			sb.WriteString("\n**性格特征：**\n")
			for _, trait := range profile.Traits {
				sb.WriteString("- " + trait + "\n")
			}
		}
		if len(profile.Habits) > 0 {
			sb.WriteString("\n**行为习惯：**\n")
			for _, habit := range profile.Habits {
				sb.WriteString("- " + habit + "\n")
			}
		}
		if profile.VoiceTone != "" {
			sb.WriteString("\n**语调风格：** " + profile.VoiceTone + "\n")
		}
	}

	sb.WriteString("\n回复要求：\n")
	sb.WriteString("1. 保持角色设定，不要提及自己是AI模型\n")
	sb.WriteString("2. 在每个回复的末尾，必须使用 [EMOTION: 情感状态] 标签表达当前情感\n")
	sb.WriteString("3. 可用的情感状态: " + strings.Join(avatar.Emotions, ", ") + "\n")
	sb.WriteString("\n示例：\"你好！很高兴见到你，有什么我可以帮助你的吗？ [EMOTION: happy]\"")
	return sb.String()
}
