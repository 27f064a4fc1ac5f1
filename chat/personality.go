package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"visage_back/avatar"
)

const personalityPrompt = `你是一个角色设定师。根据这个卡通形象的视觉风格，为它设计一个人格档案。

请只返回一个JSON对象，不要包含任何其他文字，格式如下：
{
    "personality": ["性格特征1", "性格特征2", "性格特征3", "性格特征4"],
    "habits": ["习惯1", "习惯2"],
    "voice_tone": "语调描述"
}

要求：
1. personality字段：包含3-5个积极的性格特征
2. habits字段：包含1-3个生活习惯
3. voice_tone字段：用一个词描述语调风格`

// PersonalityService derives a personality profile for an avatar from its
// selected variation and persists it at the canonical path.
type PersonalityService struct {
	client  *ChatClient
	locator *avatar.Locator
}

func NewPersonalityService(client *ChatClient, locator *avatar.Locator) *PersonalityService {
	return &PersonalityService{client: client, locator: locator}
}

func (s *PersonalityService) GeneratePersonality(ctx context.Context, imagePath, avatarID string) (avatar.PersonalityProfile, error) {
	prompt := fmt.Sprintf("%s\n\n形象文件名: %s", personalityPrompt, filepath.Base(imagePath))

	reply, err := s.client.Chat(ctx, []ChatMessage{
		{Role: "system", Content: "你只输出合法的JSON，不输出任何解释。"},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return avatar.PersonalityProfile{}, fmt.Errorf("chat: personality completion: %w", err)
	}

	profile, err := parseProfile(reply)
	if err != nil {
		return avatar.PersonalityProfile{}, err
	}
	profile = avatar.NormalizeProfile(profile)

	if err := avatar.SaveProfile(s.locator.PersonalityPath(avatarID), profile); err != nil {
		return avatar.PersonalityProfile{}, err
	}
	return profile, nil
}

// parseProfile tolerates markdown code fences around the JSON object.
func parseProfile(reply string) (avatar.PersonalityProfile, error) {
	trimmed := strings.TrimSpace(reply)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	if start := strings.Index(trimmed, "{"); start > 0 {
		trimmed = trimmed[start:]
	}
	if end := strings.LastIndex(trimmed, "}"); end >= 0 {
		trimmed = trimmed[:end+1]
	}

	var profile avatar.PersonalityProfile
	if err := json.Unmarshal([]byte(trimmed), &profile); err != nil {
		return avatar.PersonalityProfile{}, fmt.Errorf("chat: parse personality JSON: %w", err)
	}
	return profile, nil
}
