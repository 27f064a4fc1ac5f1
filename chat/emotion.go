package chat

import (
	"path/filepath"
	"regexp"
	"strings"

	"visage_back/avatar"
)

// Replies end with an [EMOTION: x] tag the system prompt asks for. When the
// model forgets the tag, keyword detection decides which expression to play.

var emotionTagPattern = regexp.MustCompile(`(?i)\[EMOTION:\s*(\w+)\]`)

var emotionKeywords = map[string][]string{
	"happy":     {"开心", "高兴", "快乐", "兴奋", "愉快", "😊", "哈哈", "太好了", "棒"},
	"sad":       {"难过", "伤心", "沮丧", "失望", "悲伤", "😢", "遗憾", "可惜"},
	"surprised": {"惊讶", "震惊", "意外", "没想到", "哇", "天哪", "😲", "不敢相信"},
}

func extractEmotion(reply string) string {
	if match := emotionTagPattern.FindStringSubmatch(reply); match != nil {
		detected := strings.ToLower(match[1])
		for _, emotion := range avatar.Emotions {
			if detected == emotion {
				return detected
			}
		}
	}
	return detectEmotionByKeywords(reply)
}

func detectEmotionByKeywords(text string) string {
	lower := strings.ToLower(text)
	for _, emotion := range avatar.Emotions {
		for _, keyword := range emotionKeywords[emotion] {
			if strings.Contains(lower, keyword) {
				return emotion
			}
		}
	}
	return "happy"
}

// cleanReply strips emotion tags and surrounding whitespace from the reply.
func cleanReply(reply string) string {
	return strings.TrimSpace(emotionTagPattern.ReplaceAllString(reply, ""))
}

// expressionVideoURL picks the session's clip for the emotion, skipping
// placeholders, and falls back to the shared default clip.
func expressionVideoURL(locator *avatar.Locator, session avatar.Session, emotion string) string {
	if path, ok := session.ExpressionPaths[emotion]; ok {
		if locator.Exists(path) && !strings.Contains(filepath.Base(path), "_placeholder") {
			return "/api/expression-video/" + filepath.Base(path)
		}
	}

	fallback := filepath.Join(locator.StaticExpressionsDir(), "default_"+emotion+".mp4")
	if locator.Exists(fallback) {
		return "/api/expression-video/" + filepath.Base(fallback)
	}
	return ""
}
