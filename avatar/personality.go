package avatar

import (
	"encoding/json"
	"fmt"
	"os"
)

const (
	maxTraits = 5
	maxHabits = 3
)

// PersonalityProfile describes the generated character of an avatar. The
// JSON field names are part of the external contract and match the persisted
// artifact format.
type PersonalityProfile struct {
	Traits    []string `json:"personality"`
	Habits    []string `json:"habits"`
	VoiceTone string   `json:"voice_tone"`
}

func (p PersonalityProfile) clone() PersonalityProfile {
	out := p
	out.Traits = append([]string(nil), p.Traits...)
	out.Habits = append([]string(nil), p.Habits...)
	return out
}

// DefaultPersonality is the single canonical fallback used wherever
// personality generation fails or a stored profile is unreadable.
func DefaultPersonality() PersonalityProfile {
	return PersonalityProfile{
		Traits:    []string{"友善热情", "乐于助人", "充满好奇心", "积极乐观"},
		Habits:    []string{"喜欢学习新知识", "经常为朋友着想"},
		VoiceTone: "温和",
	}
}

// NormalizeProfile coerces an arbitrary upstream result into the exact
// profile shape: at most 5 traits, at most 3 habits, a non-empty voice tone.
// A profile with no traits at all is replaced by the default wholesale, so a
// profile is never partially populated.
func NormalizeProfile(p PersonalityProfile) PersonalityProfile {
	if len(p.Traits) == 0 {
		return DefaultPersonality()
	}
	out := PersonalityProfile{VoiceTone: p.VoiceTone}
	for _, t := range p.Traits {
		if t == "" {
			continue
		}
		out.Traits = append(out.Traits, t)
		if len(out.Traits) == maxTraits {
			break
		}
	}
	for _, h := range p.Habits {
		if h == "" {
			continue
		}
		out.Habits = append(out.Habits, h)
		if len(out.Habits) == maxHabits {
			break
		}
	}
	if len(out.Traits) == 0 {
		return DefaultPersonality()
	}
	if out.VoiceTone == "" {
		out.VoiceTone = "friendly"
	}
	return out
}

// LoadProfile reads a persisted personality artifact. Any read or decode
// failure is an integrity failure the caller recovers from with the default.
func LoadProfile(path string) (PersonalityProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PersonalityProfile{}, fmt.Errorf("avatar: read personality %s: %w", path, err)
	}
	var p PersonalityProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return PersonalityProfile{}, fmt.Errorf("avatar: decode personality %s: %w", path, err)
	}
	return NormalizeProfile(p), nil
}

// SaveProfile persists a profile at the canonical artifact path.
func SaveProfile(path string, p PersonalityProfile) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("avatar: encode personality: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("avatar: write personality %s: %w", path, err)
	}
	return nil
}
