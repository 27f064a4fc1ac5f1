package avatar

import "errors"

// Status is the canonical pipeline state of a session. The legacy "step"
// descriptor reported by the API is derived from it at the serialization
// boundary, so the two can never diverge.
type Status string

const (
	StatusUploaded             Status = "uploaded"
	StatusGeneratingVariations Status = "generating_variations"
	StatusVariationsReady      Status = "variations_ready"
	StatusProcessingSelection  Status = "processing_selection"
	StatusReady                Status = "ready"

	// Dedup entry points. Both are chat-eligible terminal states.
	StatusReadyForChat         Status = "ready_for_chat"
	StatusPreparationCompleted Status = "preparation_completed"
)

var statusRank = map[Status]int{
	StatusUploaded:             0,
	StatusGeneratingVariations: 1,
	StatusVariationsReady:      2,
	StatusProcessingSelection:  3,
	StatusReady:                4,
	StatusReadyForChat:         4,
	StatusPreparationCompleted: 4,
}

// Step reports the legacy progress descriptor that older clients expect
// alongside the status field.
func (s Status) Step() string {
	switch s {
	case StatusUploaded:
		return "image_uploaded"
	case StatusGeneratingVariations:
		return "generating_variations"
	case StatusVariationsReady:
		return "variations_generated"
	case StatusProcessingSelection:
		return "generating_expressions"
	case StatusReady, StatusReadyForChat, StatusPreparationCompleted:
		return "preparation_complete"
	default:
		return "unknown"
	}
}

// ChatEligible reports whether a session in this state may start chatting.
func (s Status) ChatEligible() bool {
	switch s {
	case StatusReady, StatusReadyForChat, StatusPreparationCompleted:
		return true
	default:
		return false
	}
}

// UploadOutcome classifies what SubmitUpload did with an image.
type UploadOutcome string

const (
	OutcomeNew            UploadOutcome = "new"
	OutcomeReusedComplete UploadOutcome = "reused_complete"
	OutcomeReusedRepaired UploadOutcome = "reused_repaired"
)

// Session is the aggregate record tracking one upload's pipeline progress.
// It lives only for the process lifetime; generated artifacts outlive it and
// are rediscovered through dedup on the next upload of the same image.
type Session struct {
	SessionID       string
	AvatarID        string
	Fingerprint     string
	Status          Status
	CreatedAt       int64
	CompletedAt     int64
	OriginalPath    string
	SegmentedPath   string
	VariationPaths  []string
	SelectedIndex   int
	ExpressionPaths map[string]string
	Personality     *PersonalityProfile
	AutoCompleted   bool
}

// advanceTo moves the session status forward, never backward.
func (s *Session) advanceTo(next Status) {
	if statusRank[next] >= statusRank[s.Status] {
		s.Status = next
	}
}

// clone returns a deep copy so callers can never alias store-owned state.
func (s *Session) clone() Session {
	out := *s
	if s.VariationPaths != nil {
		out.VariationPaths = append([]string(nil), s.VariationPaths...)
	}
	if s.ExpressionPaths != nil {
		out.ExpressionPaths = make(map[string]string, len(s.ExpressionPaths))
		for k, v := range s.ExpressionPaths {
			out.ExpressionPaths[k] = v
		}
	}
	if s.Personality != nil {
		p := s.Personality.clone()
		out.Personality = &p
	}
	return out
}

var (
	ErrSessionNotFound = errors.New("avatar: session not found")
	ErrIndexOutOfRange = errors.New("avatar: selection index out of range")
	ErrNoMatch         = errors.New("avatar: no existing upload matches fingerprint")
	ErrNoVariations    = errors.New("avatar: session has no variations to select from")
)
