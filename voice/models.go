package voice

import "context"

// Synthesizer converts reply text into an audio file and returns its path.
// Implementations must be safe to call with a nil receiver when the service
// is not configured.
type Synthesizer interface {
	Enabled() bool
	Synthesize(ctx context.Context, text, tag string) (string, error)
}

// Transcriber turns a recorded audio clip into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// RecordingResult is returned when a recording session is stopped.
type RecordingResult struct {
	SessionID string  `json:"session_id"`
	Text      string  `json:"text"`
	Duration  float64 `json:"duration_seconds"`
}
