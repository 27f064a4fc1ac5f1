package voice

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownRecording = errors.New("voice: unknown recording session")
	ErrNotRecording     = errors.New("voice: session is not recording")
)

const recordingMaxAge = 5 * time.Minute

type recordingSession struct {
	id        string
	startedAt time.Time
	active    bool
}

// Recorder tracks in-flight voice recording sessions. Audio capture happens
// on the client; the server only brackets the session and, when a
// transcriber is configured, turns the uploaded clip into text on stop.
type Recorder struct {
	transcriber Transcriber

	mu       sync.Mutex
	sessions map[string]*recordingSession

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewRecorder(transcriber Transcriber) *Recorder {
	r := &Recorder{
		transcriber: transcriber,
		sessions:    make(map[string]*recordingSession),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Close stops the expiry sweeper. Safe to call more than once.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Start opens a recording session. A caller-provided id is reused so a
// client can retry the start call idempotently.
func (r *Recorder) Start(sessionID string) string {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = &recordingSession{
		id:        sessionID,
		startedAt: time.Now(),
		active:    true,
	}
	return sessionID
}

// Stop closes the session and transcribes audioPath when both a clip and a
// transcriber are available. Transcription failures degrade to empty text.
func (r *Recorder) Stop(ctx context.Context, sessionID, audioPath string) (RecordingResult, error) {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return RecordingResult{}, ErrUnknownRecording
	}
	if !session.active {
		r.mu.Unlock()
		return RecordingResult{}, ErrNotRecording
	}
	session.active = false
	duration := time.Since(session.startedAt).Seconds()
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	result := RecordingResult{SessionID: sessionID, Duration: duration}
	if audioPath == "" || r.transcriber == nil {
		return result, nil
	}

	text, err := r.transcriber.Transcribe(ctx, audioPath)
	if err != nil {
		log.Printf("voice: transcription failed for %s: %v", sessionID, err)
		return result, nil
	}
	result.Text = text
	return result, nil
}

func (r *Recorder) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Recorder) sweepLoop() {
	defer close(r.done)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-recordingMaxAge)
			r.mu.Lock()
			for id, session := range r.sessions {
				if session.startedAt.Before(cutoff) {
					delete(r.sessions, id)
					log.Printf("voice: expired recording session %s", id)
				}
			}
			r.mu.Unlock()
		}
	}
}
