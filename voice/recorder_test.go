package voice

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	return f.text, f.err
}

func TestRecorderStartStop(t *testing.T) {
	recorder := NewRecorder(nil)
	t.Cleanup(recorder.Close)

	id := recorder.Start("")
	if id == "" {
		t.Fatal("start should mint a session id")
	}
	if recorder.Active() != 1 {
		t.Errorf("active = %d, want 1", recorder.Active())
	}

	result, err := recorder.Stop(context.Background(), id, "")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if result.SessionID != id {
		t.Errorf("session id = %q, want %q", result.SessionID, id)
	}
	if recorder.Active() != 0 {
		t.Errorf("active = %d, want 0", recorder.Active())
	}

	if _, err := recorder.Stop(context.Background(), id, ""); !errors.Is(err, ErrUnknownRecording) {
		t.Errorf("second stop err = %v, want ErrUnknownRecording", err)
	}
}

func TestRecorderCloseStopsSweeper(t *testing.T) {
	recorder := NewRecorder(nil)
	recorder.Close()
	recorder.Close()

	select {
	case <-recorder.done:
	case <-time.After(time.Second):
		t.Fatal("sweeper still running after Close")
	}
}

func TestRecorderReusesCallerID(t *testing.T) {
	recorder := NewRecorder(nil)
	t.Cleanup(recorder.Close)
	if got := recorder.Start("custom"); got != "custom" {
		t.Errorf("Start = %q, want custom", got)
	}
}

func TestRecorderTranscription(t *testing.T) {
	recorder := NewRecorder(&fakeTranscriber{text: "你好"})
	t.Cleanup(recorder.Close)
	id := recorder.Start("")

	result, err := recorder.Stop(context.Background(), id, "/tmp/clip.wav")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if result.Text != "你好" {
		t.Errorf("text = %q, want 你好", result.Text)
	}
}

func TestRecorderTranscriptionFailureDegrades(t *testing.T) {
	recorder := NewRecorder(&fakeTranscriber{err: errors.New("asr down")})
	t.Cleanup(recorder.Close)
	id := recorder.Start("")

	result, err := recorder.Stop(context.Background(), id, "/tmp/clip.wav")
	if err != nil {
		t.Fatalf("Stop should absorb transcription errors: %v", err)
	}
	if result.Text != "" {
		t.Errorf("text = %q, want empty", result.Text)
	}
}
