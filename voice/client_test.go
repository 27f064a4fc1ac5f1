package voice

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"visage_back/avatar"
)

func TestWriteWAVHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	pcm := make([]byte, 1000)

	if err := writeWAV(path, 22050, pcm); err != nil {
		t.Fatalf("writeWAV: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(data) != 44+len(pcm) {
		t.Fatalf("file size = %d, want %d", len(data), 44+len(pcm))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Error("missing RIFF/WAVE magic")
	}
	if got := binary.LittleEndian.Uint32(data[24:28]); got != 22050 {
		t.Errorf("sample rate = %d, want 22050", got)
	}
	if got := binary.LittleEndian.Uint32(data[40:44]); got != uint32(len(pcm)) {
		t.Errorf("data chunk size = %d, want %d", got, len(pcm))
	}
}

func TestSynthesizeDisabledWritesFallback(t *testing.T) {
	t.Setenv("VOICE_API_KEY", "")

	locator := avatar.NewLocator(t.TempDir())
	if err := locator.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}

	client, err := NewClientFromEnv(locator)
	if err != nil {
		t.Fatalf("NewClientFromEnv: %v", err)
	}
	if client.Enabled() {
		t.Fatal("client without an API key must be disabled")
	}

	path, err := client.Synthesize(context.Background(), "你好", "tag1")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("fallback audio missing: %v", err)
	}
	if info.Size() <= 44 {
		t.Error("fallback WAV should contain silence samples, not just a header")
	}
}

func TestSynthesizeRejectsEmptyText(t *testing.T) {
	locator := avatar.NewLocator(t.TempDir())
	client, err := NewClientFromEnv(locator)
	if err != nil {
		t.Fatalf("NewClientFromEnv: %v", err)
	}
	if _, err := client.Synthesize(context.Background(), "   ", "tag"); err == nil {
		t.Error("blank text should be rejected")
	}
}
