package voice

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"visage_back/avatar"
)

var ErrDisabled = errors.New("voice: service disabled")

const (
	defaultEndpoint   = "wss://dashscope.aliyuncs.com/api-ws/v1/inference"
	defaultModel      = "cosyvoice-v3"
	defaultVoice      = "longxiaochun"
	defaultSampleRate = 22050
)

// Client synthesizes speech over the provider's duplex websocket protocol.
// When VOICE_API_KEY is unset the client stays disabled and every reply
// falls back to a short silent WAV so the audio slot remains servable.
type Client struct {
	apiKey     string
	endpoint   string
	model      string
	voice      string
	sampleRate int
	locator    *avatar.Locator
}

func NewClientFromEnv(locator *avatar.Locator) (*Client, error) {
	client := &Client{
		apiKey:     strings.TrimSpace(os.Getenv("VOICE_API_KEY")),
		endpoint:   strings.TrimSpace(os.Getenv("VOICE_WS_ENDPOINT")),
		model:      strings.TrimSpace(os.Getenv("VOICE_MODEL")),
		voice:      strings.TrimSpace(os.Getenv("VOICE_DEFAULT_VOICE")),
		sampleRate: defaultSampleRate,
		locator:    locator,
	}
	if client.endpoint == "" {
		client.endpoint = defaultEndpoint
	}
	if client.model == "" {
		client.model = defaultModel
	}
	if client.voice == "" {
		client.voice = defaultVoice
	}
	if client.apiKey == "" {
		log.Println("voice: VOICE_API_KEY not set, synthesis disabled")
	}
	return client, nil
}

func (c *Client) Enabled() bool {
	return c != nil && c.apiKey != ""
}

// Synthesize converts text into a WAV file under the audio directory and
// returns its path. On any provider failure a silent fallback WAV is written
// instead, so a non-nil error means even the fallback could not be stored.
func (c *Client) Synthesize(ctx context.Context, text, tag string) (string, error) {
	if c == nil || c.locator == nil {
		return "", ErrDisabled
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("voice: text cannot be empty")
	}
	if tag == "" {
		tag = uuid.NewString()
	}

	dest := filepath.Join(c.locator.AudioDir(), "tts_"+tag+".wav")
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("voice: prepare audio dir: %w", err)
	}

	if !c.Enabled() {
		return dest, writeSilentWAV(dest, c.sampleRate, time.Second)
	}

	pcm, err := c.stream(ctx, text)
	if err != nil || len(pcm) == 0 {
		log.Printf("voice: synthesis failed, writing fallback: %v", err)
		return dest, writeSilentWAV(dest, c.sampleRate, time.Second)
	}

	if err := writeWAV(dest, c.sampleRate, pcm); err != nil {
		return "", err
	}
	return dest, nil
}

// stream drives one run-task/finish-task exchange and collects the binary
// audio frames.
func (c *Client) stream(ctx context.Context, text string) ([]byte, error) {
	header := http.Header{}
	header.Set("Authorization", "bearer "+c.apiKey)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 8 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("voice: connect failed: %v (%s)", err, strings.TrimSpace(string(body)))
			}
		}
		return nil, fmt.Errorf("voice: connect failed: %w", err)
	}
	defer conn.Close()

	taskID := uuid.NewString()

	run := map[string]any{
		"header": map[string]any{
			"action":    "run-task",
			"task_id":   taskID,
			"streaming": "duplex",
		},
		"payload": map[string]any{
			"task_group": "audio",
			"task":       "tts",
			"function":   "SpeechSynthesizer",
			"model":      c.model,
			"parameters": map[string]any{
				"text_type":   "PlainText",
				"voice":       c.voice,
				"format":      "pcm",
				"sample_rate": c.sampleRate,
			},
			"input": map[string]any{},
		},
	}
	if err := conn.WriteJSON(run); err != nil {
		return nil, fmt.Errorf("voice: send run-task: %w", err)
	}

	if err := c.awaitEvent(ctx, conn, "task-started", nil); err != nil {
		return nil, err
	}

	continueTask := map[string]any{
		"header": map[string]any{
			"action":    "continue-task",
			"task_id":   taskID,
			"streaming": "duplex",
		},
		"payload": map[string]any{
			"input": map[string]any{"text": text},
		},
	}
	if err := conn.WriteJSON(continueTask); err != nil {
		return nil, fmt.Errorf("voice: send text: %w", err)
	}

	finish := map[string]any{
		"header": map[string]any{
			"action":    "finish-task",
			"task_id":   taskID,
			"streaming": "duplex",
		},
		"payload": map[string]any{
			"input": map[string]any{},
		},
	}
	if err := conn.WriteJSON(finish); err != nil {
		return nil, fmt.Errorf("voice: send finish-task: %w", err)
	}

	var audio []byte
	if err := c.awaitEvent(ctx, conn, "task-finished", &audio); err != nil {
		return nil, err
	}
	return audio, nil
}

type streamEvent struct {
	Header struct {
		Event        string `json:"event"`
		ErrorMessage string `json:"error_message"`
	} `json:"header"`
}

// awaitEvent reads frames until the wanted event arrives, appending binary
// frames to audio along the way.
func (c *Client) awaitEvent(ctx context.Context, conn *websocket.Conn, wanted string, audio *[]byte) error {
	deadline := time.Now().Add(90 * time.Second)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("voice: set read deadline: %w", err)
	}

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("voice: read frame: %w", err)
		}

		if messageType == websocket.BinaryMessage {
			if audio != nil {
				*audio = append(*audio, payload...)
			}
			continue
		}

		var event streamEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			continue
		}
		switch event.Header.Event {
		case wanted:
			return nil
		case "task-failed":
			return fmt.Errorf("voice: synthesis failed: %s", event.Header.ErrorMessage)
		}
	}
}

// writeWAV wraps 16-bit mono PCM samples in a RIFF header.
func writeWAV(path string, sampleRate int, pcm []byte) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("voice: create audio file: %w", err)
	}
	defer out.Close()

	var header [44]byte
	copy(header[0:], "RIFF")
	binary.LittleEndian.PutUint32(header[4:], uint32(36+len(pcm)))
	copy(header[8:], "WAVE")
	copy(header[12:], "fmt ")
	binary.LittleEndian.PutUint32(header[16:], 16)
	binary.LittleEndian.PutUint16(header[20:], 1)
	binary.LittleEndian.PutUint16(header[22:], 1)
	binary.LittleEndian.PutUint32(header[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(header[32:], 2)
	binary.LittleEndian.PutUint16(header[34:], 16)
	copy(header[36:], "data")
	binary.LittleEndian.PutUint32(header[40:], uint32(len(pcm)))

	if _, err := out.Write(header[:]); err != nil {
		return fmt.Errorf("voice: write audio header: %w", err)
	}
	if _, err := out.Write(pcm); err != nil {
		return fmt.Errorf("voice: write audio data: %w", err)
	}
	return nil
}

func writeSilentWAV(path string, sampleRate int, d time.Duration) error {
	samples := int(float64(sampleRate) * d.Seconds())
	return writeWAV(path, sampleRate, make([]byte, samples*2))
}
