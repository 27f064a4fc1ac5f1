package generation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"visage_back/avatar"
	"visage_back/storage"
)

const (
	defaultBaseURL    = "https://dashscope.aliyuncs.com/api/v1"
	defaultImageModel = "wanx-v1"
	defaultVideoModel = "wanx2.1-i2v-turbo"

	defaultPollInterval = 3 * time.Second
	defaultPollTimeout  = 5 * time.Minute
)

var variationPrompts = [avatar.VariationCount]string{
	"可爱的卡通风格，圆润的线条，明亮的色彩",
	"日系动漫风格，精致的五官，柔和的光影",
	"水彩画风格，轻盈的笔触，淡雅的色调",
	"厚涂油画风格，丰富的质感，饱满的色彩",
}

var expressionPrompts = map[string]string{
	"happy":     "角色开心地微笑，眼睛弯成月牙，轻微点头",
	"sad":       "角色难过地低下头，眼神黯淡，嘴角下垂",
	"surprised": "角色惊讶地睁大眼睛，微微张嘴，身体后仰",
}

// Client proxies the external synthesis provider: segmentation, cartoon
// variation edits and expression video synthesis. Each remote operation runs
// behind its own circuit breaker; successful artifacts are written to the
// canonical layout and mirrored to static storage.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	imageModel string
	videoModel string

	locator   *avatar.Locator
	artifacts *storage.Artifacts
	limiter   *rate.Limiter

	pollInterval time.Duration
	pollTimeout  time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[string]
}

// NewClientFromEnv constructs a Client using environment variables.
//
// Expected variables:
//   - GEN_API_KEY: required API key for the synthesis provider
//   - GEN_BASE_URL: optional override for the API base URL
//   - GEN_IMAGE_MODEL, GEN_VIDEO_MODEL: optional model overrides
func NewClientFromEnv(locator *avatar.Locator, artifacts *storage.Artifacts) (*Client, error) {
	apiKey := strings.TrimSpace(os.Getenv("GEN_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("generation: GEN_API_KEY environment variable is required")
	}

	baseURL := strings.TrimSpace(os.Getenv("GEN_BASE_URL"))
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("generation: invalid base URL %q", baseURL)
	}

	imageModel := strings.TrimSpace(os.Getenv("GEN_IMAGE_MODEL"))
	if imageModel == "" {
		imageModel = defaultImageModel
	}
	videoModel := strings.TrimSpace(os.Getenv("GEN_VIDEO_MODEL"))
	if videoModel == "" {
		videoModel = defaultVideoModel
	}

	perSecond := 4.0
	if raw := strings.TrimSpace(os.Getenv("GEN_RATE_LIMIT_RPS")); raw != "" {
		if parsed, parseErr := strconv.ParseFloat(raw, 64); parseErr == nil && parsed > 0 {
			perSecond = parsed
		}
	}

	return &Client{
		httpClient:   &http.Client{Timeout: 2 * time.Minute},
		baseURL:      baseURL,
		apiKey:       apiKey,
		imageModel:   imageModel,
		videoModel:   videoModel,
		locator:      locator,
		artifacts:    artifacts,
		limiter:      rate.NewLimiter(rate.Limit(perSecond), 2),
		pollInterval: defaultPollInterval,
		pollTimeout:  defaultPollTimeout,
		breakers:     make(map[string]*gobreaker.CircuitBreaker[string]),
	}, nil
}

// Segment removes the background from the uploaded image and stores the
// result at the canonical segmented path for the image's identity.
func (c *Client) Segment(ctx context.Context, imagePath string) (string, error) {
	avatarID := identityFromPath(imagePath)

	resultURL, err := c.execute("segment", func() (string, error) {
		return c.submitSegmentation(ctx, imagePath)
	})
	if err != nil {
		return "", err
	}

	dest := c.locator.SegmentedPath(avatarID)
	if err := c.download(ctx, resultURL, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// GenerateVariations produces the cartoon variation set for avatarID from
// imagePath. Individual failures are replaced with placeholder images so the
// batch keeps its shape; an error is returned only when nothing at all could
// be produced.
func (c *Client) GenerateVariations(ctx context.Context, imagePath, avatarID string) ([]string, error) {
	imageData, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("generation: read source image: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(imageData)

	paths := make([]string, 0, avatar.VariationCount)
	for i := 1; i <= avatar.VariationCount; i++ {
		prompt := "将这个图像转换为卡通风格: " + variationPrompts[i-1]
		dest := c.locator.VariationPath(avatarID, i)

		err := c.editImage(ctx, encoded, prompt, dest)
		if err == nil {
			c.artifacts.Mirror(ctx, dest, c.locator.StaticAvatarsDir(), "avatars")
			paths = append(paths, dest)
			continue
		}

		log.Printf("generation: variation %d for %s failed: %v", i, avatarID, err)
		placeholder := c.locator.VariationPlaceholderPath(avatarID, i)
		if placeholderErr := writePlaceholderImage(placeholder); placeholderErr != nil {
			log.Printf("generation: placeholder image for %s: %v", avatarID, placeholderErr)
			continue
		}
		paths = append(paths, placeholder)
	}

	if len(paths) == 0 {
		return nil, errors.New("generation: no variations could be produced")
	}
	return paths, nil
}

// GenerateExpressions animates the selected variation into one short video
// per supported emotion. Failed emotions get a placeholder entry.
func (c *Client) GenerateExpressions(ctx context.Context, variationPath, avatarID string) (map[string]string, error) {
	imageData, err := os.ReadFile(variationPath)
	if err != nil {
		return nil, fmt.Errorf("generation: read selected variation: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(imageData)

	videos := make(map[string]string, len(avatar.Emotions))
	for _, emotion := range avatar.Emotions {
		prompt := expressionPrompts[emotion]
		dest := c.locator.ExpressionPath(avatarID, emotion)

		err := c.synthesizeVideo(ctx, encoded, prompt, dest)
		if err == nil {
			c.artifacts.Mirror(ctx, dest, c.locator.StaticExpressionsDir(), "expressions")
			videos[emotion] = dest
			continue
		}

		log.Printf("generation: expression %s for %s failed: %v", emotion, avatarID, err)
		placeholder := c.locator.ExpressionPlaceholderPath(avatarID, emotion)
		if placeholderErr := writePlaceholderVideo(placeholder); placeholderErr != nil {
			log.Printf("generation: placeholder video for %s: %v", avatarID, placeholderErr)
			continue
		}
		videos[emotion] = placeholder
	}

	if len(videos) == 0 {
		return nil, errors.New("generation: no expressions could be produced")
	}
	return videos, nil
}

func (c *Client) editImage(ctx context.Context, encodedImage, prompt, dest string) error {
	resultURL, err := c.execute("image_edit", func() (string, error) {
		taskID, submitErr := c.submitImageEdit(ctx, encodedImage, prompt)
		if submitErr != nil {
			return "", submitErr
		}
		return c.pollTask(ctx, taskID)
	})
	if err != nil {
		return err
	}
	return c.download(ctx, resultURL, dest)
}

func (c *Client) synthesizeVideo(ctx context.Context, encodedImage, prompt, dest string) error {
	videoURL, err := c.execute("video_synthesis", func() (string, error) {
		return c.requestVideo(ctx, encodedImage, prompt)
	})
	if err != nil {
		return err
	}
	return c.download(ctx, videoURL, dest)
}

func (c *Client) submitImageEdit(ctx context.Context, encodedImage, prompt string) (string, error) {
	payload := imageEditRequest{
		Model: c.imageModel,
		Input: imageEditInput{
			Prompt:        prompt,
			BaseImageData: encodedImage,
		},
		Parameters: imageEditParams{N: 1},
	}

	var submission taskSubmission
	if err := c.postJSON(ctx, "/services/aigc/image2image/image-synthesis", payload, true, &submission); err != nil {
		return "", err
	}
	if submission.Output.TaskID == "" {
		return "", errors.New("generation: submission response has no task id")
	}
	return submission.Output.TaskID, nil
}

func (c *Client) pollTask(ctx context.Context, taskID string) (string, error) {
	deadline := time.Now().Add(c.pollTimeout)

	for {
		if time.Now().After(deadline) {
			return "", fmt.Errorf("generation: task %s did not finish within %s", taskID, c.pollTimeout)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tasks/"+taskID, nil)
		if err != nil {
			return "", fmt.Errorf("generation: build poll request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		var status taskStatusResponse
		if err := c.do(req, &status); err != nil {
			return "", err
		}

		switch status.Output.TaskStatus {
		case "SUCCEEDED":
			if len(status.Output.Results) == 0 || status.Output.Results[0].URL == "" {
				return "", fmt.Errorf("generation: task %s succeeded without results", taskID)
			}
			return status.Output.Results[0].URL, nil
		case "FAILED", "CANCELED", "UNKNOWN":
			return "", fmt.Errorf("generation: task %s ended in state %s: %s",
				taskID, status.Output.TaskStatus, status.Output.Message)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *Client) requestVideo(ctx context.Context, encodedImage, prompt string) (string, error) {
	payload := videoSynthesisRequest{
		Model: c.videoModel,
		Input: videoSynthesisInput{
			Prompt:    prompt,
			ImageData: encodedImage,
		},
	}

	var response videoSynthesisResponse
	if err := c.postJSON(ctx, "/services/aigc/video-generation/video-synthesis", payload, false, &response); err != nil {
		return "", err
	}
	if response.Output.VideoURL == "" {
		return "", fmt.Errorf("generation: video synthesis returned no URL: %s", response.Output.Message)
	}
	return response.Output.VideoURL, nil
}

func (c *Client) submitSegmentation(ctx context.Context, imagePath string) (string, error) {
	file, err := os.Open(imagePath)
	if err != nil {
		return "", fmt.Errorf("generation: open source image: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("image", filepath.Base(imagePath))
	if err != nil {
		return "", fmt.Errorf("generation: build segmentation form: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", fmt.Errorf("generation: copy image into form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("generation: finalize segmentation form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/services/vision/image-segmentation", &body)
	if err != nil {
		return "", fmt.Errorf("generation: build segmentation request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var response segmentationResponse
	if err := c.do(req, &response); err != nil {
		return "", err
	}
	if response.Output.ImageURL == "" {
		return "", fmt.Errorf("generation: segmentation returned no URL: %s", response.Output.Message)
	}
	return response.Output.ImageURL, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, async bool, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("generation: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("generation: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if async {
		req.Header.Set("X-DashScope-Async", "enable")
	}

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return fmt.Errorf("generation: rate gate: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("generation: call provider: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("generation: read provider response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("generation: provider returned %d (%s): %s",
				resp.StatusCode, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("generation: provider returned %d", resp.StatusCode)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("generation: decode provider response: %w", err)
	}
	return nil
}

func (c *Client) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("generation: build download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("generation: download artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("generation: download artifact: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("generation: prepare artifact dir: %w", err)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("generation: create artifact file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("generation: write artifact file: %w", err)
	}
	return nil
}

// execute runs fn behind the circuit breaker dedicated to the operation.
func (c *Client) execute(operation string, fn func() (string, error)) (string, error) {
	return c.circuitBreaker(operation).Execute(fn)
}

func (c *Client) circuitBreaker(operation string) *gobreaker.CircuitBreaker[string] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if breaker, ok := c.breakers[operation]; ok {
		return breaker
	}

	settings := gobreaker.Settings{
		Name:        operation,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("generation: breaker %s %s -> %s", name, from, to)
		},
	}

	breaker := gobreaker.NewCircuitBreaker[string](settings)
	c.breakers[operation] = breaker
	return breaker
}

func identityFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
