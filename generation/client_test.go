package generation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"visage_back/avatar"
)

// fakeProvider mimics the synthesis API: async image tasks that succeed
// after one poll, sync video synthesis, and multipart segmentation.
func fakeProvider(t *testing.T, failOps map[string]bool) *httptest.Server {
	t.Helper()

	var server *httptest.Server
	mux := http.NewServeMux()

	mux.HandleFunc("/services/aigc/image2image/image-synthesis", func(w http.ResponseWriter, r *http.Request) {
		if failOps["image_edit"] {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"code": "InternalError", "message": "synthesis exploded"})
			return
		}
		if r.Header.Get("X-DashScope-Async") != "enable" {
			t.Error("image edit submission must request async mode")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"request_id": "req-1",
			"output":     map[string]any{"task_id": "task-1", "task_status": "PENDING"},
		})
	})

	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"output": map[string]any{
				"task_status": "SUCCEEDED",
				"results":     []map[string]string{{"url": server.URL + "/artifact.bin"}},
			},
		})
	})

	mux.HandleFunc("/services/aigc/video-generation/video-synthesis", func(w http.ResponseWriter, r *http.Request) {
		if failOps["video_synthesis"] {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"output": map[string]any{
				"task_status": "SUCCEEDED",
				"video_url":   server.URL + "/artifact.bin",
			},
		})
	})

	mux.HandleFunc("/services/vision/image-segmentation", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			t.Errorf("segmentation should be multipart, got %s", r.Header.Get("Content-Type"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"output": map[string]any{"image_url": server.URL + "/artifact.bin"},
		})
	})

	mux.HandleFunc("/artifact.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("artifact bytes"))
	})

	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestClient(t *testing.T, server *httptest.Server) (*Client, *avatar.Locator) {
	t.Helper()
	t.Setenv("GEN_API_KEY", "test-key")
	t.Setenv("GEN_BASE_URL", server.URL)

	locator := avatar.NewLocator(t.TempDir())
	if err := locator.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}

	client, err := NewClientFromEnv(locator, nil)
	if err != nil {
		t.Fatalf("NewClientFromEnv: %v", err)
	}
	client.pollInterval = 10 * time.Millisecond
	client.limiter = rate.NewLimiter(rate.Inf, 1)
	return client, locator
}

func writeSource(t *testing.T, locator *avatar.Locator, avatarID string) string {
	t.Helper()
	path := locator.OriginalPath(avatarID, ".png")
	if err := os.WriteFile(path, []byte("source image"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

func TestNewClientFromEnvRequiresKey(t *testing.T) {
	t.Setenv("GEN_API_KEY", "")
	if _, err := NewClientFromEnv(nil, nil); err == nil {
		t.Error("missing API key should fail construction")
	}
}

func TestSegment(t *testing.T) {
	client, locator := newTestClient(t, fakeProvider(t, nil))
	source := writeSource(t, locator, "abc")

	dest, err := client.Segment(context.Background(), source)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if dest != locator.SegmentedPath("abc") {
		t.Errorf("dest = %q, want canonical segmented path", dest)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Errorf("segmented artifact missing: %v", err)
	}
}

func TestGenerateVariations(t *testing.T) {
	client, locator := newTestClient(t, fakeProvider(t, nil))
	source := writeSource(t, locator, "abc")

	paths, err := client.GenerateVariations(context.Background(), source, "abc")
	if err != nil {
		t.Fatalf("GenerateVariations: %v", err)
	}
	if len(paths) != avatar.VariationCount {
		t.Fatalf("variations = %d, want %d", len(paths), avatar.VariationCount)
	}
	for i, path := range paths {
		if path != locator.VariationPath("abc", i+1) {
			t.Errorf("path %d = %q, want canonical variation path", i, path)
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("variation %d missing: %v", i, err)
		}
	}
}

func TestGenerateVariationsPlaceholdersOnFailure(t *testing.T) {
	client, locator := newTestClient(t, fakeProvider(t, map[string]bool{"image_edit": true}))
	source := writeSource(t, locator, "abc")

	paths, err := client.GenerateVariations(context.Background(), source, "abc")
	if err != nil {
		t.Fatalf("GenerateVariations: %v", err)
	}
	if len(paths) != avatar.VariationCount {
		t.Fatalf("variations = %d, want %d placeholders", len(paths), avatar.VariationCount)
	}
	for _, path := range paths {
		if !strings.Contains(path, "_placeholder") {
			t.Errorf("path %q should be a placeholder", path)
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("placeholder missing: %v", err)
		}
	}

	// Placeholders never satisfy the completeness check.
	report := locator.Check("abc")
	if report.Complete() {
		t.Error("placeholder-only identity must stay incomplete")
	}
}

func TestGenerateExpressions(t *testing.T) {
	client, locator := newTestClient(t, fakeProvider(t, nil))
	source := writeSource(t, locator, "abc")

	videos, err := client.GenerateExpressions(context.Background(), source, "abc")
	if err != nil {
		t.Fatalf("GenerateExpressions: %v", err)
	}
	if len(videos) != len(avatar.Emotions) {
		t.Fatalf("expressions = %d, want %d", len(videos), len(avatar.Emotions))
	}
	for _, emotion := range avatar.Emotions {
		path, ok := videos[emotion]
		if !ok {
			t.Errorf("missing emotion %s", emotion)
			continue
		}
		if path != locator.ExpressionPath("abc", emotion) {
			t.Errorf("path for %s = %q, want canonical expression path", emotion, path)
		}
	}
}

func TestGenerateExpressionsPlaceholdersOnFailure(t *testing.T) {
	client, locator := newTestClient(t, fakeProvider(t, map[string]bool{"video_synthesis": true}))
	source := writeSource(t, locator, "abc")

	videos, err := client.GenerateExpressions(context.Background(), source, "abc")
	if err != nil {
		t.Fatalf("GenerateExpressions: %v", err)
	}
	for emotion, path := range videos {
		if path != locator.ExpressionPlaceholderPath("abc", emotion) {
			t.Errorf("path for %s = %q, want placeholder", emotion, path)
		}
	}
}

func TestWritePlaceholderImage(t *testing.T) {
	path := avatar.NewLocator(t.TempDir()).VariationPlaceholderPath("abc", 1)
	if err := writePlaceholderImage(path); err != nil {
		t.Fatalf("writePlaceholderImage: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() == 0 {
		t.Error("placeholder PNG should not be empty")
	}
}
