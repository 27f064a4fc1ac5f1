package avatar

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
)

type fakeGenerators struct {
	locator *Locator

	segmentCalls     atomic.Int32
	variationCalls   atomic.Int32
	expressionCalls  atomic.Int32
	personalityCalls atomic.Int32

	segmentErr     error
	variationErr   error
	expressionErr  error
	personalityErr error
}

func (f *fakeGenerators) Segment(ctx context.Context, imagePath string) (string, error) {
	f.segmentCalls.Add(1)
	if f.segmentErr != nil {
		return "", f.segmentErr
	}
	path := f.locator.SegmentedPath(identityFromOriginal(imagePath))
	return path, writeArtifact(path)
}

func (f *fakeGenerators) GenerateVariations(ctx context.Context, imagePath, avatarID string) ([]string, error) {
	f.variationCalls.Add(1)
	if f.variationErr != nil {
		return nil, f.variationErr
	}
	paths := f.locator.RequiredVariationPaths(avatarID)
	for _, path := range paths {
		if err := writeArtifact(path); err != nil {
			return nil, err
		}
	}
	return paths, nil
}

func (f *fakeGenerators) GenerateExpressions(ctx context.Context, variationPath, avatarID string) (map[string]string, error) {
	f.expressionCalls.Add(1)
	if f.expressionErr != nil {
		return nil, f.expressionErr
	}
	out := make(map[string]string, len(Emotions))
	for _, emotion := range Emotions {
		path := f.locator.ExpressionPath(avatarID, emotion)
		if err := writeArtifact(path); err != nil {
			return nil, err
		}
		out[emotion] = path
	}
	return out, nil
}

func (f *fakeGenerators) GeneratePersonality(ctx context.Context, imagePath, avatarID string) (PersonalityProfile, error) {
	f.personalityCalls.Add(1)
	if f.personalityErr != nil {
		return PersonalityProfile{}, f.personalityErr
	}
	profile := PersonalityProfile{
		Traits:    []string{"calm", "curious"},
		Habits:    []string{"reads"},
		VoiceTone: "soft",
	}
	return profile, SaveProfile(f.locator.PersonalityPath(avatarID), profile)
}

func writeArtifact(path string) error {
	if err := os.MkdirAll(dirOf(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("artifact"), 0o644)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeGenerators, *Locator) {
	t.Helper()
	locator := NewLocator(t.TempDir())
	if err := locator.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	fakes := &fakeGenerators{locator: locator}
	orchestrator := NewOrchestrator(locator, NewStore(), NewResolver(locator, nil), Generators{
		Segmenter:   fakes,
		Variations:  fakes,
		Expressions: fakes,
		Personality: fakes,
	})
	return orchestrator, fakes, locator
}

func stageUpload(t *testing.T, locator *Locator, content string) string {
	t.Helper()
	path := locator.StagingPath("stage-"+content, ".png")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("stage upload: %v", err)
	}
	return path
}

func TestSubmitUploadNewImage(t *testing.T) {
	orchestrator, fakes, locator := newTestOrchestrator(t)

	staging := stageUpload(t, locator, "fresh")
	session, outcome, err := orchestrator.SubmitUpload(context.Background(), staging, ".png")
	if err != nil {
		t.Fatalf("SubmitUpload: %v", err)
	}

	if outcome != OutcomeNew {
		t.Errorf("outcome = %q, want new", outcome)
	}
	if session.Status != StatusUploaded {
		t.Errorf("status = %q, want uploaded", session.Status)
	}
	if !locator.Exists(session.OriginalPath) {
		t.Error("original should be promoted out of staging")
	}
	if locator.Exists(staging) {
		t.Error("staging file should be gone after promotion")
	}
	if session.SegmentedPath != locator.SegmentedPath(session.AvatarID) {
		t.Errorf("segmented path = %q", session.SegmentedPath)
	}
	if got := fakes.segmentCalls.Load(); got != 1 {
		t.Errorf("segment calls = %d, want 1", got)
	}
	if session.SelectedIndex != -1 {
		t.Errorf("selected index = %d, want -1", session.SelectedIndex)
	}
}

func TestSubmitUploadSegmentationFallsBack(t *testing.T) {
	orchestrator, fakes, locator := newTestOrchestrator(t)
	fakes.segmentErr = errors.New("segmenter down")

	staging := stageUpload(t, locator, "fresh")
	session, _, err := orchestrator.SubmitUpload(context.Background(), staging, ".png")
	if err != nil {
		t.Fatalf("SubmitUpload: %v", err)
	}
	if session.SegmentedPath != session.OriginalPath {
		t.Error("failed segmentation should fall back to the original image")
	}
}

func TestSubmitUploadDedupComplete(t *testing.T) {
	orchestrator, fakes, locator := newTestOrchestrator(t)

	first := stageUpload(t, locator, "same-bytes")
	original, _, err := orchestrator.SubmitUpload(context.Background(), first, ".png")
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	completeIdentity(t, locator, original.AvatarID)
	fakes.segmentCalls.Store(0)

	second := stageUpload(t, locator, "same-bytes")
	session, outcome, err := orchestrator.SubmitUpload(context.Background(), second, ".png")
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}

	if outcome != OutcomeReusedComplete {
		t.Fatalf("outcome = %q, want reused_complete", outcome)
	}
	if session.AvatarID != original.AvatarID {
		t.Error("dedup must reuse the existing avatar identity")
	}
	if session.SessionID == original.SessionID {
		t.Error("each upload still gets its own session")
	}
	if session.Status != StatusReadyForChat {
		t.Errorf("status = %q, want ready_for_chat", session.Status)
	}
	if locator.Exists(second) {
		t.Error("staged duplicate should be removed")
	}
	if calls := fakes.segmentCalls.Load() + fakes.variationCalls.Load() +
		fakes.expressionCalls.Load() + fakes.personalityCalls.Load(); calls != 0 {
		t.Errorf("complete dedup must not call any generator, got %d calls", calls)
	}
	if len(session.VariationPaths) != VariationCount {
		t.Errorf("variations = %d, want %d", len(session.VariationPaths), VariationCount)
	}
}

func TestSubmitUploadDedupIncompleteRepairs(t *testing.T) {
	orchestrator, fakes, locator := newTestOrchestrator(t)

	first := stageUpload(t, locator, "same-bytes")
	original, _, err := orchestrator.SubmitUpload(context.Background(), first, ".png")
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	// Only variations exist: expressions and personality must be repaired.
	for _, path := range locator.RequiredVariationPaths(original.AvatarID) {
		if err := writeArtifact(path); err != nil {
			t.Fatalf("write variation: %v", err)
		}
	}

	second := stageUpload(t, locator, "same-bytes")
	session, outcome, err := orchestrator.SubmitUpload(context.Background(), second, ".png")
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}

	if outcome != OutcomeReusedRepaired {
		t.Fatalf("outcome = %q, want reused_repaired", outcome)
	}
	if session.Status != StatusPreparationCompleted {
		t.Errorf("status = %q, want preparation_completed", session.Status)
	}
	if !session.AutoCompleted {
		t.Error("repaired session should be flagged auto-completed")
	}
	if fakes.variationCalls.Load() != 0 {
		t.Error("present variations must not be regenerated")
	}
	if fakes.expressionCalls.Load() != 1 {
		t.Error("missing expressions should be repaired")
	}
	if fakes.personalityCalls.Load() != 1 {
		t.Error("missing personality should be repaired")
	}
	if !locator.Check(session.AvatarID).Complete() {
		t.Error("identity should be complete after repair")
	}
}

func TestRepairAbsorbsStageFailures(t *testing.T) {
	orchestrator, fakes, locator := newTestOrchestrator(t)
	fakes.segmentErr = errors.New("down")
	fakes.variationErr = errors.New("down")
	fakes.expressionErr = errors.New("down")
	fakes.personalityErr = errors.New("down")

	originalPath := locator.OriginalPath("abc", ".png")
	if err := writeArtifact(originalPath); err != nil {
		t.Fatalf("write original: %v", err)
	}

	result := orchestrator.Repair(context.Background(), "abc", originalPath, locator.Check("abc"))

	if result.SegmentedPath != originalPath {
		t.Error("segmentation failure should fall back to the original")
	}
	if len(result.VariationPaths) != 0 {
		t.Error("failed variations should yield an empty list")
	}
	if len(result.ExpressionPaths) != 0 {
		t.Error("expressions without variations should be an empty map")
	}
	if result.Personality == nil || result.Personality.VoiceTone != DefaultPersonality().VoiceTone {
		t.Error("failed personality should fall back to the default profile")
	}
}

func TestGenerateVariations(t *testing.T) {
	orchestrator, _, locator := newTestOrchestrator(t)

	staging := stageUpload(t, locator, "fresh")
	session, _, err := orchestrator.SubmitUpload(context.Background(), staging, ".png")
	if err != nil {
		t.Fatalf("SubmitUpload: %v", err)
	}

	updated, err := orchestrator.GenerateVariations(context.Background(), session.SessionID)
	if err != nil {
		t.Fatalf("GenerateVariations: %v", err)
	}
	if updated.Status != StatusVariationsReady {
		t.Errorf("status = %q, want variations_ready", updated.Status)
	}
	if len(updated.VariationPaths) != VariationCount {
		t.Errorf("variations = %d, want %d", len(updated.VariationPaths), VariationCount)
	}

	if _, err := orchestrator.GenerateVariations(context.Background(), "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestGenerateVariationsFailureKeepsSessionRetryable(t *testing.T) {
	orchestrator, fakes, locator := newTestOrchestrator(t)

	staging := stageUpload(t, locator, "fresh")
	session, _, err := orchestrator.SubmitUpload(context.Background(), staging, ".png")
	if err != nil {
		t.Fatalf("SubmitUpload: %v", err)
	}

	fakes.variationErr = errors.New("provider down")
	if _, err := orchestrator.GenerateVariations(context.Background(), session.SessionID); err == nil {
		t.Fatal("batch failure must surface an error")
	}

	fakes.variationErr = nil
	if _, err := orchestrator.GenerateVariations(context.Background(), session.SessionID); err != nil {
		t.Fatalf("retry should succeed: %v", err)
	}
}

func TestSelectAvatar(t *testing.T) {
	orchestrator, _, locator := newTestOrchestrator(t)

	staging := stageUpload(t, locator, "fresh")
	session, _, err := orchestrator.SubmitUpload(context.Background(), staging, ".png")
	if err != nil {
		t.Fatalf("SubmitUpload: %v", err)
	}
	if _, err := orchestrator.GenerateVariations(context.Background(), session.SessionID); err != nil {
		t.Fatalf("GenerateVariations: %v", err)
	}

	final, err := orchestrator.SelectAvatar(context.Background(), session.SessionID, 1)
	if err != nil {
		t.Fatalf("SelectAvatar: %v", err)
	}
	if final.Status != StatusReady {
		t.Errorf("status = %q, want ready", final.Status)
	}
	if final.SelectedIndex != 1 {
		t.Errorf("selected index = %d, want 1", final.SelectedIndex)
	}
	if len(final.ExpressionPaths) != len(Emotions) {
		t.Errorf("expressions = %d, want %d", len(final.ExpressionPaths), len(Emotions))
	}
	if final.Personality == nil {
		t.Error("personality should be attached")
	}
	if final.CompletedAt == 0 {
		t.Error("completion timestamp should be set")
	}
}

func TestSelectAvatarOutOfRangeDoesNotMutate(t *testing.T) {
	orchestrator, fakes, locator := newTestOrchestrator(t)

	staging := stageUpload(t, locator, "fresh")
	session, _, err := orchestrator.SubmitUpload(context.Background(), staging, ".png")
	if err != nil {
		t.Fatalf("SubmitUpload: %v", err)
	}

	if _, err := orchestrator.SelectAvatar(context.Background(), session.SessionID, 0); !errors.Is(err, ErrNoVariations) {
		t.Errorf("err = %v, want ErrNoVariations", err)
	}

	if _, err := orchestrator.GenerateVariations(context.Background(), session.SessionID); err != nil {
		t.Fatalf("GenerateVariations: %v", err)
	}

	for _, index := range []int{-1, VariationCount, 99} {
		if _, err := orchestrator.SelectAvatar(context.Background(), session.SessionID, index); !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("index %d: err = %v, want ErrIndexOutOfRange", index, err)
		}
	}

	after, _ := orchestrator.Store().Get(session.SessionID)
	if after.SelectedIndex != -1 {
		t.Error("rejected selection must not record an index")
	}
	if after.Status != StatusVariationsReady {
		t.Errorf("status = %q, want variations_ready", after.Status)
	}
	if fakes.expressionCalls.Load() != 0 || fakes.personalityCalls.Load() != 0 {
		t.Error("rejected selection must not trigger downstream stages")
	}
}

func TestStatusAndCleanup(t *testing.T) {
	orchestrator, _, locator := newTestOrchestrator(t)

	staging := stageUpload(t, locator, "fresh")
	session, _, err := orchestrator.SubmitUpload(context.Background(), staging, ".png")
	if err != nil {
		t.Fatalf("SubmitUpload: %v", err)
	}

	_, report, err := orchestrator.Status(session.SessionID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.Complete() {
		t.Error("fresh upload should not be complete")
	}

	if !orchestrator.Cleanup(session.SessionID) {
		t.Error("cleanup of existing session should succeed")
	}
	if orchestrator.Cleanup(session.SessionID) {
		t.Error("second cleanup should report false")
	}
	if !locator.Exists(session.OriginalPath) {
		t.Error("cleanup must leave artifacts on disk for future dedup")
	}
}
