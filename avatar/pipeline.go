package avatar

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"visage_back/monitoring"
)

// Stage generator contracts. Implementations live outside this package,
// proxy to external synthesis services, and never see a Session: they take
// plain paths and identities and return plain paths or structured results.
type Segmenter interface {
	Segment(ctx context.Context, imagePath string) (string, error)
}

type VariationGenerator interface {
	GenerateVariations(ctx context.Context, imagePath, avatarID string) ([]string, error)
}

type ExpressionGenerator interface {
	GenerateExpressions(ctx context.Context, variationPath, avatarID string) (map[string]string, error)
}

type PersonalityGenerator interface {
	GeneratePersonality(ctx context.Context, imagePath, avatarID string) (PersonalityProfile, error)
}

// Generators bundles the four stage collaborators.
type Generators struct {
	Segmenter   Segmenter
	Variations  VariationGenerator
	Expressions ExpressionGenerator
	Personality PersonalityGenerator
}

// RepairResult carries, per attempted category, either the freshly produced
// artifacts or the fallback that replaced them. Repair never returns an
// error: a usable bundle always comes back.
type RepairResult struct {
	SegmentedPath   string
	VariationPaths  []string
	ExpressionPaths map[string]string
	Personality     *PersonalityProfile
}

// Orchestrator is the top-level pipeline controller. It consults the dedup
// resolver and completeness verifier, drives stage generators directly or
// through auto-repair, and folds every result back into the session store.
type Orchestrator struct {
	locator  *Locator
	store    *Store
	resolver *Resolver
	gen      Generators
}

func NewOrchestrator(locator *Locator, store *Store, resolver *Resolver, gen Generators) *Orchestrator {
	return &Orchestrator{locator: locator, store: store, resolver: resolver, gen: gen}
}

func (o *Orchestrator) Locator() *Locator { return o.locator }
func (o *Orchestrator) Store() *Store     { return o.store }

// SubmitUpload ingests a staged upload. The file at stagingPath was already
// persisted by the transport layer; ext is its original extension. On the
// dedup path the staged duplicate is discarded and the existing identity's
// assets are reused, repaired first if incomplete. On the new-image path the
// staged file becomes the canonical original and segmentation is attempted
// immediately, falling back to the original image.
func (o *Orchestrator) SubmitUpload(ctx context.Context, stagingPath, ext string) (Session, UploadOutcome, error) {
	digest, err := Fingerprint(stagingPath)
	if err != nil {
		return Session{}, "", err
	}

	avatarID, originalPath, err := o.resolver.ResolveExisting(ctx, digest, stagingPath)
	switch {
	case err == nil:
		if removeErr := os.Remove(stagingPath); removeErr != nil {
			log.Printf("avatar: discard staged duplicate %s: %v", stagingPath, removeErr)
		}
		session, outcome := o.reuseExisting(ctx, avatarID, originalPath, digest)
		monitoring.ObserveUpload(string(outcome))
		monitoring.SetActiveSessions(o.store.Len())
		return session, outcome, nil

	case errors.Is(err, ErrNoMatch):
		session, ingestErr := o.ingestNew(ctx, stagingPath, ext, digest)
		if ingestErr != nil {
			return Session{}, "", ingestErr
		}
		monitoring.ObserveUpload(string(OutcomeNew))
		monitoring.SetActiveSessions(o.store.Len())
		return session, OutcomeNew, nil

	default:
		return Session{}, "", err
	}
}

func (o *Orchestrator) reuseExisting(ctx context.Context, avatarID, originalPath, digest string) (Session, UploadOutcome) {
	report := o.locator.Check(avatarID)

	session := Session{
		SessionID:     uuid.NewString(),
		AvatarID:      avatarID,
		Fingerprint:   digest,
		CreatedAt:     time.Now().Unix(),
		OriginalPath:  originalPath,
		SelectedIndex: -1,
	}

	if report.Complete() {
		profile, err := LoadProfile(o.locator.PersonalityPath(avatarID))
		if err != nil {
			log.Printf("avatar: personality unreadable, using default: %v", err)
			profile = DefaultPersonality()
		}
		session.Status = StatusReadyForChat
		session.SegmentedPath = o.locator.SegmentedPath(avatarID)
		session.VariationPaths = o.locator.RequiredVariationPaths(avatarID)
		session.ExpressionPaths = o.expressionMap(avatarID)
		session.Personality = &profile
		session.CompletedAt = session.CreatedAt
		o.store.Put(session)
		return session, OutcomeReusedComplete
	}

	log.Printf("avatar: identity %s incomplete (%d%%), auto-repairing: %v",
		avatarID, report.CompletionPercentage, report.MissingCategories())

	result := o.Repair(ctx, avatarID, originalPath, report)

	session.Status = StatusPreparationCompleted
	session.AutoCompleted = true
	session.SegmentedPath = result.SegmentedPath
	session.VariationPaths = result.VariationPaths
	session.ExpressionPaths = result.ExpressionPaths
	session.Personality = result.Personality
	session.CompletedAt = time.Now().Unix()
	o.store.Put(session)
	return session, OutcomeReusedRepaired
}

func (o *Orchestrator) ingestNew(ctx context.Context, stagingPath, ext, digest string) (Session, error) {
	avatarID := uuid.NewString()
	originalPath := o.locator.OriginalPath(avatarID, ext)
	if err := os.Rename(stagingPath, originalPath); err != nil {
		return Session{}, fmt.Errorf("avatar: promote staged upload: %w", err)
	}
	o.resolver.Remember(ctx, digest, originalPath)

	segmentedPath, err := o.gen.Segmenter.Segment(ctx, originalPath)
	monitoring.ObserveStage("segment", err)
	if err != nil {
		log.Printf("avatar: segmentation failed, using original: %v", err)
		segmentedPath = originalPath
	}

	session := Session{
		SessionID:     uuid.NewString(),
		AvatarID:      avatarID,
		Fingerprint:   digest,
		Status:        StatusUploaded,
		CreatedAt:     time.Now().Unix(),
		OriginalPath:  originalPath,
		SegmentedPath: segmentedPath,
		SelectedIndex: -1,
	}
	o.store.Put(session)
	return session, nil
}

// Repair regenerates the missing categories of an identity in fixed
// dependency order: segmented, variations, expressions, personality. Each
// stage consumes the best available upstream artifact; every failure is
// absorbed by a safe fallback so the result is always a usable bundle.
func (o *Orchestrator) Repair(ctx context.Context, avatarID, originalPath string, report CompletenessReport) RepairResult {
	monitoring.ObserveRepair()

	result := RepairResult{}

	// Segmentation is an upstream precondition, not a tracked category.
	// Reuse it when present, regenerate when a downstream stage needs it,
	// and fall back to the original image.
	segmented := o.locator.SegmentedPath(avatarID)
	if !o.locator.Exists(segmented) {
		if _, needVariations := report.Missing[CategoryVariations]; needVariations {
			generated, err := o.gen.Segmenter.Segment(ctx, originalPath)
			monitoring.ObserveStage("segment", err)
			if err != nil {
				log.Printf("avatar: repair segmentation failed, using original: %v", err)
				segmented = originalPath
			} else {
				segmented = generated
			}
		} else {
			segmented = originalPath
		}
	}
	result.SegmentedPath = segmented

	if _, ok := report.Missing[CategoryVariations]; ok {
		variations, err := o.gen.Variations.GenerateVariations(ctx, segmented, avatarID)
		monitoring.ObserveStage("variations", err)
		if err != nil {
			log.Printf("avatar: repair variations failed: %v", err)
			variations = nil
		}
		result.VariationPaths = variations
	} else {
		result.VariationPaths = o.locator.RequiredVariationPaths(avatarID)
	}

	if _, ok := report.Missing[CategoryExpressions]; ok {
		if len(result.VariationPaths) > 0 {
			expressions, err := o.gen.Expressions.GenerateExpressions(ctx, result.VariationPaths[0], avatarID)
			monitoring.ObserveStage("expressions", err)
			if err != nil {
				log.Printf("avatar: repair expressions failed: %v", err)
				expressions = map[string]string{}
			}
			result.ExpressionPaths = expressions
		} else {
			result.ExpressionPaths = map[string]string{}
		}
	} else {
		result.ExpressionPaths = o.expressionMap(avatarID)
	}

	if _, ok := report.Missing[CategoryPersonality]; ok {
		imagePath := segmented
		if len(result.VariationPaths) > 0 {
			imagePath = result.VariationPaths[0]
		}
		profile, err := o.gen.Personality.GeneratePersonality(ctx, imagePath, avatarID)
		monitoring.ObserveStage("personality", err)
		if err != nil {
			log.Printf("avatar: repair personality failed, using default: %v", err)
			profile = DefaultPersonality()
		} else {
			profile = NormalizeProfile(profile)
		}
		result.Personality = &profile
	} else {
		profile, err := LoadProfile(o.locator.PersonalityPath(avatarID))
		if err != nil {
			log.Printf("avatar: stored personality unreadable, using default: %v", err)
			profile = DefaultPersonality()
		}
		result.Personality = &profile
	}

	return result
}

// GenerateVariations runs the variation stage for a session. The generator
// substitutes per-item placeholders internally, so an error here means the
// whole batch failed and is surfaced to the caller for an explicit retry.
func (o *Orchestrator) GenerateVariations(ctx context.Context, sessionID string) (Session, error) {
	session, ok := o.store.Get(sessionID)
	if !ok {
		return Session{}, ErrSessionNotFound
	}

	source := session.SegmentedPath
	if source == "" {
		source = session.OriginalPath
	}
	if source == "" {
		return Session{}, fmt.Errorf("avatar: session %s has no stage input image", sessionID)
	}

	if _, err := o.store.Update(sessionID, func(s *Session) error {
		s.advanceTo(StatusGeneratingVariations)
		return nil
	}); err != nil {
		return Session{}, err
	}

	variations, err := o.gen.Variations.GenerateVariations(ctx, source, session.AvatarID)
	monitoring.ObserveStage("variations", err)
	if err != nil {
		return Session{}, fmt.Errorf("avatar: generate variations: %w", err)
	}

	return o.store.Update(sessionID, func(s *Session) error {
		s.VariationPaths = variations
		s.advanceTo(StatusVariationsReady)
		return nil
	})
}

// SelectAvatar validates the chosen variation index, then runs the
// expression and personality stages concurrently on the chosen variation,
// merging whichever succeeds and defaulting the other. An out-of-range index
// fails without mutating the session.
func (o *Orchestrator) SelectAvatar(ctx context.Context, sessionID string, index int) (Session, error) {
	session, ok := o.store.Get(sessionID)
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if len(session.VariationPaths) == 0 {
		return Session{}, ErrNoVariations
	}
	if index < 0 || index >= len(session.VariationPaths) {
		return Session{}, ErrIndexOutOfRange
	}

	if _, err := o.store.Update(sessionID, func(s *Session) error {
		if index >= len(s.VariationPaths) {
			return ErrIndexOutOfRange
		}
		s.SelectedIndex = index
		s.advanceTo(StatusProcessingSelection)
		return nil
	}); err != nil {
		return Session{}, err
	}

	selected := session.VariationPaths[index]
	avatarID := session.AvatarID

	var (
		wg          sync.WaitGroup
		expressions map[string]string
		profile     PersonalityProfile
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		result, err := o.gen.Expressions.GenerateExpressions(ctx, selected, avatarID)
		monitoring.ObserveStage("expressions", err)
		if err != nil {
			log.Printf("avatar: expressions failed, using placeholders: %v", err)
			result = make(map[string]string, len(Emotions))
			for _, emotion := range Emotions {
				result[emotion] = o.locator.ExpressionPlaceholderPath(avatarID, emotion)
			}
		}
		expressions = result
	}()
	go func() {
		defer wg.Done()
		result, err := o.gen.Personality.GeneratePersonality(ctx, selected, avatarID)
		monitoring.ObserveStage("personality", err)
		if err != nil {
			log.Printf("avatar: personality failed, using default: %v", err)
			result = DefaultPersonality()
		}
		profile = NormalizeProfile(result)
	}()
	wg.Wait()

	return o.store.Update(sessionID, func(s *Session) error {
		s.ExpressionPaths = expressions
		s.Personality = &profile
		s.CompletedAt = time.Now().Unix()
		s.advanceTo(StatusReady)
		return nil
	})
}

// Status returns the session together with a fresh completeness report for
// its identity.
func (o *Orchestrator) Status(sessionID string) (Session, CompletenessReport, error) {
	session, ok := o.store.Get(sessionID)
	if !ok {
		return Session{}, CompletenessReport{}, ErrSessionNotFound
	}
	return session, o.locator.Check(session.AvatarID), nil
}

// Cleanup removes the session record. Generated artifacts stay on disk so
// future uploads of the same image dedup against them.
func (o *Orchestrator) Cleanup(sessionID string) bool {
	removed := o.store.Delete(sessionID)
	if removed {
		monitoring.SetActiveSessions(o.store.Len())
	}
	return removed
}

func (o *Orchestrator) expressionMap(avatarID string) map[string]string {
	out := make(map[string]string, len(Emotions))
	for _, emotion := range Emotions {
		out[emotion] = o.locator.ExpressionPath(avatarID, emotion)
	}
	return out
}
