package avatar

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// Category groups tracked by the completeness verifier. The segmented image
// is a pipeline precondition, not a completeness criterion, so it is
// deliberately absent here.
const (
	CategoryVariations  = "variations"
	CategoryExpressions = "expressions"
	CategoryPersonality = "personality"
)

const VariationCount = 4

// Emotions are the expression clips every avatar carries, in a fixed order.
var Emotions = []string{"happy", "sad", "surprised"}

// Locator derives the canonical storage path for every asset category of an
// avatar identity. The naming scheme {category-root}/{avatarID}_{variant}.{ext}
// is relied on by external collaborators and must stay stable.
type Locator struct {
	root string
}

// NewLocatorFromEnv builds a Locator rooted at AVATAR_DATA_DIR (defaults to
// the working directory).
func NewLocatorFromEnv() *Locator {
	root := strings.TrimSpace(os.Getenv("AVATAR_DATA_DIR"))
	if root == "" {
		root = "."
	}
	return &Locator{root: root}
}

// NewLocator builds a Locator rooted at the given directory.
func NewLocator(root string) *Locator {
	if root == "" {
		root = "."
	}
	return &Locator{root: root}
}

func (l *Locator) Root() string { return l.root }

func (l *Locator) OriginalsDir() string      { return filepath.Join(l.root, "uploads") }
func (l *Locator) ProcessingDir() string     { return filepath.Join(l.root, "temp", "processing") }
func (l *Locator) AvatarsDir() string        { return filepath.Join(l.root, "generated", "avatars") }
func (l *Locator) ExpressionsDir() string    { return filepath.Join(l.root, "generated", "expressions") }
func (l *Locator) PersonalityDir() string    { return filepath.Join(l.root, "generated", "personality") }
func (l *Locator) AudioDir() string          { return filepath.Join(l.root, "generated", "audio") }
func (l *Locator) StaticAvatarsDir() string  { return filepath.Join(l.root, "static", "avatars") }
func (l *Locator) StaticExpressionsDir() string {
	return filepath.Join(l.root, "static", "expressions")
}
func (l *Locator) StaticAudioDir() string { return filepath.Join(l.root, "static", "audio") }

// EnsureDirs creates every category root.
func (l *Locator) EnsureDirs() error {
	dirs := []string{
		l.OriginalsDir(), l.ProcessingDir(), l.AvatarsDir(), l.ExpressionsDir(),
		l.PersonalityDir(), l.AudioDir(), l.StaticAvatarsDir(),
		l.StaticExpressionsDir(), l.StaticAudioDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("avatar: create dir %s: %w", dir, err)
		}
	}
	return nil
}

// OriginalPath is where the source upload for an identity lives. The
// extension is whatever the user uploaded.
func (l *Locator) OriginalPath(avatarID, ext string) string {
	return filepath.Join(l.OriginalsDir(), avatarID+ext)
}

// StagingPath is the temporary location an upload occupies while its
// fingerprint is being resolved.
func (l *Locator) StagingPath(avatarID, ext string) string {
	return filepath.Join(l.OriginalsDir(), "temp_"+avatarID+ext)
}

// FindOriginal locates the stored original for an identity regardless of its
// extension. Returns "" when none exists.
func (l *Locator) FindOriginal(avatarID string) string {
	matches, err := filepath.Glob(filepath.Join(l.OriginalsDir(), avatarID+".*"))
	if err != nil || len(matches) == 0 {
		return ""
	}
	return matches[0]
}

func (l *Locator) SegmentedPath(avatarID string) string {
	return filepath.Join(l.ProcessingDir(), avatarID+"_segmented.png")
}

func (l *Locator) VariationPath(avatarID string, n int) string {
	return filepath.Join(l.AvatarsDir(), fmt.Sprintf("%s_variation_%d.png", avatarID, n))
}

// VariationPlaceholderPath is where a fabricated stand-in for a failed
// variation goes. Placeholders intentionally do not satisfy the completeness
// check, so a later upload of the same image retries the real generation.
func (l *Locator) VariationPlaceholderPath(avatarID string, n int) string {
	return filepath.Join(l.AvatarsDir(), fmt.Sprintf("%s_variation_%d_placeholder.png", avatarID, n))
}

func (l *Locator) ExpressionPath(avatarID, emotion string) string {
	return filepath.Join(l.ExpressionsDir(), fmt.Sprintf("%s_%s.mp4", avatarID, emotion))
}

func (l *Locator) ExpressionPlaceholderPath(avatarID, emotion string) string {
	return filepath.Join(l.ExpressionsDir(), fmt.Sprintf("%s_%s_placeholder.mp4", avatarID, emotion))
}

func (l *Locator) PersonalityPath(avatarID string) string {
	return filepath.Join(l.PersonalityDir(), avatarID+"_personality.json")
}

func (l *Locator) RequiredVariationPaths(avatarID string) []string {
	paths := make([]string, 0, VariationCount)
	for n := 1; n <= VariationCount; n++ {
		paths = append(paths, l.VariationPath(avatarID, n))
	}
	return paths
}

func (l *Locator) RequiredExpressionPaths(avatarID string) []string {
	paths := make([]string, 0, len(Emotions))
	for _, emotion := range Emotions {
		paths = append(paths, l.ExpressionPath(avatarID, emotion))
	}
	return paths
}

// Exists reports whether the asset at path is present on disk.
func (l *Locator) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// CompletenessReport lists, per tracked category, the asset paths still
// missing, plus an overall completion percentage.
type CompletenessReport struct {
	Missing              map[string][]string
	CompletionPercentage int
}

// Complete reports whether every tracked category is fully present.
func (r CompletenessReport) Complete() bool { return len(r.Missing) == 0 }

// MissingCategories returns the tracked category names still incomplete, in
// verifier order.
func (r CompletenessReport) MissingCategories() []string {
	out := make([]string, 0, len(r.Missing))
	for _, cat := range []string{CategoryVariations, CategoryExpressions, CategoryPersonality} {
		if _, ok := r.Missing[cat]; ok {
			out = append(out, cat)
		}
	}
	return out
}

// Check re-scans the storage snapshot for every required asset of the
// identity. No caching: external stages may complete between calls. A
// category counts as missing when any of its required paths is absent.
func (l *Locator) Check(avatarID string) CompletenessReport {
	missing := make(map[string][]string)

	var missingVariations []string
	for _, p := range l.RequiredVariationPaths(avatarID) {
		if !l.Exists(p) {
			missingVariations = append(missingVariations, p)
		}
	}
	if len(missingVariations) > 0 {
		missing[CategoryVariations] = missingVariations
	}

	var missingExpressions []string
	for _, p := range l.RequiredExpressionPaths(avatarID) {
		if !l.Exists(p) {
			missingExpressions = append(missingExpressions, p)
		}
	}
	if len(missingExpressions) > 0 {
		missing[CategoryExpressions] = missingExpressions
	}

	if p := l.PersonalityPath(avatarID); !l.Exists(p) {
		missing[CategoryPersonality] = []string{p}
	}

	total := 3
	completed := total - len(missing)
	pct := int(math.Round(float64(completed) / float64(total) * 100))

	return CompletenessReport{Missing: missing, CompletionPercentage: pct}
}
