package avatar

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"visage_back/cache"
)

// Fingerprint computes the content digest of the file at path, streaming in
// 4KiB chunks. The digest is the dedup key for uploads: identical bytes
// always produce the same fingerprint.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("avatar: open %s for fingerprint: %w", path, err)
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, 4096)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("avatar: fingerprint %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Resolver finds the avatar identity a fingerprint already belongs to. The
// fast path is the Redis fingerprint index; the fallback is a linear scan of
// the originals directory, re-hashing each stored upload. Scan order carries
// no guarantee: when multiple stored files share a fingerprint the winner is
// whichever is seen first, and since equal fingerprints mean equal content
// the derived assets are interchangeable.
type Resolver struct {
	locator *Locator
	index   *cache.FingerprintIndex
}

func NewResolver(locator *Locator, index *cache.FingerprintIndex) *Resolver {
	return &Resolver{locator: locator, index: index}
}

// ResolveExisting returns the avatar identity and stored original path of a
// prior upload whose fingerprint equals digest, excluding excludePath (the
// staged duplicate itself). ErrNoMatch when nothing matches.
func (r *Resolver) ResolveExisting(ctx context.Context, digest, excludePath string) (string, string, error) {
	if path, ok := r.index.Lookup(ctx, digest); ok {
		if path != excludePath && r.locator.Exists(path) {
			return identityFromOriginal(path), path, nil
		}
		if !r.locator.Exists(path) {
			r.index.Forget(ctx, digest)
		}
	}

	entries, err := os.ReadDir(r.locator.OriginalsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", ErrNoMatch
		}
		return "", "", fmt.Errorf("avatar: scan originals: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), "temp_") {
			continue
		}
		path := filepath.Join(r.locator.OriginalsDir(), entry.Name())
		if path == excludePath {
			continue
		}
		candidate, err := Fingerprint(path)
		if err != nil {
			log.Printf("avatar: skip unreadable original %s: %v", path, err)
			continue
		}
		if candidate == digest {
			r.index.Remember(ctx, digest, path)
			return identityFromOriginal(path), path, nil
		}
	}

	return "", "", ErrNoMatch
}

// Remember records a freshly ingested original in the fingerprint index.
func (r *Resolver) Remember(ctx context.Context, digest, originalPath string) {
	r.index.Remember(ctx, digest, originalPath)
}

// identityFromOriginal derives the avatar identity from a stored original's
// filename: originals are named {avatarID}.{ext}.
func identityFromOriginal(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
