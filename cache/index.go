package cache

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const fingerprintKeyPrefix = "visage:fingerprint:"

// FingerprintIndex maps content fingerprints to the stored original upload
// path, turning the historical O(n) dedup scan into an O(1) lookup. The scan
// remains the bootstrap fallback when Redis is unavailable or the key is
// absent, so losing the index never loses dedup correctness.
type FingerprintIndex struct {
	client *redis.Client
}

// NewFingerprintIndex wires the index to the shared Redis client. When Redis
// is not configured the index is disabled and every method degrades to a
// no-op or miss.
func NewFingerprintIndex() *FingerprintIndex {
	client, err := GetRedisClient()
	if err != nil {
		log.Printf("cache: fingerprint index disabled: %v", err)
		return &FingerprintIndex{}
	}
	return &FingerprintIndex{client: client}
}

// Lookup returns the recorded original path for a fingerprint, if any.
func (i *FingerprintIndex) Lookup(ctx context.Context, digest string) (string, bool) {
	if i == nil || i.client == nil || digest == "" {
		return "", false
	}
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	path, err := i.client.Get(opCtx, fingerprintKeyPrefix+digest).Result()
	if err != nil {
		if err != redis.Nil {
			log.Printf("cache: fingerprint lookup failed: %v", err)
		}
		return "", false
	}
	return path, path != ""
}

// Remember records the original path for a fingerprint after a successful
// ingest. Best effort: failures are logged, never propagated.
func (i *FingerprintIndex) Remember(ctx context.Context, digest, originalPath string) {
	if i == nil || i.client == nil || digest == "" || originalPath == "" {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := i.client.Set(opCtx, fingerprintKeyPrefix+digest, originalPath, 0).Err(); err != nil {
		log.Printf("cache: fingerprint remember failed: %v", err)
	}
}

// Forget drops a fingerprint mapping. Used when a recorded original turns
// out to be gone from disk.
func (i *FingerprintIndex) Forget(ctx context.Context, digest string) {
	if i == nil || i.client == nil || digest == "" {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := i.client.Del(opCtx, fingerprintKeyPrefix+digest).Err(); err != nil {
		log.Printf("cache: fingerprint forget failed: %v", err)
	}
}
