package cache

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	redisOnce   sync.Once
	redisClient *redis.Client
	redisErr    error
)

// GetRedisClient returns the shared Redis client backing the fingerprint
// index. Redis is opt-in: with neither REDIS_URL nor REDIS_ADDR set the
// client is nil and dedup falls back to the on-disk scan. A configured but
// unreachable Redis is reported once and likewise degrades to the scan.
func GetRedisClient() (*redis.Client, error) {
	redisOnce.Do(func() {
		opts, ok, err := optionsFromEnv()
		if err != nil {
			redisErr = err
			return
		}
		if !ok {
			return
		}

		client := redis.NewClient(opts)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := client.Ping(ctx).Err(); err != nil {
			redisErr = fmt.Errorf("cache: ping redis %s: %w", opts.Addr, err)
			_ = client.Close()
			return
		}

		redisClient = client
	})

	return redisClient, redisErr
}

// optionsFromEnv reads REDIS_URL (a full redis:// DSN) or, failing that,
// REDIS_ADDR with the optional REDIS_PASSWORD and REDIS_DB. ok is false when
// neither variable is set.
func optionsFromEnv() (opts *redis.Options, ok bool, err error) {
	if rawURL := strings.TrimSpace(os.Getenv("REDIS_URL")); rawURL != "" {
		opts, err = redis.ParseURL(rawURL)
		if err != nil {
			return nil, false, fmt.Errorf("cache: parse REDIS_URL: %w", err)
		}
		return opts, true, nil
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, false, nil
	}

	opts = &redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")}
	if rawDB := strings.TrimSpace(os.Getenv("REDIS_DB")); rawDB != "" {
		if parsed, parseErr := strconv.Atoi(rawDB); parseErr == nil {
			opts.DB = parsed
		}
	}
	return opts, true, nil
}

// Enabled reports whether a usable Redis client was initialized.
func Enabled() bool {
	client, err := GetRedisClient()
	return err == nil && client != nil
}

// Close releases the cached Redis connection. Mainly useful for tests.
func Close() error {
	if redisClient == nil {
		return nil
	}
	return redisClient.Close()
}
