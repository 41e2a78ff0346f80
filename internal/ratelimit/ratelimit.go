// Package ratelimit is a fixed-window limiter (each counter's window starts
// at its first request and resets when the key expires; it does not slide
// with each request): per-IP middleware
// limiting and per-user gateway/emoji-upload limiting, both keyed through an
// HMAC so raw identifiers never sit in Redis memory. A single named-window
// primitive the rest of the server calls with its own limits.
package ratelimit

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/markjsapp/Haven-sub000/internal/herr"
)

// Limiter wraps an optional *redis.Client. A nil client makes every check
// fail open, favoring availability over strictness.
type Limiter struct {
	rdb     *redis.Client
	hmacKey []byte
}

// New builds a limiter with a fresh random 32-byte HMAC key, generated at
// startup and never persisted.
func New(rdb *redis.Client) (*Limiter, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate ratelimit hmac key: %w", err)
	}
	return &Limiter{rdb: rdb, hmacKey: key}, nil
}

func (l *Limiter) hashIdentifier(identifier string) string {
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write([]byte(identifier))
	return hex.EncodeToString(mac.Sum(nil))
}

// Allow reports whether one more request under (bucket, identifier) stays
// within limit over window, incrementing the counter as a side effect.
// Fails open (returns nil) whenever Redis is unavailable or unconfigured.
func (l *Limiter) Allow(ctx context.Context, bucket, identifier string, limit int, window time.Duration) error {
	if l == nil || l.rdb == nil {
		return nil
	}

	key := fmt.Sprintf("ratelimit:%s:%s", bucket, l.hashIdentifier(identifier))
	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return nil
	}
	if count == 1 {
		l.rdb.Expire(ctx, key, window)
	}
	if int(count) > limit {
		return herr.New(herr.RateLimited, fmt.Sprintf("rate limit exceeded for %s", bucket))
	}
	return nil
}

// Remaining reports how many requests are left in the current window
// without consuming one.
func (l *Limiter) Remaining(ctx context.Context, bucket, identifier string, limit int) (int, error) {
	if l == nil || l.rdb == nil {
		return limit, nil
	}
	key := fmt.Sprintf("ratelimit:%s:%s", bucket, l.hashIdentifier(identifier))
	count, err := l.rdb.Get(ctx, key).Int()
	if err == redis.Nil {
		return limit, nil
	}
	if err != nil {
		return limit, nil
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Named buckets and defaults used across the REST and gateway boundaries.
const (
	BucketPerIP          = "ip"
	BucketMessageSend    = "message_send"
	BucketEmojiUpload    = "emoji_upload"
	BucketBundleFetch    = "bundle_fetch"
	BucketBundleFetchTgt = "bundle_fetch_target"
)

const (
	PerIPLimit       = 120
	PerIPWindow      = time.Minute
	MessageSendLimit = 10
	MessageSendWindow = 10 * time.Second
	EmojiUploadLimit = 5
	EmojiUploadWindow = time.Minute
	BundleFetchLimit = 10
	BundleFetchWindow = time.Minute
	BundleFetchTargetLimit = 50
	BundleFetchTargetWindow = time.Minute
)

// CheckBundleFetch enforces the prekey-bundle three-tier limits: per
// requester, per target (detects prekey-draining attacks), and per IP.
func (l *Limiter) CheckBundleFetch(ctx context.Context, requesterID, targetID, ip string) error {
	if err := l.Allow(ctx, BucketBundleFetch, requesterID, BundleFetchLimit, BundleFetchWindow); err != nil {
		return err
	}
	if err := l.Allow(ctx, BucketBundleFetchTgt, targetID, BundleFetchTargetLimit, BundleFetchTargetWindow); err != nil {
		return herr.New(herr.RateLimited, "target's prekeys are being fetched too frequently")
	}
	if ip != "" {
		if err := l.Allow(ctx, BucketPerIP, ip, PerIPLimit, PerIPWindow); err != nil {
			return err
		}
	}
	return nil
}
