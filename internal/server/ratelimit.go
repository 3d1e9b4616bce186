package server

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int

	// CredentialLimit caps credential mutations (issue, rotate, start, stop)
	// per identity per CredentialWindow. Zero disables the limiter.
	CredentialLimit  int
	CredentialWindow time.Duration

	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

type rateLimiter struct {
	global           *tokenBucket
	credentialLimit  int
	credentialWindow time.Duration
	credentialMu     sync.Mutex
	credentialBucket map[string]*keyLimiter
	store            counterStore
}

type keyLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

// counterStore is the shared-state backend for multi-instance deployments.
type counterStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		credentialLimit:  cfg.CredentialLimit,
		credentialWindow: cfg.CredentialWindow,
		credentialBucket: make(map[string]*keyLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.credentialLimit < 0 {
		rl.credentialLimit = 0
	}
	if rl.credentialWindow <= 0 {
		rl.credentialWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.credentialLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisCounterStore(cfg.RedisAddr, cfg.RedisPassword, timeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

func (r *rateLimiter) AllowCredentialMutation(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.credentialLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		return r.store.Allow(ctx, fmt.Sprintf("classcast:credentials:%s", key), r.credentialLimit, r.credentialWindow)
	}
	if key == "" {
		key = "unknown"
	}
	r.credentialMu.Lock()
	limiter, exists := r.credentialBucket[key]
	if !exists {
		rate := float64(r.credentialLimit) / r.credentialWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.credentialWindow.Seconds()
		}
		limiter = &keyLimiter{bucket: newTokenBucket(rate, r.credentialLimit)}
		r.credentialBucket[key] = limiter
	}
	limiter.lastSeen = time.Now()
	r.cleanupLocked()
	r.credentialMu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.credentialBucket) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.credentialWindow)
	for key, limiter := range r.credentialBucket {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.credentialBucket, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	now := time.Now()
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now,
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
