package security

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter bounds turn and pipeline submission, globally and per user.
type RateLimiter struct {
	globalLimiter *rate.Limiter
	userLimiters  map[string]*rate.Limiter
	mu            sync.RWMutex

	requestsPerSecond float64
	burst             int
}

// NewRateLimiter creates a rate limiter. The same per-second/burst budget
// applies globally and to each user independently.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		globalLimiter:     rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		userLimiters:      make(map[string]*rate.Limiter),
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
	}
}

// Allow checks if a request from userID should be admitted now.
func (rl *RateLimiter) Allow(userID string) bool {
	if !rl.globalLimiter.Allow() {
		return false
	}
	return rl.getUserLimiter(userID).Allow()
}

// Wait blocks until a request from userID can be admitted.
func (rl *RateLimiter) Wait(ctx context.Context, userID string) error {
	if err := rl.globalLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("global rate limit: %w", err)
	}
	if err := rl.getUserLimiter(userID).Wait(ctx); err != nil {
		return fmt.Errorf("user rate limit: %w", err)
	}
	return nil
}

func (rl *RateLimiter) getUserLimiter(userID string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.userLimiters[userID]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring the write lock.
	if limiter, exists := rl.userLimiters[userID]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burst)
	rl.userLimiters[userID] = limiter
	return limiter
}
