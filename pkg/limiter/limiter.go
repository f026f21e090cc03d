// Package limiter provides concurrency and token-rate limiting for
// executor calls with a token bucket algorithm.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ErrTokensTooLarge is returned when a single reservation exceeds the
// bucket capacity and could never be satisfied.
var ErrTokensTooLarge = fmt.Errorf("token reservation exceeds per-minute capacity")

// Limiter bounds how many tasks execute at once and how many context
// tokens per minute the engine sends to the executor. Acquire blocks
// until both a slot and the requested tokens are available.
type Limiter struct {
	slots chan struct{}

	mu            sync.Mutex
	maxPerMinute  int
	currentTokens int
	lastRefill    time.Time
}

// New creates a limiter with the given concurrency and tokens-per-minute
// budget. The token bucket starts full. A non-positive tokensPerMinute
// disables token limiting.
func New(maxConcurrent, tokensPerMinute int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{
		slots:         make(chan struct{}, maxConcurrent),
		maxPerMinute:  tokensPerMinute,
		currentTokens: tokensPerMinute,
		lastRefill:    time.Now(),
	}
}

// Acquire blocks until a concurrency slot and the requested tokens are
// both available, or the context is done. Every successful Acquire must
// be paired with Release.
func (l *Limiter) Acquire(ctx context.Context, tokens int) error {
	if l.maxPerMinute > 0 && tokens > l.maxPerMinute {
		return ErrTokensTooLarge
	}

	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := l.reserveTokens(ctx, tokens); err != nil {
		<-l.slots
		return err
	}
	return nil
}

// Release frees the concurrency slot taken by Acquire. Tokens are spent,
// not returned.
func (l *Limiter) Release() {
	<-l.slots
}

// Available reports the current token balance after refill.
func (l *Limiter) Available() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.currentTokens
}

func (l *Limiter) reserveTokens(ctx context.Context, tokens int) error {
	if l.maxPerMinute <= 0 || tokens <= 0 {
		return nil
	}

	for {
		l.mu.Lock()
		l.refill()
		if l.currentTokens >= tokens {
			l.currentTokens -= tokens
			l.mu.Unlock()
			return nil
		}
		deficit := tokens - l.currentTokens
		l.mu.Unlock()

		// Wait for the bucket to refill enough to cover the deficit.
		wait := time.Duration(deficit) * time.Minute / time.Duration(l.maxPerMinute)
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// refill adds tokens proportional to time elapsed, capped at capacity.
// Caller must hold l.mu.
func (l *Limiter) refill() {
	if l.maxPerMinute <= 0 {
		return
	}
	now := time.Now()
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	refilled := int(float64(l.maxPerMinute) * elapsed.Minutes())
	if refilled <= 0 {
		return
	}
	l.currentTokens += refilled
	if l.currentTokens > l.maxPerMinute {
		l.currentTokens = l.maxPerMinute
	}
	l.lastRefill = now
}
