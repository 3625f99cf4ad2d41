// Package ratelimit spaces out and bounds outgoing subscription fetches and
// backs off when a server answers 429 Too Many Requests.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Defaults
const (
	DefaultMaxConcurrent = 4
	DefaultBackoffBase   = time.Second
	DefaultMaxBackoff    = 60 * time.Second
)

// Config controls a Limiter
type Config struct {
	// Delay is the minimum spacing between two requests. Zero disables it.
	Delay time.Duration
	// MaxConcurrent bounds requests in flight. Values <= 0 use the default.
	MaxConcurrent int
	// BackoffBase is the first backoff after a 429, doubled per repeat.
	BackoffBase time.Duration
	// MaxBackoff caps the backoff.
	MaxBackoff time.Duration
}

// RateLimiter defines the interface for rate limiting operations
type RateLimiter interface {
	// Wait blocks until it's safe to make a request based on rate limiting rules
	Wait(ctx context.Context) error

	// HandleResponse processes response headers to adjust rate limiting behavior
	HandleResponse(response *http.Response) error

	// AcquireSlot attempts to acquire a concurrency slot for parallel requests
	AcquireSlot(ctx context.Context) error

	// ReleaseSlot releases a concurrency slot
	ReleaseSlot()
}

// Limiter implements RateLimiter
type Limiter struct {
	config Config

	mutex       sync.Mutex
	lastRequest time.Time

	consecutiveErrors int
	backoffUntil      time.Time

	semaphore chan struct{}

	// quota advertised by X-RateLimit-* headers
	remaining int
	reset     time.Time
}

// New creates a Limiter
func New(cfg Config) *Limiter {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	return &Limiter{
		config:    cfg,
		semaphore: make(chan struct{}, cfg.MaxConcurrent),
		remaining: -1,
	}
}

// Wait blocks until it's safe to make a request
func (r *Limiter) Wait(ctx context.Context) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	waitWithUnlock := func(waitTime time.Duration) error {
		r.mutex.Unlock()
		defer r.mutex.Lock()

		timer := time.NewTimer(waitTime)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if time.Now().Before(r.backoffUntil) {
		if err := waitWithUnlock(time.Until(r.backoffUntil)); err != nil {
			return err
		}
	}

	if since := time.Since(r.lastRequest); since < r.config.Delay {
		if err := waitWithUnlock(r.config.Delay - since); err != nil {
			return err
		}
	}

	if r.remaining == 0 && time.Now().Before(r.reset) {
		if err := waitWithUnlock(time.Until(r.reset)); err != nil {
			return err
		}
		r.remaining = -1
	}

	r.lastRequest = time.Now()
	return nil
}

// HandleResponse processes response headers to adjust rate limiting behavior
func (r *Limiter) HandleResponse(response *http.Response) error {
	if response == nil {
		return nil
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if response.StatusCode == http.StatusTooManyRequests {
		r.consecutiveErrors++

		backoffDelay := r.backoffDelay()
		r.backoffUntil = time.Now().Add(backoffDelay)

		if retryAfter := response.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil {
				suggested := time.Duration(seconds) * time.Second
				if suggested > backoffDelay && suggested <= r.config.MaxBackoff {
					r.backoffUntil = time.Now().Add(suggested)
				}
			}
		}

		return &RateLimitError{
			StatusCode: response.StatusCode,
			RetryAfter: time.Until(r.backoffUntil),
			Message:    "rate limit exceeded, backing off",
		}
	}

	if remaining := response.Header.Get("X-RateLimit-Remaining"); remaining != "" {
		if count, err := strconv.Atoi(remaining); err == nil {
			r.remaining = count
		}
	}
	if reset := response.Header.Get("X-RateLimit-Reset"); reset != "" {
		if unix, err := strconv.ParseInt(reset, 10, 64); err == nil {
			r.reset = time.Unix(unix, 0)
		}
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		r.consecutiveErrors = 0
	}
	return nil
}

// AcquireSlot attempts to acquire a concurrency slot
func (r *Limiter) AcquireSlot(ctx context.Context) error {
	select {
	case r.semaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReleaseSlot releases a concurrency slot
func (r *Limiter) ReleaseSlot() {
	select {
	case <-r.semaphore:
	default:
	}
}

// backoffDelay is base * 2^(errors-1), capped at MaxBackoff
func (r *Limiter) backoffDelay() time.Duration {
	if r.consecutiveErrors <= 0 {
		return 0
	}
	multiplier := math.Pow(2, float64(r.consecutiveErrors-1))
	delay := time.Duration(float64(r.config.BackoffBase) * multiplier)
	if delay > r.config.MaxBackoff || delay <= 0 {
		delay = r.config.MaxBackoff
	}
	return delay
}

// RateLimitError represents a rate limiting error
type RateLimitError struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit error (HTTP %d): %s (retry after %v)",
		e.StatusCode, e.Message, e.RetryAfter.Round(time.Millisecond))
}

// IsRateLimitError checks if an error is or wraps a rate limit error
func IsRateLimitError(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}
