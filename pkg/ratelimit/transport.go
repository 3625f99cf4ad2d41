package ratelimit

import (
	"net/http"
)

// Transport wraps an HTTP transport with rate limiting
type Transport struct {
	// Base transport for actual HTTP operations
	Base http.RoundTripper

	// RateLimiter controls request frequency and concurrency
	RateLimiter RateLimiter
}

// NewTransport creates a new rate-limited HTTP transport
func NewTransport(base http.RoundTripper, rateLimiter RateLimiter) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{
		Base:        base,
		RateLimiter: rateLimiter,
	}
}

// NewClient returns an HTTP client whose requests go through limiter
func NewClient(limiter RateLimiter) *http.Client {
	return &http.Client{Transport: NewTransport(nil, limiter)}
}

// RoundTrip implements http.RoundTripper with rate limiting. A 429 response
// is returned unchanged; it only delays later requests.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if err := t.RateLimiter.AcquireSlot(ctx); err != nil {
		return nil, err
	}
	defer t.RateLimiter.ReleaseSlot()

	if err := t.RateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	response, err := t.Base.RoundTrip(req)
	if response != nil {
		_ = t.RateLimiter.HandleResponse(response)
	}
	return response, err
}
