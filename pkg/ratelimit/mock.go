package ratelimit

import (
	"context"
	"net/http"
	"sync"
)

// MockRateLimiter records calls and lets tests override behavior
type MockRateLimiter struct {
	WaitFunc        func(ctx context.Context) error
	AcquireSlotFunc func(ctx context.Context) error

	mu                sync.Mutex
	WaitCalls         int
	AcquireSlotCalls  int
	ReleaseSlotCalls  int
	HandledStatusCode []int
}

// NewMockRateLimiter creates a mock that never blocks
func NewMockRateLimiter() *MockRateLimiter {
	return &MockRateLimiter{}
}

// Wait implements RateLimiter
func (m *MockRateLimiter) Wait(ctx context.Context) error {
	m.mu.Lock()
	m.WaitCalls++
	fn := m.WaitFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

// HandleResponse implements RateLimiter
func (m *MockRateLimiter) HandleResponse(response *http.Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if response != nil {
		m.HandledStatusCode = append(m.HandledStatusCode, response.StatusCode)
	}
	return nil
}

// AcquireSlot implements RateLimiter
func (m *MockRateLimiter) AcquireSlot(ctx context.Context) error {
	m.mu.Lock()
	m.AcquireSlotCalls++
	fn := m.AcquireSlotFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

// ReleaseSlot implements RateLimiter
func (m *MockRateLimiter) ReleaseSlot() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReleaseSlotCalls++
}
