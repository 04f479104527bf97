// Package idempotency suppresses duplicate processing of logical operations
// within a bounded time window.
package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL is the window in which a repeated key is reported as duplicate.
const DefaultTTL = 5 * time.Minute

// Guard tracks recently seen operation keys.
type Guard interface {
	// CheckAndMark returns true when key was marked within ttl. Otherwise it
	// marks the key with the current time and returns false.
	CheckAndMark(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// SendKey identifies the delivery of one funnel step to one recipient.
func SendKey(recipient, funnelID string, step int) string {
	return fmt.Sprintf("send:%s:%s:%d", recipient, funnelID, step)
}

// EventKey identifies one payment event for one recipient and order.
func EventKey(eventType, recipient, orderCode string) string {
	return fmt.Sprintf("event:%s:%s:%s", eventType, recipient, orderCode)
}

// ReplyKey identifies the reply that releases one waiting step.
func ReplyKey(recipient, funnelID string, step int) string {
	return fmt.Sprintf("reply:%s:%s:%d", recipient, funnelID, step)
}

// MemoryGuard is an in-process Guard. Expired entries are swept on every call.
type MemoryGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// MemoryOption configures a MemoryGuard.
type MemoryOption func(*MemoryGuard)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(g *MemoryGuard) {
		g.now = now
	}
}

// NewMemoryGuard creates an empty MemoryGuard.
func NewMemoryGuard(opts ...MemoryOption) *MemoryGuard {
	g := &MemoryGuard{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckAndMark implements Guard.
func (g *MemoryGuard) CheckAndMark(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for k, at := range g.seen {
		if now.Sub(at) >= ttl {
			delete(g.seen, k)
		}
	}

	if _, ok := g.seen[key]; ok {
		slog.Debug("MemoryGuard.CheckAndMark: duplicate", "key", key)
		return true, nil
	}
	g.seen[key] = now
	return false, nil
}

// Len returns the number of tracked keys.
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// Marker is a persistent backend able to record keys atomically.
type Marker interface {
	CheckAndMark(ctx context.Context, key string, ttl time.Duration, now time.Time) (bool, error)
}

// StoreGuard adapts a persistent Marker, such as the SQL store, to Guard.
type StoreGuard struct {
	marker Marker
	now    func() time.Time
}

// NewStoreGuard wraps marker.
func NewStoreGuard(marker Marker) *StoreGuard {
	return &StoreGuard{marker: marker, now: time.Now}
}

// CheckAndMark implements Guard.
func (g *StoreGuard) CheckAndMark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	dup, err := g.marker.CheckAndMark(ctx, key, ttl, g.now())
	if err != nil {
		return false, fmt.Errorf("store guard: %w", err)
	}
	return dup, nil
}
