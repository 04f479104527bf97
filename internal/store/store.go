// Package store provides storage backends for FunnelPipe.
//
// It holds funnel definitions, conversation snapshots, sticky gateway
// instances, armed timers and idempotency keys. Backends are in-memory,
// SQLite and PostgreSQL.
package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// FunnelStore holds named funnel templates.
type FunnelStore interface {
	SaveFunnel(f models.Funnel) error
	// GetFunnel returns nil, nil when the funnel does not exist.
	GetFunnel(id string) (*models.Funnel, error)
	ListFunnels() ([]models.Funnel, error)
	DeleteFunnel(id string) error
}

// ConversationStore holds conversation snapshots keyed by recipient.
type ConversationStore interface {
	SaveConversation(c models.Conversation) error
	// GetConversation returns nil, nil when the recipient has no conversation.
	GetConversation(recipient string) (*models.Conversation, error)
	ListConversations() ([]models.Conversation, error)
	DeleteConversation(recipient string) error
}

// StickyStore remembers the last gateway instance that delivered to a recipient.
type StickyStore interface {
	// GetStickyInstance returns "" when no instance is recorded.
	GetStickyInstance(recipient string) (string, error)
	SetStickyInstance(recipient, instance string) error
	DeleteStickyInstance(recipient string) error
}

// TimerStore persists armed timeouts so they survive a restart.
type TimerStore interface {
	SavePendingTimer(t models.PendingTimer) error
	DeletePendingTimer(recipient string, kind models.TimerKind) error
	ListPendingTimers() ([]models.PendingTimer, error)
}

// Store is the full persistence surface used by FunnelPipe.
type Store interface {
	FunnelStore
	ConversationStore
	StickyStore
	TimerStore
	// CheckAndMark records key unless it was recorded within ttl of now,
	// sweeping older keys first. It reports whether key was a duplicate.
	CheckAndMark(ctx context.Context, key string, ttl time.Duration, now time.Time) (bool, error)
	Close() error
}

type timerKey struct {
	recipient string
	kind      models.TimerKind
}

// InMemoryStore is a Store kept in process memory. It is safe for concurrent use.
type InMemoryStore struct {
	mu            sync.RWMutex
	funnels       map[string]models.Funnel
	conversations map[string]models.Conversation
	sticky        map[string]string
	timers        map[timerKey]models.PendingTimer
	keys          map[string]time.Time
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		funnels:       make(map[string]models.Funnel),
		conversations: make(map[string]models.Conversation),
		sticky:        make(map[string]string),
		timers:        make(map[timerKey]models.PendingTimer),
		keys:          make(map[string]time.Time),
	}
}

func copyFunnel(f models.Funnel) models.Funnel {
	f.Steps = append(models.Steps(nil), f.Steps...)
	return f
}

func (s *InMemoryStore) SaveFunnel(f models.Funnel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = time.Now()
	}
	s.funnels[f.ID] = copyFunnel(f)
	slog.Debug("InMemoryStore SaveFunnel succeeded", "funnelID", f.ID, "steps", len(f.Steps))
	return nil
}

func (s *InMemoryStore) GetFunnel(id string) (*models.Funnel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.funnels[id]
	if !ok {
		return nil, nil
	}
	f = copyFunnel(f)
	return &f, nil
}

func (s *InMemoryStore) ListFunnels() ([]models.Funnel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Funnel, 0, len(s.funnels))
	for _, f := range s.funnels {
		out = append(out, copyFunnel(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) DeleteFunnel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.funnels, id)
	return nil
}

func (s *InMemoryStore) SaveConversation(c models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.Recipient] = c
	return nil
}

func (s *InMemoryStore) GetConversation(recipient string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[recipient]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) ListConversations() ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Recipient < out[j].Recipient })
	return out, nil
}

func (s *InMemoryStore) DeleteConversation(recipient string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, recipient)
	return nil
}

func (s *InMemoryStore) GetStickyInstance(recipient string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sticky[recipient], nil
}

func (s *InMemoryStore) SetStickyInstance(recipient, instance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sticky[recipient] = instance
	return nil
}

func (s *InMemoryStore) DeleteStickyInstance(recipient string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sticky, recipient)
	return nil
}

func (s *InMemoryStore) SavePendingTimer(t models.PendingTimer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[timerKey{t.Recipient, t.Kind}] = t
	return nil
}

func (s *InMemoryStore) DeletePendingTimer(recipient string, kind models.TimerKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, timerKey{recipient, kind})
	return nil
}

func (s *InMemoryStore) ListPendingTimers() ([]models.PendingTimer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PendingTimer, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (s *InMemoryStore) CheckAndMark(_ context.Context, key string, ttl time.Duration, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, at := range s.keys {
		if now.Sub(at) >= ttl {
			delete(s.keys, k)
		}
	}
	if _, ok := s.keys[key]; ok {
		return true, nil
	}
	s.keys[key] = now
	return false, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
