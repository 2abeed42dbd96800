// Package notify fans alerts out to external services over signed
// webhooks.
//
// Operators register subscription URLs filtered by alert type and minimum
// severity. Deliveries are HMAC-signed when the subscription carries a
// secret, and a per-endpoint circuit breaker keeps one dead endpoint from
// burning delivery capacity.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trustwire/trustwire/internal/alerts"
	"github.com/trustwire/trustwire/internal/idgen"
)

// Subscription is one registered webhook endpoint.
type Subscription struct {
	ID          string          `json:"id"`
	URL         string          `json:"url"`
	Secret      string          `json:"-"` // HMAC signing key
	AlertTypes  []string        `json:"alert_types"`  // empty = all types
	MinSeverity alerts.Severity `json:"min_severity"` // alerts at or above
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"created_at"`
	LastSuccess *time.Time      `json:"last_success,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
}

// Matches reports whether the subscription wants an alert.
func (s *Subscription) Matches(alertType string, severity alerts.Severity) bool {
	if !s.Active {
		return false
	}
	if severity.Rank() < s.MinSeverity.Rank() {
		return false
	}
	if len(s.AlertTypes) == 0 {
		return true
	}
	for _, t := range s.AlertTypes {
		if t == alertType {
			return true
		}
	}
	return false
}

// Store persists subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-memory subscription store for tests and
// single-process runs.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	if sub.ID == "" {
		sub.ID = idgen.WithPrefix("sub_")
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s not found", id)
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		cp := *sub
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return fmt.Errorf("subscription %s not found", sub.ID)
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
