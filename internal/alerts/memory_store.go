package alerts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/trustwire/trustwire/internal/idgen"
)

// MemoryStore is an in-memory alert store for tests and single-process runs.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Alert
	sorted []*Alert // insertion order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Alert)}
}

func (m *MemoryStore) Insert(_ context.Context, a *Alert) error {
	fill(a)
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.byID[a.ID] = &cp
	m.sorted = append(m.sorted, &cp)
	alertsRaised.WithLabelValues(a.AlertType, string(a.Severity)).Inc()
	return nil
}

func (m *MemoryStore) HasRecentClusterAlert(_ context.Context, clusterHash string, since time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.sorted {
		if a.ClusterHash == clusterHash && !a.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) Open(_ context.Context, limit int) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Alert
	for _, a := range m.sorted {
		if a.Status == StatusOpen {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Resolve(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("alert %s not found", id)
	}
	if a.Status != StatusOpen {
		return fmt.Errorf("alert %s already resolved", id)
	}
	a.Status = StatusResolved
	a.ResolvedAt = &at
	return nil
}

func (m *MemoryStore) Escalate(_ context.Context, id string, to Severity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("alert %s not found", id)
	}
	if a.Status != StatusOpen || to.Rank() <= a.Severity.Rank() {
		return nil
	}
	a.Severity = to
	a.SLADeadline = SLADeadline(to, a.CreatedAt)
	return nil
}

// fill populates the generated fields of a new alert.
func fill(a *Alert) {
	if a.ID == "" {
		a.ID = idgen.WithPrefix("alrt_")
	}
	if a.Status == "" {
		a.Status = StatusOpen
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.SLADeadline.IsZero() {
		a.SLADeadline = SLADeadline(a.Severity, a.CreatedAt)
	}
}

var _ Store = (*MemoryStore)(nil)
