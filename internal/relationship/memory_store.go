package relationship

import (
	"context"
	"sync"
	"time"

	"github.com/trustwire/trustwire/internal/idgen"
	"github.com/trustwire/trustwire/internal/syncutil"
)

// MemoryStore is an in-memory graph store. Per-edge upserts are serialized
// through a sharded mutex so concurrent interactions on the same edge
// never lose counts, while unrelated edges proceed in parallel.
type MemoryStore struct {
	pairLocks syncutil.ShardedMutex

	mu    sync.RWMutex
	edges map[[3]string]*Edge
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{edges: make(map[[3]string]*Edge)}
}

func (m *MemoryStore) Upsert(_ context.Context, a, b, relType string, value float64, at time.Time) (*Edge, error) {
	a, b = Canonical(a, b)
	unlock := m.pairLocks.Lock(a + "|" + b + "|" + relType)
	defer unlock()

	key := [3]string{a, b, relType}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.edges[key]
	if !ok {
		e = &Edge{
			ID:               idgen.WithPrefix("rel_"),
			UserA:            a,
			UserB:            b,
			RelationshipType: relType,
			FirstSeenAt:      at,
		}
		m.edges[key] = e
	}
	e.InteractionCount++
	e.TotalValue += value
	e.Strength = Strength(e.InteractionCount)
	e.LastSeenAt = at

	cp := *e
	return &cp, nil
}

func (m *MemoryStore) Neighbors(_ context.Context, userID string, minStrength float64) ([]Neighbor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// A pair may be connected by several edge kinds; each neighbor is
	// reported once at the strongest one.
	best := make(map[string]float64)
	for _, e := range m.edges {
		if e.Strength <= minStrength {
			continue
		}
		var other string
		switch userID {
		case e.UserA:
			other = e.UserB
		case e.UserB:
			other = e.UserA
		default:
			continue
		}
		if e.Strength > best[other] {
			best[other] = e.Strength
		}
	}
	var out []Neighbor
	for id, s := range best {
		out = append(out, Neighbor{UserID: id, Strength: s})
	}
	return out, nil
}

func (m *MemoryStore) EdgesTouching(_ context.Context, userIDs []string, since time.Time) ([]*Edge, error) {
	set := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		set[id] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Edge
	for _, e := range m.edges {
		if e.LastSeenAt.Before(since) {
			continue
		}
		if set[e.UserA] || set[e.UserB] {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) Edge(_ context.Context, a, b, relType string) (*Edge, error) {
	a, b = Canonical(a, b)
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.edges[[3]string{a, b, relType}]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

var _ Store = (*MemoryStore)(nil)
