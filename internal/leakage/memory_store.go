package leakage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trustwire/trustwire/internal/idgen"
)

// MemoryStore is an in-memory funnel store for tests and single-process
// runs.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event // insertion order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) ActiveForPair(_ context.Context, userID, counterpartyID string, since time.Time) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Event
	for _, e := range m.events {
		if e.CreatedAt.Before(since) {
			continue
		}
		samePair := (e.UserID == userID && e.CounterpartyID == counterpartyID) ||
			(e.UserID == counterpartyID && e.CounterpartyID == userID)
		if !samePair {
			continue
		}
		if latest == nil || e.CreatedAt.After(latest.CreatedAt) {
			latest = e
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := clone(latest)
	return cp, nil
}

func (m *MemoryStore) Create(_ context.Context, e *Event) error {
	fillEvent(e)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, clone(e))
	return nil
}

func (m *MemoryStore) Save(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.events {
		if cur.ID != e.ID {
			continue
		}
		if stageRank(e.Stage) < stageRank(cur.Stage) {
			return fmt.Errorf("funnel %s: stage %s regresses from %s", e.ID, e.Stage, cur.Stage)
		}
		e.UpdatedAt = time.Now().UTC()
		m.events[i] = clone(e)
		return nil
	}
	return fmt.Errorf("funnel %s not found", e.ID)
}

func fillEvent(e *Event) {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("lkg_")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
}

func clone(e *Event) *Event {
	cp := *e
	cp.SignalIDs = append([]string(nil), e.SignalIDs...)
	cp.SignalTypes = append([]string(nil), e.SignalTypes...)
	if e.Evidence != nil {
		cp.Evidence = make(map[string]interface{}, len(e.Evidence))
		for k, v := range e.Evidence {
			cp.Evidence[k] = v
		}
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
