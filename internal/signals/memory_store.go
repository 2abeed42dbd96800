package signals

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/trustwire/trustwire/internal/idgen"
)

// MemoryStore is an in-memory Store for tests and single-process runs.
type MemoryStore struct {
	mu      sync.RWMutex
	signals map[string][]*Signal // userID -> newest last
	scores  map[string][]*Score  // userID -> newest last
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signals: make(map[string][]*Signal),
		scores:  make(map[string][]*Score),
	}
}

func (m *MemoryStore) InsertSignal(_ context.Context, s *Signal) error {
	if s.ID == "" {
		s.ID = idgen.WithPrefix("sig_")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.signals[s.UserID] = append(m.signals[s.UserID], &cp)
	return nil
}

func (m *MemoryStore) RecentSignals(_ context.Context, userID string, types []string, since time.Time, limit int) ([]*Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var typeSet map[string]bool
	if len(types) > 0 {
		typeSet = make(map[string]bool, len(types))
		for _, t := range types {
			typeSet[t] = true
		}
	}

	var out []*Signal
	for _, s := range m.signals[userID] {
		if s.CreatedAt.Before(since) {
			continue
		}
		if typeSet != nil && !typeSet[s.SignalType] {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) LatestScore(_ context.Context, userID string) (*Score, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hist := m.scores[userID]
	if len(hist) == 0 {
		return nil, nil
	}
	cp := *hist[len(hist)-1]
	return &cp, nil
}

func (m *MemoryStore) AppendScore(_ context.Context, s *Score) error {
	if s.ID == "" {
		s.ID = idgen.WithPrefix("scr_")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.scores[s.UserID] = append(m.scores[s.UserID], &cp)
	return nil
}

// SetScore is a test helper that seeds a user's current score.
func (m *MemoryStore) SetScore(userID string, score float64) {
	_ = m.AppendScore(context.Background(), &Score{
		UserID:    userID,
		Score:     score,
		Tier:      TierFor(score),
		CreatedAt: time.Now().UTC(),
	})
}

var _ Store = (*MemoryStore)(nil)
