package events

import (
	"context"
	"sync"
)

// MemoryAuditStore keeps audit rows in memory for tests and the in-memory
// bus variant.
type MemoryAuditStore struct {
	mu       sync.Mutex
	events   []*Envelope
	failures []DeadLetterEntry
}

// NewMemoryAuditStore creates an in-memory audit store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) RecordEvent(ctx context.Context, ev *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *MemoryAuditStore) RecordPermanentFailure(ctx context.Context, entry DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, entry)
	return nil
}

// Events returns a copy of recorded envelopes.
func (s *MemoryAuditStore) Events() []*Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Envelope, len(s.events))
	copy(out, s.events)
	return out
}

// PermanentFailures returns a copy of recorded terminal dead letters.
func (s *MemoryAuditStore) PermanentFailures() []DeadLetterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetterEntry, len(s.failures))
	copy(out, s.failures)
	return out
}

// MemoryProcessedStore is a process-local processed-id set.
type MemoryProcessedStore struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewMemoryProcessedStore creates an in-memory processed-event store.
func NewMemoryProcessedStore() *MemoryProcessedStore {
	return &MemoryProcessedStore{ids: make(map[string]struct{})}
}

func (s *MemoryProcessedStore) Mark(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[eventID] = struct{}{}
	return nil
}

func (s *MemoryProcessedStore) Seen(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[eventID]
	return ok, nil
}

// MemoryPendingStore is an in-memory pending map. It degrades the durable
// bus to process-local guarantees but keeps the code paths identical.
type MemoryPendingStore struct {
	mu      sync.Mutex
	pending map[string]*Envelope
}

// NewMemoryPendingStore creates an in-memory pending store.
func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{pending: make(map[string]*Envelope)}
}

func (s *MemoryPendingStore) Put(ctx context.Context, ev *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[ev.ID] = ev
	return nil
}

func (s *MemoryPendingStore) Remove(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, eventID)
	return nil
}

func (s *MemoryPendingStore) List(ctx context.Context) ([]*Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Envelope, 0, len(s.pending))
	for _, ev := range s.pending {
		out = append(out, ev)
	}
	return out, nil
}

func (s *MemoryPendingStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = make(map[string]*Envelope)
	return nil
}

// MemoryDeadLetterStore is an in-memory dead-letter list.
type MemoryDeadLetterStore struct {
	mu      sync.Mutex
	entries []DeadLetterEntry
}

// NewMemoryDeadLetterStore creates an in-memory dead-letter store.
func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{}
}

func (s *MemoryDeadLetterStore) Append(ctx context.Context, entry DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryDeadLetterStore) List(ctx context.Context) ([]DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetterEntry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *MemoryDeadLetterStore) Drain(ctx context.Context) ([]DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.entries
	s.entries = nil
	return out, nil
}

func (s *MemoryDeadLetterStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	return nil
}

// Compile-time interface checks.
var (
	_ AuditStore      = (*MemoryAuditStore)(nil)
	_ ProcessedStore  = (*MemoryProcessedStore)(nil)
	_ PendingStore    = (*MemoryPendingStore)(nil)
	_ DeadLetterStore = (*MemoryDeadLetterStore)(nil)
)
