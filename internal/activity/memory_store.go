package activity

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory read model for tests and single-process runs.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]*Booking
	wallet   []*WalletTransaction
	devices  map[string]map[string]time.Time // hash -> userID -> last seen
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]*Booking),
		devices:  make(map[string]map[string]time.Time),
	}
}

func (m *MemoryStore) UpsertBooking(_ context.Context, b *Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.bookings[b.ID] = &cp
	return nil
}

func (m *MemoryStore) InsertWalletTransaction(_ context.Context, tx *WalletTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tx
	m.wallet = append(m.wallet, &cp)
	return nil
}

func (m *MemoryStore) UpsertDevice(_ context.Context, userID, deviceHash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	users, ok := m.devices[deviceHash]
	if !ok {
		users = make(map[string]time.Time)
		m.devices[deviceHash] = users
	}
	users[userID] = at
	return nil
}

func (m *MemoryStore) UsersForDevice(_ context.Context, deviceHash string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id := range m.devices[deviceHash] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) LastAmountBetween(_ context.Context, a, b string) (float64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *Booking
	for _, bk := range m.bookings {
		samePair := (bk.ClientID == a && bk.ProviderID == b) || (bk.ClientID == b && bk.ProviderID == a)
		if !samePair {
			continue
		}
		if latest == nil || bk.OccurredAt.After(latest.OccurredAt) {
			latest = bk
		}
	}
	if latest == nil {
		return 0, false, nil
	}
	return latest.Amount, true, nil
}

func (m *MemoryStore) AverageCompletedAmount(_ context.Context) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum, n := 0.0, 0
	for _, bk := range m.bookings {
		if bk.Status == BookingStatusCompleted {
			sum += bk.Amount
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

func (m *MemoryStore) CountCancellations(_ context.Context, clientID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, bk := range m.bookings {
		if bk.ClientID == clientID && bk.Status == BookingStatusCancelled && !bk.OccurredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountBookingsWithProvider(_ context.Context, clientID, providerID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, bk := range m.bookings {
		if bk.ClientID == clientID && bk.ProviderID == providerID && !bk.OccurredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CategoryAmountStats(_ context.Context, category string) (AmountStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var amounts []float64
	for _, bk := range m.bookings {
		if bk.Category == category {
			amounts = append(amounts, bk.Amount)
		}
	}
	if len(amounts) == 0 {
		return AmountStats{}, nil
	}
	sum := 0.0
	for _, a := range amounts {
		sum += a
	}
	mean := sum / float64(len(amounts))
	variance := 0.0
	for _, a := range amounts {
		variance += (a - mean) * (a - mean)
	}
	variance /= float64(len(amounts))
	return AmountStats{Mean: mean, StdDev: math.Sqrt(variance), Count: len(amounts)}, nil
}

func (m *MemoryStore) NightBookings(_ context.Context, clientID string, since time.Time) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	night, total := 0, 0
	for _, bk := range m.bookings {
		if bk.ClientID != clientID || bk.OccurredAt.Before(since) {
			continue
		}
		total++
		if nightWindow(bk.OccurredAt) {
			night++
		}
	}
	return night, total, nil
}

func (m *MemoryStore) WalletTransactions(_ context.Context, userID, txType string, since time.Time) ([]*WalletTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*WalletTransaction
	for _, tx := range m.wallet {
		if tx.UserID != userID || tx.OccurredAt.Before(since) {
			continue
		}
		if txType != "" && tx.TxType != txType {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
