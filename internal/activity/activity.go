// Package activity maintains the platform read model the detectors query:
// bookings, wallet transactions, and device fingerprints, projected from
// the event stream by a single recorder consumer.
package activity

import (
	"context"
	"time"
)

// Booking statuses, derived from the booking.* event that last touched the
// row.
const (
	BookingStatusCreated   = "created"
	BookingStatusUpdated   = "updated"
	BookingStatusCompleted = "completed"
	BookingStatusCancelled = "cancelled"
	BookingStatusNoShow    = "no_show"
)

// Booking is one projected booking row; later events for the same id
// overwrite status and amount.
type Booking struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_id"`
	ProviderID string    `json:"provider_id"`
	Category   string    `json:"category"`
	Amount     float64   `json:"amount"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Wallet transaction types.
const (
	TxDeposit    = "deposit"
	TxWithdrawal = "withdrawal"
	TxTransfer   = "transfer"
)

// WalletTransaction is one projected wallet movement.
type WalletTransaction struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	CounterpartyID string    `json:"counterparty_id,omitempty"`
	TxType         string    `json:"tx_type"`
	PaymentMethod  string    `json:"payment_method"`
	Amount         float64   `json:"amount"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// AmountStats summarizes booking amounts for a service category.
type AmountStats struct {
	Mean   float64
	StdDev float64
	Count  int
}

// Store is the read model the recorder writes and the detectors query.
type Store interface {
	// UpsertBooking creates or overwrites the booking row by id.
	UpsertBooking(ctx context.Context, b *Booking) error

	// InsertWalletTransaction appends one wallet movement.
	InsertWalletTransaction(ctx context.Context, tx *WalletTransaction) error

	// UpsertDevice records that a device hash was seen for a user.
	UpsertDevice(ctx context.Context, userID, deviceHash string, at time.Time) error

	// UsersForDevice lists the distinct users a device hash maps to.
	UsersForDevice(ctx context.Context, deviceHash string) ([]string, error)

	// LastAmountBetween returns the most recent booking amount between
	// the pair, in either orientation; ok is false when none exists.
	LastAmountBetween(ctx context.Context, a, b string) (amount float64, ok bool, err error)

	// AverageCompletedAmount returns the platform-wide average completed
	// booking amount, zero when none exist.
	AverageCompletedAmount(ctx context.Context) (float64, error)

	// CountCancellations counts a client's cancelled bookings since the
	// cutoff.
	CountCancellations(ctx context.Context, clientID string, since time.Time) (int, error)

	// CountBookingsWithProvider counts a client's bookings with one
	// provider since the cutoff.
	CountBookingsWithProvider(ctx context.Context, clientID, providerID string, since time.Time) (int, error)

	// CategoryAmountStats aggregates booking amounts in a service
	// category.
	CategoryAmountStats(ctx context.Context, category string) (AmountStats, error)

	// NightBookings counts a client's bookings since the cutoff that
	// occurred between midnight and 05:00 UTC, and the total.
	NightBookings(ctx context.Context, clientID string, since time.Time) (night, total int, err error)

	// WalletTransactions returns a user's wallet movements of the given
	// type since the cutoff, newest first. txType "" means all types.
	WalletTransactions(ctx context.Context, userID, txType string, since time.Time) ([]*WalletTransaction, error)
}

// nightWindow reports whether t falls in the 00:00–05:00 UTC band used by
// the time-clustering rule.
func nightWindow(t time.Time) bool {
	h := t.UTC().Hour()
	return h >= 0 && h < 5
}
