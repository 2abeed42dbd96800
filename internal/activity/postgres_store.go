package activity

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore projects the read model into the bookings,
// wallet_transactions, and user_devices tables.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) UpsertBooking(ctx context.Context, b *Booking) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bookings (id, client_id, provider_id, category, amount, status, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			amount = EXCLUDED.amount,
			status = EXCLUDED.status,
			occurred_at = EXCLUDED.occurred_at`,
		b.ID, b.ClientID, b.ProviderID, b.Category, b.Amount, b.Status, b.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("upsert booking: %w", err)
	}
	return nil
}

func (p *PostgresStore) InsertWalletTransaction(ctx context.Context, tx *WalletTransaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, user_id, counterparty_id, tx_type, payment_method, amount, occurred_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		tx.ID, tx.UserID, tx.CounterpartyID, tx.TxType, tx.PaymentMethod, tx.Amount, tx.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert wallet transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpsertDevice(ctx context.Context, userID, deviceHash string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_devices (device_hash, user_id, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (device_hash, user_id) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at`,
		deviceHash, userID, at,
	)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

func (p *PostgresStore) UsersForDevice(ctx context.Context, deviceHash string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id FROM user_devices WHERE device_hash = $1 ORDER BY user_id`,
		deviceHash,
	)
	if err != nil {
		return nil, fmt.Errorf("query device users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *PostgresStore) LastAmountBetween(ctx context.Context, a, b string) (float64, bool, error) {
	var amount float64
	err := p.db.QueryRowContext(ctx, `
		SELECT amount FROM bookings
		WHERE (client_id = $1 AND provider_id = $2) OR (client_id = $2 AND provider_id = $1)
		ORDER BY occurred_at DESC
		LIMIT 1`, a, b,
	).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query pair amount: %w", err)
	}
	return amount, true, nil
}

func (p *PostgresStore) AverageCompletedAmount(ctx context.Context) (float64, error) {
	var avg float64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(amount), 0) FROM bookings WHERE status = 'completed'`,
	).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("query average amount: %w", err)
	}
	return avg, nil
}

func (p *PostgresStore) CountCancellations(ctx context.Context, clientID string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bookings
		WHERE client_id = $1 AND status = 'cancelled' AND occurred_at >= $2`,
		clientID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count cancellations: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) CountBookingsWithProvider(ctx context.Context, clientID, providerID string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bookings
		WHERE client_id = $1 AND provider_id = $2 AND occurred_at >= $3`,
		clientID, providerID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count provider bookings: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) CategoryAmountStats(ctx context.Context, category string) (AmountStats, error) {
	var s AmountStats
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(amount), 0), COALESCE(STDDEV_POP(amount), 0), COUNT(*)
		FROM bookings WHERE category = $1`, category,
	).Scan(&s.Mean, &s.StdDev, &s.Count)
	if err != nil {
		return AmountStats{}, fmt.Errorf("category stats: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) NightBookings(ctx context.Context, clientID string, since time.Time) (int, int, error) {
	var night, total int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE EXTRACT(HOUR FROM occurred_at AT TIME ZONE 'UTC') < 5), COUNT(*)
		FROM bookings WHERE client_id = $1 AND occurred_at >= $2`,
		clientID, since,
	).Scan(&night, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("night bookings: %w", err)
	}
	return night, total, nil
}

func (p *PostgresStore) WalletTransactions(ctx context.Context, userID, txType string, since time.Time) ([]*WalletTransaction, error) {
	query := `
		SELECT id, user_id, COALESCE(counterparty_id, ''), tx_type, payment_method, amount, occurred_at
		FROM wallet_transactions
		WHERE user_id = $1 AND occurred_at >= $2`
	args := []interface{}{userID, since}
	if txType != "" {
		query += ` AND tx_type = $3`
		args = append(args, txType)
	}
	query += ` ORDER BY occurred_at DESC`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query wallet transactions: %w", err)
	}
	defer rows.Close()

	var out []*WalletTransaction
	for rows.Next() {
		var tx WalletTransaction
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.CounterpartyID, &tx.TxType, &tx.PaymentMethod, &tx.Amount, &tx.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan wallet transaction: %w", err)
		}
		out = append(out, &tx)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
