package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/trustwire/trustwire/internal/idgen"
)

// PostgresStore persists subscriptions in the alert_subscriptions table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	if sub.ID == "" {
		sub.ID = idgen.WithPrefix("sub_")
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO alert_subscriptions (id, url, secret, alert_types, min_severity, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.URL, sub.Secret, pq.Array(sub.AlertTypes), sub.MinSeverity, sub.Active, sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, url, secret, alert_types, min_severity, active, created_at, last_success, last_error
		FROM alert_subscriptions WHERE id = $1`, id,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("subscription %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query subscription: %w", err)
	}
	return sub, nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, url, secret, alert_types, min_severity, active, created_at, last_success, last_error
		FROM alert_subscriptions ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE alert_subscriptions SET
			url = $2, secret = $3, alert_types = $4, min_severity = $5, active = $6,
			last_success = $7, last_error = NULLIF($8, '')
		WHERE id = $1`,
		sub.ID, sub.URL, sub.Secret, pq.Array(sub.AlertTypes), sub.MinSeverity, sub.Active,
		sub.LastSuccess, sub.LastError,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("subscription %s not found", sub.ID)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM alert_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var sub Subscription
	var alertTypes pq.StringArray
	var lastSuccess sql.NullTime
	var lastError sql.NullString
	err := row.Scan(&sub.ID, &sub.URL, &sub.Secret, &alertTypes, &sub.MinSeverity,
		&sub.Active, &sub.CreatedAt, &lastSuccess, &lastError)
	if err != nil {
		return nil, err
	}
	sub.AlertTypes = alertTypes
	if lastSuccess.Valid {
		t := lastSuccess.Time
		sub.LastSuccess = &t
	}
	sub.LastError = lastError.String
	return &sub, nil
}

var _ Store = (*PostgresStore)(nil)
