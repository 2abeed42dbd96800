package alerts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists alerts in the alerts table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Insert(ctx context.Context, a *Alert) error {
	fill(a)
	details, err := json.Marshal(a.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO alerts
			(id, alert_type, severity, title, details, user_ids, cluster_hash, status, sla_deadline, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10)`,
		a.ID, a.AlertType, a.Severity, a.Title, details, pq.Array(a.UserIDs), a.ClusterHash, a.Status, a.SLADeadline, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	alertsRaised.WithLabelValues(a.AlertType, string(a.Severity)).Inc()
	return nil
}

func (p *PostgresStore) HasRecentClusterAlert(ctx context.Context, clusterHash string, since time.Time) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM alerts WHERE cluster_hash = $1 AND created_at >= $2
		)`, clusterHash, since,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check cluster alert: %w", err)
	}
	return exists, nil
}

func (p *PostgresStore) Open(ctx context.Context, limit int) ([]*Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, alert_type, severity, title, details, user_ids, COALESCE(cluster_hash, ''), status, sla_deadline, created_at, resolved_at
		FROM alerts
		WHERE status = 'open'
		ORDER BY created_at DESC
		LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query open alerts: %w", err)
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		var a Alert
		var details []byte
		var userIDs pq.StringArray
		if err := rows.Scan(&a.ID, &a.AlertType, &a.Severity, &a.Title, &details, &userIDs, &a.ClusterHash, &a.Status, &a.SLADeadline, &a.CreatedAt, &a.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.UserIDs = userIDs
		if len(details) > 0 {
			if err := json.Unmarshal(details, &a.Details); err != nil {
				return nil, fmt.Errorf("unmarshal details: %w", err)
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Resolve(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE alerts SET status = 'resolved', resolved_at = $2
		WHERE id = $1 AND status = 'open'`, id, at,
	)
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("alert %s not open", id)
	}
	return nil
}

func (p *PostgresStore) Escalate(ctx context.Context, id string, to Severity) error {
	var createdAt time.Time
	var current Severity
	err := p.db.QueryRowContext(ctx, `
		SELECT severity, created_at FROM alerts WHERE id = $1 AND status = 'open'`, id,
	).Scan(&current, &createdAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("alert %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("query alert: %w", err)
	}
	if to.Rank() <= current.Rank() {
		return nil
	}
	_, err = p.db.ExecContext(ctx, `
		UPDATE alerts SET severity = $2, sla_deadline = $3 WHERE id = $1`,
		id, to, SLADeadline(to, createdAt),
	)
	if err != nil {
		return fmt.Errorf("escalate alert: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
