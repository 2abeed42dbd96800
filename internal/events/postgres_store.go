package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/trustwire/trustwire/internal/idgen"
)

// PostgresAuditStore writes audit rows to the audit_logs table.
type PostgresAuditStore struct {
	db *sql.DB
}

// NewPostgresAuditStore creates a PostgreSQL-backed audit store.
func NewPostgresAuditStore(db *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

func (s *PostgresAuditStore) RecordEvent(ctx context.Context, ev *Envelope) error {
	keys := make([]string, 0, len(ev.Payload))
	for k := range ev.Payload {
		keys = append(keys, k)
	}
	details, err := json.Marshal(map[string]interface{}{
		"correlation_id": ev.CorrelationID,
		"event_type":     ev.Type,
		"payload_keys":   keys,
	})
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor, actor_type, action, entity_type, entity_id, details)
		VALUES ($1, 'system', 'event_bus', $2, 'event', $3, $4)`,
		idgen.WithPrefix("aud_"), "event."+string(ev.Type), ev.ID, details,
	)
	return err
}

func (s *PostgresAuditStore) RecordPermanentFailure(ctx context.Context, entry DeadLetterEntry) error {
	details, err := json.Marshal(map[string]interface{}{
		"consumer":    entry.ConsumerName,
		"error":       entry.Error,
		"retry_count": entry.RetryCount,
		"event_type":  entry.Event.Type,
	})
	if err != nil {
		return fmt.Errorf("marshal failure details: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor, actor_type, action, entity_type, entity_id, details)
		VALUES ($1, 'system', 'event_bus', 'dlq.exhausted', 'event', $2, $3)`,
		idgen.WithPrefix("aud_"), entry.Event.ID, details,
	)
	return err
}

// PostgresProcessedStore persists processed envelope ids for cross-restart
// deduplication.
type PostgresProcessedStore struct {
	db *sql.DB
}

// NewPostgresProcessedStore creates a PostgreSQL-backed processed store.
func NewPostgresProcessedStore(db *sql.DB) *PostgresProcessedStore {
	return &PostgresProcessedStore{db: db}
}

func (s *PostgresProcessedStore) Mark(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_events (event_id) VALUES ($1) ON CONFLICT DO NOTHING`, eventID)
	return err
}

func (s *PostgresProcessedStore) Seen(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_events WHERE event_id = $1`, eventID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PostgresPendingStore persists in-flight envelopes keyed by id.
type PostgresPendingStore struct {
	db *sql.DB
}

// NewPostgresPendingStore creates a PostgreSQL-backed pending store.
func NewPostgresPendingStore(db *sql.DB) *PostgresPendingStore {
	return &PostgresPendingStore{db: db}
}

func (s *PostgresPendingStore) Put(ctx context.Context, ev *Envelope) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_events (event_id, envelope)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO UPDATE SET envelope = EXCLUDED.envelope`,
		ev.ID, raw,
	)
	return err
}

func (s *PostgresPendingStore) Remove(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_events WHERE event_id = $1`, eventID)
	return err
}

func (s *PostgresPendingStore) List(ctx context.Context) ([]*Envelope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT envelope FROM pending_events ORDER BY enqueued_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Envelope
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ev Envelope
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal pending envelope: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *PostgresPendingStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_events`)
	return err
}

// PostgresDeadLetterStore persists dead-letter entries.
type PostgresDeadLetterStore struct {
	db *sql.DB
}

// NewPostgresDeadLetterStore creates a PostgreSQL-backed dead-letter store.
func NewPostgresDeadLetterStore(db *sql.DB) *PostgresDeadLetterStore {
	return &PostgresDeadLetterStore{db: db}
}

func (s *PostgresDeadLetterStore) Append(ctx context.Context, entry DeadLetterEntry) error {
	raw, err := json.Marshal(entry.Event)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (event_id, consumer_name, envelope, error, retry_count, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.Event.ID, entry.ConsumerName, raw, entry.Error, entry.RetryCount, entry.Timestamp,
	)
	return err
}

func (s *PostgresDeadLetterStore) List(ctx context.Context) ([]DeadLetterEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT consumer_name, envelope, error, retry_count, failed_at
		FROM dead_letters ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanDeadLetters(rows)
}

// Drain removes and returns every entry in one statement so concurrent
// sweeps never see the same entry twice.
func (s *PostgresDeadLetterStore) Drain(ctx context.Context) ([]DeadLetterEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM dead_letters
		RETURNING consumer_name, envelope, error, retry_count, failed_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanDeadLetters(rows)
}

func (s *PostgresDeadLetterStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters`)
	return err
}

func scanDeadLetters(rows *sql.Rows) ([]DeadLetterEntry, error) {
	var out []DeadLetterEntry
	for rows.Next() {
		var (
			entry DeadLetterEntry
			raw   []byte
		)
		if err := rows.Scan(&entry.ConsumerName, &raw, &entry.Error, &entry.RetryCount, &entry.Timestamp); err != nil {
			return nil, err
		}
		var ev Envelope
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal dead-letter envelope: %w", err)
		}
		entry.Event = &ev
		out = append(out, entry)
	}
	return out, rows.Err()
}

var (
	_ AuditStore      = (*PostgresAuditStore)(nil)
	_ ProcessedStore  = (*PostgresProcessedStore)(nil)
	_ PendingStore    = (*PostgresPendingStore)(nil)
	_ DeadLetterStore = (*PostgresDeadLetterStore)(nil)
)
