package signals

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/trustwire/trustwire/internal/idgen"
)

// PostgresStore persists signals and scores in Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) InsertSignal(ctx context.Context, s *Signal) error {
	if s.ID == "" {
		s.ID = idgen.WithPrefix("sig_")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	evidence, err := json.Marshal(s.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO risk_signals (id, user_id, signal_type, confidence, evidence, source_event_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.UserID, s.SignalType, s.Confidence, evidence, s.SourceEventID, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

func (p *PostgresStore) RecentSignals(ctx context.Context, userID string, types []string, since time.Time, limit int) ([]*Signal, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, user_id, signal_type, confidence, evidence, source_event_id, created_at
		FROM risk_signals
		WHERE user_id = $1 AND created_at >= $2`
	args := []interface{}{userID, since}
	if len(types) > 0 {
		query += ` AND signal_type = ANY($3)`
		args = append(args, pq.Array(types))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []*Signal
	for rows.Next() {
		var s Signal
		var evidence []byte
		if err := rows.Scan(&s.ID, &s.UserID, &s.SignalType, &s.Confidence, &evidence, &s.SourceEventID, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		if len(evidence) > 0 {
			if err := json.Unmarshal(evidence, &s.Evidence); err != nil {
				return nil, fmt.Errorf("unmarshal evidence: %w", err)
			}
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) LatestScore(ctx context.Context, userID string) (*Score, error) {
	var s Score
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, score, tier, created_at
		FROM risk_scores
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, userID,
	).Scan(&s.ID, &s.UserID, &s.Score, &s.Tier, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest score: %w", err)
	}
	return &s, nil
}

func (p *PostgresStore) AppendScore(ctx context.Context, s *Score) error {
	if s.ID == "" {
		s.ID = idgen.WithPrefix("scr_")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO risk_scores (id, user_id, score, tier, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.UserID, s.Score, s.Tier, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert score: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
