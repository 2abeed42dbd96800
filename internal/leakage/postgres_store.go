package leakage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists funnel instances in the leakage_events table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) ActiveForPair(ctx context.Context, userID, counterpartyID string, since time.Time) (*Event, error) {
	var e Event
	var evidence []byte
	var signalIDs, signalTypes pq.StringArray
	var loss sql.NullFloat64
	var dest sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, counterparty_id, stage, signal_ids, signal_types, evidence,
		       estimated_revenue_loss, platform_destination, created_at, updated_at
		FROM leakage_events
		WHERE ((user_id = $1 AND counterparty_id = $2) OR (user_id = $2 AND counterparty_id = $1))
		  AND created_at >= $3
		ORDER BY created_at DESC
		LIMIT 1`,
		userID, counterpartyID, since,
	).Scan(&e.ID, &e.UserID, &e.CounterpartyID, &e.Stage, &signalIDs, &signalTypes, &evidence,
		&loss, &dest, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query funnel: %w", err)
	}
	e.SignalIDs = signalIDs
	e.SignalTypes = signalTypes
	if loss.Valid {
		v := loss.Float64
		e.EstimatedRevenueLoss = &v
	}
	e.PlatformDestination = dest.String
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &e.Evidence); err != nil {
			return nil, fmt.Errorf("unmarshal evidence: %w", err)
		}
	}
	return &e, nil
}

func (p *PostgresStore) Create(ctx context.Context, e *Event) error {
	fillEvent(e)
	evidence, err := json.Marshal(e.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO leakage_events
			(id, user_id, counterparty_id, stage, signal_ids, signal_types, evidence,
			 estimated_revenue_loss, platform_destination, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)`,
		e.ID, e.UserID, e.CounterpartyID, e.Stage, pq.Array(e.SignalIDs), pq.Array(e.SignalTypes),
		evidence, e.EstimatedRevenueLoss, e.PlatformDestination, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert funnel: %w", err)
	}
	return nil
}

// stageRankSQL mirrors stageRank for the monotonicity guard in Save.
const stageRankSQL = `CASE stage
	WHEN 'signal' THEN 0 WHEN 'attempt' THEN 1
	WHEN 'confirmation' THEN 2 WHEN 'leakage' THEN 3 END`

func (p *PostgresStore) Save(ctx context.Context, e *Event) error {
	evidence, err := json.Marshal(e.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	e.UpdatedAt = time.Now().UTC()
	res, err := p.db.ExecContext(ctx, `
		UPDATE leakage_events SET
			stage = $2, signal_ids = $3, signal_types = $4, evidence = $5,
			estimated_revenue_loss = $6, platform_destination = NULLIF($7, ''), updated_at = $8
		WHERE id = $1 AND `+stageRankSQL+` <= $9`,
		e.ID, e.Stage, pq.Array(e.SignalIDs), pq.Array(e.SignalTypes), evidence,
		e.EstimatedRevenueLoss, e.PlatformDestination, e.UpdatedAt, stageRank(e.Stage),
	)
	if err != nil {
		return fmt.Errorf("update funnel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("funnel %s: not found or stage would regress", e.ID)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
