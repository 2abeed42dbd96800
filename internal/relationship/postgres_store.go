package relationship

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/trustwire/trustwire/internal/idgen"
)

// PostgresStore persists the interaction graph in the user_relationships
// table, one row per canonical (pair, relationship type).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Upsert(ctx context.Context, a, b, relType string, value float64, at time.Time) (*Edge, error) {
	a, b = Canonical(a, b)
	var e Edge
	// The count increment, value accumulation and strength recompute
	// happen in one statement, so concurrent upserts for the same edge
	// serialize on the row lock.
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO user_relationships
			(id, user_a, user_b, relationship_type, interaction_count, total_value, strength, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, 1, $5, LEAST(1.0, LN(2.0) / LN(20.0)), $6, $6)
		ON CONFLICT (user_a, user_b, relationship_type) DO UPDATE SET
			interaction_count = user_relationships.interaction_count + 1,
			total_value = user_relationships.total_value + EXCLUDED.total_value,
			strength = LEAST(1.0, LN(user_relationships.interaction_count + 2.0) / LN(20.0)),
			last_seen_at = EXCLUDED.last_seen_at
		RETURNING id, user_a, user_b, relationship_type, interaction_count, total_value, strength, first_seen_at, last_seen_at`,
		idgen.WithPrefix("rel_"), a, b, relType, value, at,
	).Scan(&e.ID, &e.UserA, &e.UserB, &e.RelationshipType, &e.InteractionCount, &e.TotalValue, &e.Strength, &e.FirstSeenAt, &e.LastSeenAt)
	if err != nil {
		return nil, fmt.Errorf("upsert relationship: %w", err)
	}
	return &e, nil
}

func (p *PostgresStore) Neighbors(ctx context.Context, userID string, minStrength float64) ([]Neighbor, error) {
	// Collapse the per-kind edges of a pair to one neighbor row at the
	// strongest edge's strength.
	rows, err := p.db.QueryContext(ctx, `
		SELECT CASE WHEN user_a = $1 THEN user_b ELSE user_a END AS neighbor, MAX(strength)
		FROM user_relationships
		WHERE (user_a = $1 OR user_b = $1)
		GROUP BY neighbor
		HAVING MAX(strength) > $2`,
		userID, minStrength,
	)
	if err != nil {
		return nil, fmt.Errorf("query neighbors: %w", err)
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var n Neighbor
		if err := rows.Scan(&n.UserID, &n.Strength); err != nil {
			return nil, fmt.Errorf("scan neighbor: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *PostgresStore) EdgesTouching(ctx context.Context, userIDs []string, since time.Time) ([]*Edge, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_a, user_b, relationship_type, interaction_count, total_value, strength, first_seen_at, last_seen_at
		FROM user_relationships
		WHERE (user_a = ANY($1) OR user_b = ANY($1)) AND last_seen_at >= $2`,
		pq.Array(userIDs), since,
	)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var out []*Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.ID, &e.UserA, &e.UserB, &e.RelationshipType, &e.InteractionCount, &e.TotalValue, &e.Strength, &e.FirstSeenAt, &e.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Edge(ctx context.Context, a, b, relType string) (*Edge, error) {
	a, b = Canonical(a, b)
	var e Edge
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_a, user_b, relationship_type, interaction_count, total_value, strength, first_seen_at, last_seen_at
		FROM user_relationships
		WHERE user_a = $1 AND user_b = $2 AND relationship_type = $3`,
		a, b, relType,
	).Scan(&e.ID, &e.UserA, &e.UserB, &e.RelationshipType, &e.InteractionCount, &e.TotalValue, &e.Strength, &e.FirstSeenAt, &e.LastSeenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query edge: %w", err)
	}
	return &e, nil
}

var _ Store = (*PostgresStore)(nil)
