// Package relationship maintains the interaction graph between users.
// Edges are undirected and stored once per (pair, relationship type)
// under a canonical key; strength grows with interaction count on a log
// scale and saturates at 1, and monetary interactions accumulate a
// total value on the edge.
package relationship

import (
	"context"
	"math"
	"time"
)

// Relationship kinds. A user pair carries one edge per kind, so messaging
// and transacting between the same two users are tracked separately.
const (
	TypeMessaging   = "messaging"
	TypeTransaction = "transaction"
	TypeBooking     = "booking"
	TypeRating      = "rating"
)

// Edge is one undirected relationship of one kind between two users.
// UserA is always the lexicographically smaller id, so (a, b) and (b, a)
// map to the same row. TotalValue sums the monetary value of the
// interactions on the edge and only ever grows.
type Edge struct {
	ID               string    `json:"id"`
	UserA            string    `json:"user_a"`
	UserB            string    `json:"user_b"`
	RelationshipType string    `json:"relationship_type"`
	InteractionCount int       `json:"interaction_count"`
	TotalValue       float64   `json:"total_value"`
	Strength         float64   `json:"strength"` // [0, 1]
	FirstSeenAt      time.Time `json:"first_seen_at"`
	LastSeenAt       time.Time `json:"last_seen_at"`
}

// Canonical orders a user pair so the smaller id comes first.
func Canonical(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// strengthSaturation is the interaction count at which an edge reaches
// full strength.
const strengthSaturation = 20

// Strength maps an interaction count to edge strength on a log scale:
// min(1, ln(count+1) / ln(20)). One interaction is a weak tie (~0.23),
// twenty or more saturate at 1.
func Strength(count int) float64 {
	if count <= 0 {
		return 0
	}
	s := math.Log(float64(count)+1) / math.Log(strengthSaturation)
	return math.Min(1, s)
}

// Neighbor is an adjacent user together with the connecting edge strength.
type Neighbor struct {
	UserID   string  `json:"user_id"`
	Strength float64 `json:"strength"`
}

// Store persists the interaction graph.
type Store interface {
	// Upsert records one interaction of the given kind between a user
	// pair: it creates the edge at count 1 or increments the existing
	// count, adds value to the edge's running total, recomputes
	// strength, and returns the resulting edge. The pair need not be in
	// canonical order.
	Upsert(ctx context.Context, a, b, relType string, value float64, at time.Time) (*Edge, error)

	// Neighbors returns the users adjacent to userID over any edge kind
	// with strength strictly above minStrength. A neighbor connected by
	// several kinds appears once, at the strongest edge's strength.
	Neighbors(ctx context.Context, userID string, minStrength float64) ([]Neighbor, error)

	// EdgesTouching returns every edge incident to any of the given
	// users seen since the cutoff. Used for component expansion.
	EdgesTouching(ctx context.Context, userIDs []string, since time.Time) ([]*Edge, error)

	// Edge returns the edge of one kind for a pair, or (nil, nil) when
	// absent.
	Edge(ctx context.Context, a, b, relType string) (*Edge, error)
}
