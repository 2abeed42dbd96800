// Package contagion propagates risk through the interaction graph: when a
// high-risk user's relationships change, their neighbors collect a
// NETWORK_CONTAGION signal proportional to edge strength. Contagion writes
// evidence, never scores, so scoring stays the single place numbers change.
package contagion

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/trustwire/trustwire/internal/events"
	"github.com/trustwire/trustwire/internal/relationship"
	"github.com/trustwire/trustwire/internal/signals"
)

// ConsumerName is the stable dead-letter retry name for the detector.
const ConsumerName = "contagion-detector"

const (
	// factor scales how much of a source's score bleeds across an edge.
	factor = 0.15
	// minStrength is exclusive: weaker edges do not conduct.
	minStrength = 0.1
	// minDelta is the noise floor: propagation that would move a
	// neighbor's score by less than one point is skipped.
	minDelta = 1.0
	// maxScore caps how high contagion can push a neighbor.
	maxScore = 100.0
	// maxConfidence caps contagion evidence below direct evidence.
	maxConfidence = 0.8
)

// Detector reacts to relationship updates by propagating from any
// high-risk endpoint to its neighbors.
type Detector struct {
	graph  relationship.Store
	scores signals.Store
	logger *slog.Logger
}

func NewDetector(graph relationship.Store, scores signals.Store, logger *slog.Logger) *Detector {
	return &Detector{graph: graph, scores: scores, logger: logger}
}

// Register attaches the detector to the bus for the event types that can
// change a user's score.
func (d *Detector) Register(bus events.Bus) {
	bus.RegisterConsumer(events.Consumer{
		Name: ConsumerName,
		EventTypes: []events.EventType{
			events.TransactionCompleted,
			events.BookingCompleted,
			events.BookingCancelled,
			events.RatingSubmitted,
			events.RelationshipUpdated,
		},
		Handler: d.Handle,
	})
}

// Handle propagates from every user named in the envelope that carries a
// high-risk score.
func (d *Detector) Handle(ctx context.Context, ev *events.Envelope) error {
	for _, userID := range subjectsOf(ev) {
		if err := d.Propagate(ctx, userID, ev.ID); err != nil {
			return err
		}
	}
	return nil
}

// subjectsOf lists the users whose score the envelope may have changed.
func subjectsOf(ev *events.Envelope) []string {
	var keys []string
	switch ev.Type {
	case events.TransactionCompleted:
		keys = []string{"user_id", "counterparty_id"}
	case events.BookingCompleted, events.BookingCancelled:
		keys = []string{"client_id", "provider_id"}
	case events.RatingSubmitted:
		keys = []string{"provider_id"}
	case events.RelationshipUpdated:
		keys = []string{"user_a_id", "user_b_id"}
	}
	var out []string
	for _, k := range keys {
		if id := ev.String(k); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Propagate writes a NETWORK_CONTAGION signal to every scored neighbor of
// source that is reachable over a conducting edge, when the move the delta
// would make on the neighbor's score clears the noise floor. sourceEventID
// ties the evidence back to the envelope that triggered propagation.
func (d *Detector) Propagate(ctx context.Context, source, sourceEventID string) error {
	score, err := d.scores.LatestScore(ctx, source)
	if err != nil {
		return fmt.Errorf("score for %s: %w", source, err)
	}
	if score == nil || !score.Tier.HighRisk() {
		return nil
	}

	neighbors, err := d.graph.Neighbors(ctx, source, minStrength)
	if err != nil {
		return fmt.Errorf("neighbors of %s: %w", source, err)
	}

	for _, n := range neighbors {
		delta := score.Score * n.Strength * factor
		if delta < minDelta {
			continue
		}

		// Contagion only amplifies existing risk: neighbors with no
		// score yet are left alone, and a neighbor already near the
		// ceiling is skipped when the capped move would be under a
		// point.
		neighborScore, err := d.scores.LatestScore(ctx, n.UserID)
		if err != nil {
			return fmt.Errorf("score for neighbor %s: %w", n.UserID, err)
		}
		if neighborScore == nil {
			continue
		}
		applied := math.Min(maxScore, neighborScore.Score+delta) - neighborScore.Score
		if applied < minDelta {
			continue
		}

		sig := &signals.Signal{
			UserID:        n.UserID,
			SignalType:    signals.NetworkContagion,
			Confidence:    math.Min(maxConfidence, n.Strength*maxConfidence),
			SourceEventID: sourceEventID,
			Evidence: map[string]interface{}{
				"source_user_id": source,
				"source_score":   score.Score,
				"source_tier":    string(score.Tier),
				"edge_strength":  n.Strength,
				"delta":          math.Round(applied*10) / 10,
			},
		}
		if err := d.scores.InsertSignal(ctx, sig); err != nil {
			return fmt.Errorf("insert contagion signal for %s: %w", n.UserID, err)
		}
		propagations.Inc()
		d.logger.Debug("risk propagated",
			"source", source, "target", n.UserID, "strength", n.Strength, "delta", applied)
	}
	return nil
}
