// Package cluster detects coordinated fraud groups: connected components in
// the recent interaction graph where most members already carry high risk.
package cluster

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/trustwire/trustwire/internal/alerts"
	"github.com/trustwire/trustwire/internal/events"
	"github.com/trustwire/trustwire/internal/relationship"
	"github.com/trustwire/trustwire/internal/signals"
)

// ConsumerName is the stable dead-letter retry name for the detector.
const ConsumerName = "cluster-detector"

const (
	// minComponentSize is exclusive: a component qualifies only with
	// more members than this.
	minComponentSize = 3
	// minRiskRatio is exclusive: more than half the members must be
	// high risk.
	minRiskRatio = 0.5
	// maxAlertMembers caps the member ids carried in an alert.
	maxAlertMembers = 10
)

// Config tunes detection.
type Config struct {
	// EvalDelay defers evaluation after a relationship update so a burst
	// of interactions settles into one evaluation of the final graph.
	// Zero or negative evaluates synchronously.
	EvalDelay time.Duration

	// Window bounds how far back component edges may reach.
	Window time.Duration

	// AlertWindow suppresses re-alerting on an unchanged membership.
	AlertWindow time.Duration
}

// DefaultConfig matches production tuning.
func DefaultConfig() Config {
	return Config{
		EvalDelay:   2 * time.Second,
		Window:      48 * time.Hour,
		AlertWindow: 48 * time.Hour,
	}
}

// Detector walks the component around a user whose relationships changed
// and raises a FRAUD_CLUSTER alert when the group qualifies.
type Detector struct {
	graph  relationship.Store
	scores signals.Store
	alerts alerts.Store
	logger *slog.Logger
	cfg    Config

	wg sync.WaitGroup
}

func NewDetector(graph relationship.Store, scores signals.Store, alertStore alerts.Store, logger *slog.Logger, cfg Config) *Detector {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.AlertWindow <= 0 {
		cfg.AlertWindow = DefaultConfig().AlertWindow
	}
	return &Detector{graph: graph, scores: scores, alerts: alertStore, logger: logger, cfg: cfg}
}

// Register attaches the detector to the bus.
func (d *Detector) Register(bus events.Bus) {
	bus.RegisterConsumer(events.Consumer{
		Name:       ConsumerName,
		EventTypes: []events.EventType{events.RelationshipUpdated},
		Handler:    d.Handle,
	})
}

// Handle schedules component evaluation around the updated edge's users.
// With a positive EvalDelay the evaluation runs later on its own goroutine
// and its errors are logged, not dead-lettered; the next relationship
// update retries naturally.
func (d *Detector) Handle(ctx context.Context, ev *events.Envelope) error {
	seed := ev.String("user_a_id")
	if seed == "" {
		return nil
	}

	if d.cfg.EvalDelay <= 0 {
		return d.Evaluate(ctx, seed)
	}

	d.wg.Add(1)
	time.AfterFunc(d.cfg.EvalDelay, func() {
		defer d.wg.Done()
		if err := d.Evaluate(context.Background(), seed); err != nil {
			d.logger.Error("cluster evaluation failed", "seed_user", seed, "error", err)
		}
	})
	return nil
}

// Wait blocks until all deferred evaluations finish. For shutdown and tests.
func (d *Detector) Wait() {
	d.wg.Wait()
}

// Evaluate expands the connected component containing seed over recent
// edges and raises an alert when it qualifies.
func (d *Detector) Evaluate(ctx context.Context, seed string) error {
	since := time.Now().UTC().Add(-d.cfg.Window)
	members, err := d.component(ctx, seed, since)
	if err != nil {
		return err
	}
	evaluations.Inc()

	if len(members) <= minComponentSize {
		return nil
	}

	// The ratio denominator is members with any score at all: unscored
	// users are unknowns, not evidence of innocence.
	highRisk, scored := 0, 0
	scoreSum := 0.0
	for _, id := range members {
		score, err := d.scores.LatestScore(ctx, id)
		if err != nil {
			return fmt.Errorf("score for %s: %w", id, err)
		}
		if score == nil {
			continue
		}
		scored++
		scoreSum += score.Score
		if score.Tier.HighRisk() {
			highRisk++
		}
	}
	if scored == 0 {
		return nil
	}
	ratio := float64(highRisk) / float64(scored)
	if ratio <= minRiskRatio {
		return nil
	}

	hash := MembershipHash(members)
	seen, err := d.alerts.HasRecentClusterAlert(ctx, hash, time.Now().UTC().Add(-d.cfg.AlertWindow))
	if err != nil {
		return fmt.Errorf("cluster dedup check: %w", err)
	}
	if seen {
		return nil
	}

	sample := members
	if len(sample) > maxAlertMembers {
		sample = sample[:maxAlertMembers]
	}
	alert := &alerts.Alert{
		AlertType:   alerts.TypeFraudCluster,
		Severity:    alerts.SeverityCritical,
		Title:       fmt.Sprintf("coordinated cluster of %d users (%d high risk)", len(members), highRisk),
		UserIDs:     sample,
		ClusterHash: hash,
		Details: map[string]interface{}{
			"cluster_size":    len(members),
			"high_risk_count": highRisk,
			"risk_ratio":      ratio,
			"average_score":   scoreSum / float64(scored),
			"seed_user_id":    seed,
		},
	}
	if err := d.alerts.Insert(ctx, alert); err != nil {
		return fmt.Errorf("insert cluster alert: %w", err)
	}
	clustersDetected.Inc()
	d.logger.Warn("fraud cluster detected",
		"cluster_hash", hash, "size", len(members), "high_risk", highRisk, "risk_ratio", ratio)
	return nil
}

// component runs BFS from seed over edges seen since the cutoff and
// returns the sorted member ids.
func (d *Detector) component(ctx context.Context, seed string, since time.Time) ([]string, error) {
	visited := map[string]bool{seed: true}
	frontier := []string{seed}

	for len(frontier) > 0 {
		edges, err := d.graph.EdgesTouching(ctx, frontier, since)
		if err != nil {
			return nil, fmt.Errorf("edges touching %d users: %w", len(frontier), err)
		}
		var next []string
		for _, e := range edges {
			for _, id := range []string{e.UserA, e.UserB} {
				if !visited[id] {
					visited[id] = true
					next = append(next, id)
				}
			}
		}
		frontier = next
	}

	members := make([]string, 0, len(visited))
	for id := range visited {
		members = append(members, id)
	}
	sort.Strings(members)
	return members, nil
}

// MembershipHash derives the dedup key for a member set: the first 16 hex
// characters of sha256 over the sorted, comma-joined ids. Identical
// membership always produces the same hash regardless of discovery order.
func MembershipHash(members []string) string {
	sorted := make([]string, len(members))
	copy(sorted, members)
	sort.Strings(sorted)

	h := sha256.New()
	for i, id := range sorted {
		if i > 0 {
			h.Write([]byte(","))
		}
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
