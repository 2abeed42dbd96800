// Package anomaly implements the windowed-threshold detector family:
// aggregate a metric over a trailing window, compare against a threshold,
// and write one risk signal on breach. All rules share the same shape and
// differ only in query, window, and threshold.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/trustwire/trustwire/internal/events"
	"github.com/trustwire/trustwire/internal/signals"
)

// Breach is a rule evaluation that crossed its threshold.
type Breach struct {
	UserID    string
	Value     float64
	Threshold float64
	Evidence  map[string]interface{}
}

// Rule is one windowed-threshold check. Evaluate returns nil when the
// envelope is not a breach.
type Rule struct {
	// Name suffixes the consumer name, so each rule keeps its own
	// dead-letter identity. Stable across releases.
	Name       string
	SignalType string
	EventTypes []events.EventType

	// BaseConfidence and PerUnit shape the breach confidence:
	// min(1, base + perUnit × (value − threshold)).
	BaseConfidence float64
	PerUnit        float64

	Evaluate func(ctx context.Context, ev *events.Envelope) (*Breach, error)
}

// Confidence computes a breach confidence: a base plus an increment per
// unit over threshold, capped at 1.
func Confidence(base, perUnit, value, threshold float64) float64 {
	over := value - threshold
	if over < 0 {
		over = 0
	}
	return math.Min(1, base+perUnit*over)
}

// Detector registers every rule as its own consumer and writes one signal
// per breach.
type Detector struct {
	store  signals.Store
	logger *slog.Logger
	rules  []Rule
}

func NewDetector(store signals.Store, logger *slog.Logger, rules ...Rule) *Detector {
	return &Detector{store: store, logger: logger, rules: rules}
}

// Register attaches one consumer per rule to the bus.
func (d *Detector) Register(bus events.Bus) {
	for i := range d.rules {
		rule := d.rules[i]
		bus.RegisterConsumer(events.Consumer{
			Name:       "anomaly-" + rule.Name,
			EventTypes: rule.EventTypes,
			Handler: func(ctx context.Context, ev *events.Envelope) error {
				return d.apply(ctx, rule, ev)
			},
		})
	}
}

func (d *Detector) apply(ctx context.Context, rule Rule, ev *events.Envelope) error {
	breach, err := rule.Evaluate(ctx, ev)
	if err != nil {
		return fmt.Errorf("rule %s: %w", rule.Name, err)
	}
	if breach == nil {
		return nil
	}

	sig := &signals.Signal{
		UserID:        breach.UserID,
		SignalType:    rule.SignalType,
		Confidence:    Confidence(rule.BaseConfidence, rule.PerUnit, breach.Value, breach.Threshold),
		SourceEventID: ev.ID,
		Evidence:      breach.Evidence,
	}
	if err := d.store.InsertSignal(ctx, sig); err != nil {
		return fmt.Errorf("rule %s: insert signal: %w", rule.Name, err)
	}
	breaches.WithLabelValues(rule.Name).Inc()
	d.logger.Info("anomaly detected",
		"rule", rule.Name, "user_id", breach.UserID,
		"value", breach.Value, "threshold", breach.Threshold, "confidence", sig.Confidence)
	return nil
}
