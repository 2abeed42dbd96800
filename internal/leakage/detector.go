package leakage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/trustwire/trustwire/internal/events"
	"github.com/trustwire/trustwire/internal/signals"
)

// ConsumerName is the stable dead-letter retry name for the detector.
const ConsumerName = "leakage-funnel"

// Detector drives the funnel state machine from message and
// booking-cancelled events. It reads off-platform signals written by
// upstream analysis; it never writes signals itself.
type Detector struct {
	funnel  Store
	signals signals.Store
	stats   BookingStats
	emitter *events.Emitter
	logger  *slog.Logger
	window  time.Duration
}

func NewDetector(funnel Store, sigStore signals.Store, stats BookingStats, emitter *events.Emitter, logger *slog.Logger, window time.Duration) *Detector {
	if window <= 0 {
		window = Window
	}
	return &Detector{funnel: funnel, signals: sigStore, stats: stats, emitter: emitter, logger: logger, window: window}
}

// Register attaches the detector to the bus. Edits count the same as new
// messages: contact details slipped into an existing message still feed
// the funnel.
func (d *Detector) Register(bus events.Bus) {
	bus.RegisterConsumer(events.Consumer{
		Name:       ConsumerName,
		EventTypes: []events.EventType{events.MessageCreated, events.MessageEdited, events.BookingCancelled},
		Handler:    d.Handle,
	})
}

func (d *Detector) Handle(ctx context.Context, ev *events.Envelope) error {
	switch ev.Type {
	case events.MessageCreated, events.MessageEdited:
		return d.handleMessage(ctx, ev)
	case events.BookingCancelled:
		return d.handleBookingCancelled(ctx, ev)
	}
	return nil
}

// handleMessage opens a funnel when off-platform signals exist for the
// pair, and advances signal → attempt when a previously unseen signal type
// appears. Repeats of known types never advance the stage.
func (d *Detector) handleMessage(ctx context.Context, ev *events.Envelope) error {
	user, counterparty := ev.String("sender_id"), ev.String("receiver_id")
	if user == "" || counterparty == "" {
		return nil
	}
	since := time.Now().UTC().Add(-d.window)

	sigs, err := d.pairSignals(ctx, user, counterparty, since)
	if err != nil {
		return err
	}

	inst, err := d.funnel.ActiveForPair(ctx, user, counterparty, since)
	if err != nil {
		return fmt.Errorf("lookup funnel %s/%s: %w", user, counterparty, err)
	}

	if inst == nil {
		if len(sigs) == 0 {
			return nil
		}
		return d.open(ctx, ev, user, counterparty, sigs)
	}

	if inst.Stage != StageSignal {
		// Later stages collect evidence from messages but only
		// booking outcomes move them.
		return d.enrich(ctx, inst, sigs)
	}

	newIDs, newTypes := unseen(inst, sigs)
	if len(newTypes) == 0 {
		return nil
	}

	inst.SignalIDs = append(inst.SignalIDs, newIDs...)
	inst.SignalTypes = append(inst.SignalTypes, newTypes...)
	inst.PlatformDestination = ClassifyDestination(inst.SignalTypes)
	appendEvidence(inst, "attempt_event_id", ev.ID)
	return d.advance(ctx, ev, inst, StageAttempt)
}

// handleBookingCancelled advances attempt → confirmation, and a further
// cancellation confirmation → leakage. Both transitions (re)estimate
// revenue loss.
func (d *Detector) handleBookingCancelled(ctx context.Context, ev *events.Envelope) error {
	client, provider := ev.String("client_id"), ev.String("provider_id")
	if client == "" || provider == "" {
		return nil
	}
	since := time.Now().UTC().Add(-d.window)

	inst, err := d.funnel.ActiveForPair(ctx, client, provider, since)
	if err != nil {
		return fmt.Errorf("lookup funnel %s/%s: %w", client, provider, err)
	}
	if inst == nil {
		return nil
	}

	var next string
	switch inst.Stage {
	case StageAttempt:
		next = StageConfirmation
	case StageConfirmation:
		next = StageLeakage
	default:
		return nil
	}

	loss, err := d.estimateLoss(ctx, client, provider)
	if err != nil {
		return err
	}
	inst.EstimatedRevenueLoss = &loss
	appendEvidence(inst, "cancelled_booking_id", ev.String("booking_id"))
	return d.advance(ctx, ev, inst, next)
}

// open creates a fresh stage-1 instance. No stage-advanced envelope is
// emitted: there is no previous stage.
func (d *Detector) open(ctx context.Context, ev *events.Envelope, user, counterparty string, sigs []*signals.Signal) error {
	ids, types := distinct(sigs)
	inst := &Event{
		UserID:              user,
		CounterpartyID:      counterparty,
		Stage:               StageSignal,
		SignalIDs:           ids,
		SignalTypes:         types,
		PlatformDestination: ClassifyDestination(types),
		Evidence: map[string]interface{}{
			"opened_by_event_id": ev.ID,
		},
	}
	if err := d.funnel.Create(ctx, inst); err != nil {
		return fmt.Errorf("create funnel %s/%s: %w", user, counterparty, err)
	}
	funnelsOpened.Inc()
	d.logger.Info("leakage funnel opened",
		"funnel_id", inst.ID, "user_id", user, "counterparty_id", counterparty,
		"destination", inst.PlatformDestination, "signal_types", len(types))
	return nil
}

// advance persists a forward transition and emits the stage-advanced
// envelope.
func (d *Detector) advance(ctx context.Context, cause *events.Envelope, inst *Event, next string) error {
	prev := inst.Stage
	inst.Stage = next
	if err := d.funnel.Save(ctx, inst); err != nil {
		return fmt.Errorf("advance funnel %s to %s: %w", inst.ID, next, err)
	}
	stageAdvances.WithLabelValues(next).Inc()
	d.logger.Info("leakage funnel advanced",
		"funnel_id", inst.ID, "user_id", inst.UserID, "counterparty_id", inst.CounterpartyID,
		"previous_stage", prev, "new_stage", next)
	d.emitter.LeakageStageAdvanced(ctx, cause, inst.ID, inst.UserID, inst.CounterpartyID, prev, next, inst.PlatformDestination)
	return nil
}

// enrich appends newly seen signals to a post-signal-stage instance
// without moving the stage.
func (d *Detector) enrich(ctx context.Context, inst *Event, sigs []*signals.Signal) error {
	newIDs, newTypes := unseen(inst, sigs)
	if len(newIDs) == 0 {
		return nil
	}
	inst.SignalIDs = append(inst.SignalIDs, newIDs...)
	inst.SignalTypes = append(inst.SignalTypes, newTypes...)
	if err := d.funnel.Save(ctx, inst); err != nil {
		return fmt.Errorf("enrich funnel %s: %w", inst.ID, err)
	}
	return nil
}

// estimateLoss prefers the latest booking amount between the pair and
// falls back to the platform average.
func (d *Detector) estimateLoss(ctx context.Context, a, b string) (float64, error) {
	amount, ok, err := d.stats.LastAmountBetween(ctx, a, b)
	if err != nil {
		return 0, fmt.Errorf("last booking amount %s/%s: %w", a, b, err)
	}
	if ok {
		return amount, nil
	}
	avg, err := d.stats.AverageCompletedAmount(ctx)
	if err != nil {
		return 0, fmt.Errorf("platform average booking amount: %w", err)
	}
	return avg, nil
}

// pairSignals returns the user's off-platform signals in the window that
// concern the counterparty. Signals without a counterparty in their
// evidence count for every pair.
func (d *Detector) pairSignals(ctx context.Context, user, counterparty string, since time.Time) ([]*signals.Signal, error) {
	all, err := d.signals.RecentSignals(ctx, user, signals.OffPlatformTypes, since, 0)
	if err != nil {
		return nil, fmt.Errorf("off-platform signals for %s: %w", user, err)
	}
	var out []*signals.Signal
	for _, s := range all {
		cp, _ := s.Evidence["counterparty_id"].(string)
		if cp == "" || cp == counterparty {
			out = append(out, s)
		}
	}
	return out, nil
}

// distinct collects all signal ids and the distinct signal types.
func distinct(sigs []*signals.Signal) (ids, types []string) {
	seen := make(map[string]bool)
	for _, s := range sigs {
		ids = append(ids, s.ID)
		if !seen[s.SignalType] {
			seen[s.SignalType] = true
			types = append(types, s.SignalType)
		}
	}
	return ids, types
}

// unseen filters sigs down to those whose type the instance has not
// recorded yet.
func unseen(inst *Event, sigs []*signals.Signal) (ids, types []string) {
	newTypes := make(map[string]bool)
	for _, s := range sigs {
		if inst.HasSignalType(s.SignalType) || newTypes[s.SignalType] {
			continue
		}
		newTypes[s.SignalType] = true
		ids = append(ids, s.ID)
		types = append(types, s.SignalType)
	}
	return ids, types
}

func appendEvidence(inst *Event, key string, value interface{}) {
	if inst.Evidence == nil {
		inst.Evidence = make(map[string]interface{})
	}
	inst.Evidence[key] = value
}
