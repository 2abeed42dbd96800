package relationship

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/trustwire/trustwire/internal/events"
)

// ConsumerName is the stable name the detector registers under. Dead-letter
// retries resolve the handler by this name, so it must not change between
// releases.
const ConsumerName = "relationship-detector"

// Detector turns pairwise interaction events into graph edge upserts. Each
// qualifying event strengthens exactly one edge and publishes
// relationship.updated so downstream graph detectors can react.
type Detector struct {
	store   Store
	emitter *events.Emitter
	logger  *slog.Logger
}

func NewDetector(store Store, emitter *events.Emitter, logger *slog.Logger) *Detector {
	return &Detector{store: store, emitter: emitter, logger: logger}
}

// Register attaches the detector to the bus.
func (d *Detector) Register(bus events.Bus) {
	bus.RegisterConsumer(events.Consumer{
		Name: ConsumerName,
		EventTypes: []events.EventType{
			events.MessageCreated,
			events.TransactionCompleted,
			events.BookingCreated,
			events.BookingCompleted,
			events.RatingSubmitted,
		},
		Handler: d.Handle,
	})
}

// Handle upserts the edge for the event's user pair. Upserts are
// idempotent per event only in count terms when replayed, which is
// acceptable: a replay strengthens an edge it already strengthened, and
// strength saturates.
func (d *Detector) Handle(ctx context.Context, ev *events.Envelope) error {
	a, b, relType, value, ok := pairFor(ev)
	if !ok {
		d.logger.Debug("event without a usable user pair", "event_id", ev.ID, "event_type", ev.Type)
		return nil
	}
	if a == b {
		return nil
	}

	edge, err := d.store.Upsert(ctx, a, b, relType, value, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("upsert edge %s/%s: %w", a, b, err)
	}

	edgesUpserted.WithLabelValues(relType).Inc()
	d.emitter.RelationshipUpdated(ctx, ev, edge.ID, edge.UserA, edge.UserB, edge.RelationshipType, edge.InteractionCount)
	return nil
}

// pairFor extracts the interacting user pair from an envelope, plus the
// monetary value the interaction moves (zero for non-monetary events).
// Events with a missing participant id are skipped rather than
// dead-lettered.
func pairFor(ev *events.Envelope) (a, b, relType string, value float64, ok bool) {
	switch ev.Type {
	case events.MessageCreated:
		a, b = ev.String("sender_id"), ev.String("receiver_id")
		relType = TypeMessaging
	case events.TransactionCompleted:
		a, b = ev.String("user_id"), ev.String("counterparty_id")
		relType = TypeTransaction
		value = ev.Float("amount")
	case events.BookingCreated, events.BookingCompleted:
		a, b = ev.String("client_id"), ev.String("provider_id")
		relType = TypeBooking
		value = ev.Float("amount")
	case events.RatingSubmitted:
		a, b = ev.String("client_id"), ev.String("provider_id")
		relType = TypeRating
	default:
		return "", "", "", 0, false
	}
	if a == "" || b == "" {
		return "", "", "", 0, false
	}
	return a, b, relType, value, true
}
