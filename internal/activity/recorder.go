package activity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/trustwire/trustwire/internal/events"
)

// RecorderName is the stable dead-letter retry name for the recorder.
const RecorderName = "activity-recorder"

// Recorder projects platform events into the read model. It runs before
// the anomaly detectors in registration order so their window queries see
// the triggering event.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Register attaches the recorder to the bus.
func (r *Recorder) Register(bus events.Bus) {
	bus.RegisterConsumer(events.Consumer{
		Name: RecorderName,
		EventTypes: []events.EventType{
			events.BookingCreated,
			events.BookingUpdated,
			events.BookingCompleted,
			events.BookingCancelled,
			events.BookingNoShow,
			events.WalletDeposit,
			events.WalletWithdrawal,
			events.WalletTransfer,
			events.UserRegistered,
		},
		Handler: r.Handle,
	})
}

var bookingStatus = map[events.EventType]string{
	events.BookingCreated:   BookingStatusCreated,
	events.BookingUpdated:   BookingStatusUpdated,
	events.BookingCompleted: BookingStatusCompleted,
	events.BookingCancelled: BookingStatusCancelled,
	events.BookingNoShow:    BookingStatusNoShow,
}

func (r *Recorder) Handle(ctx context.Context, ev *events.Envelope) error {
	switch ev.Type {
	case events.BookingCreated, events.BookingUpdated, events.BookingCompleted,
		events.BookingCancelled, events.BookingNoShow:
		if err := r.recordBooking(ctx, ev); err != nil {
			return err
		}
	case events.WalletDeposit, events.WalletWithdrawal, events.WalletTransfer:
		if err := r.recordWalletTransaction(ctx, ev); err != nil {
			return err
		}
	}

	// Device hashes ride along on several event types.
	if hash := ev.String("device_hash"); hash != "" {
		userID := ev.String("user_id")
		if userID == "" {
			userID = ev.String("client_id")
		}
		if userID != "" {
			if err := r.store.UpsertDevice(ctx, userID, hash, ev.Timestamp); err != nil {
				return fmt.Errorf("upsert device %s: %w", hash, err)
			}
		}
	}
	return nil
}

func (r *Recorder) recordBooking(ctx context.Context, ev *events.Envelope) error {
	id := ev.String("booking_id")
	if id == "" {
		r.logger.Debug("booking event without booking_id", "event_id", ev.ID)
		return nil
	}
	b := &Booking{
		ID:         id,
		ClientID:   ev.String("client_id"),
		ProviderID: ev.String("provider_id"),
		Category:   ev.String("service_category"),
		Amount:     ev.Float("amount"),
		Status:     bookingStatus[ev.Type],
		OccurredAt: ev.Timestamp,
	}
	if err := r.store.UpsertBooking(ctx, b); err != nil {
		return fmt.Errorf("upsert booking %s: %w", id, err)
	}
	return nil
}

func (r *Recorder) recordWalletTransaction(ctx context.Context, ev *events.Envelope) error {
	id := ev.String("wallet_tx_id")
	if id == "" {
		r.logger.Debug("wallet event without wallet_tx_id", "event_id", ev.ID)
		return nil
	}
	tx := &WalletTransaction{
		ID:             id,
		UserID:         ev.String("user_id"),
		CounterpartyID: ev.String("counterparty_id"),
		TxType:         ev.String("tx_type"),
		PaymentMethod:  ev.String("payment_method"),
		Amount:         ev.Float("amount"),
		OccurredAt:     ev.Timestamp,
	}
	if err := r.store.InsertWalletTransaction(ctx, tx); err != nil {
		return fmt.Errorf("insert wallet tx %s: %w", id, err)
	}
	return nil
}
