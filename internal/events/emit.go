package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/trustwire/trustwire/internal/idgen"
)

// Emitter wraps a Bus with typed, fire-and-forget envelope constructors for
// producers. Errors are logged but never returned to the caller.
type Emitter struct {
	bus    Bus
	logger *slog.Logger
}

// NewEmitter creates an emitter over the given bus.
func NewEmitter(bus Bus, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{bus: bus, logger: logger}
}

// NewEnvelope builds an envelope with a fresh id and correlation id.
func NewEnvelope(t EventType, payload map[string]interface{}) *Envelope {
	return &Envelope{
		ID:            idgen.WithPrefix("evt_"),
		Type:          t,
		CorrelationID: idgen.WithPrefix("cor_"),
		Timestamp:     time.Now().UTC(),
		Version:       1,
		Payload:       payload,
	}
}

// Correlated builds an envelope that shares the correlation id of a causing
// envelope, for derived events.
func Correlated(cause *Envelope, t EventType, payload map[string]interface{}) *Envelope {
	ev := NewEnvelope(t, payload)
	ev.CorrelationID = cause.CorrelationID
	return ev
}

func (e *Emitter) emit(ctx context.Context, ev *Envelope) {
	if e == nil || e.bus == nil {
		return
	}
	if err := e.bus.Emit(ctx, ev); err != nil {
		e.logger.Error("emit failed", "event_type", ev.Type, "event_id", ev.ID, "error", err)
	}
}

// MessageCreated emits a message.created envelope.
func (e *Emitter) MessageCreated(ctx context.Context, messageID, senderID, receiverID, content string) {
	e.emit(ctx, NewEnvelope(MessageCreated, map[string]interface{}{
		"message_id":  messageID,
		"sender_id":   senderID,
		"receiver_id": receiverID,
		"content":     content,
	}))
}

// TransactionCompleted emits a transaction.completed envelope.
func (e *Emitter) TransactionCompleted(ctx context.Context, txID, userID, counterpartyID string, amount float64, currency string) {
	e.emit(ctx, NewEnvelope(TransactionCompleted, map[string]interface{}{
		"transaction_id":  txID,
		"user_id":         userID,
		"counterparty_id": counterpartyID,
		"amount":          amount,
		"currency":        currency,
		"status":          "completed",
	}))
}

// BookingEvent emits one of the booking.* envelopes.
func (e *Emitter) BookingEvent(ctx context.Context, t EventType, bookingID, clientID, providerID, category string, amount float64) {
	e.emit(ctx, NewEnvelope(t, map[string]interface{}{
		"booking_id":       bookingID,
		"client_id":        clientID,
		"provider_id":      providerID,
		"service_category": category,
		"amount":           amount,
	}))
}

// WalletTransaction emits a wallet.* envelope keyed by transaction type.
func (e *Emitter) WalletTransaction(ctx context.Context, txType, walletTxID, userID, counterpartyID, paymentMethod string, amount float64) {
	byType := map[string]EventType{
		"deposit":    WalletDeposit,
		"withdrawal": WalletWithdrawal,
		"transfer":   WalletTransfer,
	}
	t, ok := byType[txType]
	if !ok {
		t = WalletDeposit
	}
	e.emit(ctx, NewEnvelope(t, map[string]interface{}{
		"wallet_tx_id":    walletTxID,
		"user_id":         userID,
		"counterparty_id": counterpartyID,
		"tx_type":         txType,
		"payment_method":  paymentMethod,
		"amount":          amount,
	}))
}

// RatingSubmitted emits a rating.submitted envelope.
func (e *Emitter) RatingSubmitted(ctx context.Context, ratingID, clientID, providerID string, score float64) {
	e.emit(ctx, NewEnvelope(RatingSubmitted, map[string]interface{}{
		"rating_id":   ratingID,
		"client_id":   clientID,
		"provider_id": providerID,
		"score":       score,
	}))
}

// UserRegistered emits a user.registered envelope.
func (e *Emitter) UserRegistered(ctx context.Context, userID, userType string) {
	e.emit(ctx, NewEnvelope(UserRegistered, map[string]interface{}{
		"user_id":   userID,
		"user_type": userType,
	}))
}

// RelationshipUpdated emits the derived relationship.updated envelope,
// correlated to the envelope that caused the edge change.
func (e *Emitter) RelationshipUpdated(ctx context.Context, cause *Envelope, relationshipID, userA, userB, relType string, interactionCount int) {
	e.emit(ctx, Correlated(cause, RelationshipUpdated, map[string]interface{}{
		"relationship_id":   relationshipID,
		"user_a_id":         userA,
		"user_b_id":         userB,
		"relationship_type": relType,
		"interaction_count": interactionCount,
	}))
}

// LeakageStageAdvanced emits the derived leakage.stage_advanced envelope.
func (e *Emitter) LeakageStageAdvanced(ctx context.Context, cause *Envelope, leakageEventID, userID, counterpartyID, previousStage, newStage, destination string) {
	e.emit(ctx, Correlated(cause, LeakageStageAdvanced, map[string]interface{}{
		"leakage_event_id":     leakageEventID,
		"user_id":              userID,
		"counterparty_id":      counterpartyID,
		"previous_stage":       previousStage,
		"new_stage":            newStage,
		"platform_destination": destination,
	}))
}
