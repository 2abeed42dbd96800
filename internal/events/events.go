// Package events implements the domain event distribution core: immutable
// envelopes, a consumer registry, an in-memory bus, and a durable bus with
// crash recovery and a persisted dead-letter queue.
//
// Envelopes are deduplicated by id, fanned out sequentially to registered
// consumers, and consumer failures are isolated per (envelope, consumer)
// pair. The durable variant persists envelopes before dispatch so a crash
// mid-fan-out never loses work.
package events

import (
	"context"
	"time"
)

// EventType identifies a kind of domain event. Types are a closed,
// dot-separated set; new types are additive and never reused with
// incompatible payload shapes.
type EventType string

const (
	MessageCreated EventType = "message.created"
	MessageEdited  EventType = "message.edited"
	MessageDeleted EventType = "message.deleted"

	TransactionInitiated EventType = "transaction.initiated"
	TransactionCompleted EventType = "transaction.completed"
	TransactionFailed    EventType = "transaction.failed"
	TransactionCancelled EventType = "transaction.cancelled"

	BookingCreated   EventType = "booking.created"
	BookingUpdated   EventType = "booking.updated"
	BookingCompleted EventType = "booking.completed"
	BookingCancelled EventType = "booking.cancelled"
	BookingNoShow    EventType = "booking.no_show"

	WalletDeposit    EventType = "wallet.deposit"
	WalletWithdrawal EventType = "wallet.withdrawal"
	WalletTransfer   EventType = "wallet.transfer"

	UserRegistered     EventType = "user.registered"
	UserStatusChanged  EventType = "user.status_changed"
	ProviderRegistered EventType = "provider.registered"

	RatingSubmitted     EventType = "rating.submitted"
	ContactFieldChanged EventType = "user.contact_field_changed"

	// Derived events emitted by detectors.
	RelationshipUpdated  EventType = "relationship.updated"
	LeakageStageAdvanced EventType = "leakage.stage_advanced"
)

// Wildcard registers a consumer or listener for every event type.
const Wildcard EventType = "*"

var knownTypes = map[EventType]struct{}{
	MessageCreated: {}, MessageEdited: {}, MessageDeleted: {},
	TransactionInitiated: {}, TransactionCompleted: {}, TransactionFailed: {}, TransactionCancelled: {},
	BookingCreated: {}, BookingUpdated: {}, BookingCompleted: {}, BookingCancelled: {}, BookingNoShow: {},
	WalletDeposit: {}, WalletWithdrawal: {}, WalletTransfer: {},
	UserRegistered: {}, UserStatusChanged: {}, ProviderRegistered: {},
	RatingSubmitted: {}, ContactFieldChanged: {},
	RelationshipUpdated: {}, LeakageStageAdvanced: {},
}

// Known reports whether t is part of the closed event type set.
func Known(t EventType) bool {
	_, ok := knownTypes[t]
	return ok
}

// Envelope is the immutable unit of work flowing through the bus.
// Envelopes are never mutated after construction; a correction is a
// new envelope with a new id.
type Envelope struct {
	ID            string                 `json:"id"`
	Type          EventType              `json:"type"`
	CorrelationID string                 `json:"correlation_id"`
	Timestamp     time.Time              `json:"timestamp"`
	Version       int                    `json:"version"`
	Payload       map[string]interface{} `json:"payload"`
}

// String returns a payload field as a string, or "" when absent.
func (e *Envelope) String(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

// Float returns a payload field as a float64, or 0 when absent.
// JSON round-trips turn all numbers into float64.
func (e *Envelope) Float(key string) float64 {
	switch v := e.Payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// HandlerFunc processes one envelope. Handlers must be idempotent:
// recovery and retries may invoke them more than once with the same
// envelope.
type HandlerFunc func(ctx context.Context, ev *Envelope) error

// Consumer is a named handler registered against one or more event types.
// Registration is append-only and happens at startup, before traffic flows.
type Consumer struct {
	Name       string
	EventTypes []EventType // nil or contains Wildcard => all events
	Handler    HandlerFunc
}

// ListenerFunc observes envelopes after dispatch. Listeners never
// participate in dedup or dead-lettering.
type ListenerFunc func(ev *Envelope)

// Bus is the contract shared by the in-memory and durable variants.
type Bus interface {
	Emit(ctx context.Context, ev *Envelope) error
	RegisterConsumer(c Consumer)
	On(t EventType, fn ListenerFunc)
	DeadLetters(ctx context.Context) ([]DeadLetterEntry, error)
	RetryDeadLetters(ctx context.Context) (RetryResult, error)
}

// DeadLetterEntry records one consumer's failure to process one envelope.
// RetryCount starts at 0 and increments only on a failed retry; entries at
// the retry ceiling are terminal.
type DeadLetterEntry struct {
	Event        *Envelope `json:"event"`
	ConsumerName string    `json:"consumer_name"`
	Error        string    `json:"error"`
	Timestamp    time.Time `json:"timestamp"`
	RetryCount   int       `json:"retry_count"`
}

// RetryResult summarizes one dead-letter retry sweep.
type RetryResult struct {
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
	Dropped int `json:"dropped"` // entries abandoned at the retry ceiling
}

// MaxRetries is the dead-letter retry ceiling. Entries that fail this many
// retries are dropped, counted, and recorded as permanent failures.
const MaxRetries = 3
