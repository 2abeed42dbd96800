// Package leakage tracks user pairs drifting toward off-platform
// transacting through a four-stage funnel. One funnel instance is active
// per pair per rolling window; the stage only ever moves forward, and
// evidence accumulates, never gets replaced.
package leakage

import (
	"context"
	"time"
)

// Funnel stages, strictly forward-moving.
const (
	StageSignal       = "signal"
	StageAttempt      = "attempt"
	StageConfirmation = "confirmation"
	StageLeakage      = "leakage"
)

// stageRank orders stages for monotonicity checks.
func stageRank(stage string) int {
	switch stage {
	case StageSignal:
		return 0
	case StageAttempt:
		return 1
	case StageConfirmation:
		return 2
	case StageLeakage:
		return 3
	}
	return -1
}

// Window is the rolling lookback that bounds an active funnel instance.
const Window = 7 * 24 * time.Hour

// Destination classifications, ordered by priority: when a pair shows
// several signal types, the highest-priority matching destination wins.
const (
	DestMessagingApp    = "messaging_app"
	DestSocialMedia     = "social_media"
	DestPhone           = "phone"
	DestEmail           = "email"
	DestExternalPayment = "external_payment"
)

// Event is one funnel instance for a (user, counterparty) pair.
type Event struct {
	ID                   string                 `json:"id"`
	UserID               string                 `json:"user_id"`
	CounterpartyID       string                 `json:"counterparty_id"`
	Stage                string                 `json:"stage"`
	SignalIDs            []string               `json:"signal_ids"`
	SignalTypes          []string               `json:"signal_types"`
	Evidence             map[string]interface{} `json:"evidence"`
	EstimatedRevenueLoss *float64               `json:"estimated_revenue_loss,omitempty"`
	PlatformDestination  string                 `json:"platform_destination,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at"`
}

// HasSignalType reports whether the funnel already recorded a signal type.
func (e *Event) HasSignalType(t string) bool {
	for _, st := range e.SignalTypes {
		if st == t {
			return true
		}
	}
	return false
}

// Store persists funnel instances.
type Store interface {
	// ActiveForPair returns the most recent funnel instance for the pair
	// created since the cutoff, in either orientation, or (nil, nil).
	ActiveForPair(ctx context.Context, userID, counterpartyID string, since time.Time) (*Event, error)

	// Create inserts a fresh stage-1 instance.
	Create(ctx context.Context, e *Event) error

	// Save persists an advanced or enriched instance. The stored stage
	// must never regress; implementations reject a lower stage.
	Save(ctx context.Context, e *Event) error
}

// BookingStats supplies the revenue-loss estimate inputs.
type BookingStats interface {
	// LastAmountBetween returns the most recent booking amount between
	// the pair, in either orientation. ok is false when none exists.
	LastAmountBetween(ctx context.Context, a, b string) (amount float64, ok bool, err error)

	// AverageCompletedAmount returns the platform-wide average completed
	// booking amount, zero when no bookings exist.
	AverageCompletedAmount(ctx context.Context) (float64, error)
}

// destinationPriority maps signal types to destinations, highest priority
// first.
var destinationPriority = []struct {
	signalType  string
	destination string
}{
	{"CONTACT_MESSAGING_APP", DestMessagingApp},
	{"CONTACT_SOCIAL", DestSocialMedia},
	{"CONTACT_PHONE", DestPhone},
	{"CONTACT_EMAIL", DestEmail},
	{"PAYMENT_EXTERNAL", DestExternalPayment},
}

// ClassifyDestination derives the platform destination from the signal
// types seen; first priority match wins. Types with no destination (pure
// intent) yield "".
func ClassifyDestination(signalTypes []string) string {
	seen := make(map[string]bool, len(signalTypes))
	for _, t := range signalTypes {
		seen[t] = true
	}
	for _, p := range destinationPriority {
		if seen[p.signalType] {
			return p.destination
		}
	}
	return ""
}
