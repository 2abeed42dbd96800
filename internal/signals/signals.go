// Package signals defines risk signals and risk scores: the append-only
// outputs detectors write and the inputs graph detectors read.
//
// A signal records one piece of evidence against a user. A score is the
// latest aggregate per user; score rows are never updated in place, so the
// table doubles as an audit log of score history.
package signals

import (
	"context"
	"time"
)

// Signal types produced by the detectors in this repository plus the
// off-platform contact types consumed by the leakage funnel.
const (
	ContactPhone        = "CONTACT_PHONE"
	ContactEmail        = "CONTACT_EMAIL"
	ContactSocial       = "CONTACT_SOCIAL"
	ContactMessagingApp = "CONTACT_MESSAGING_APP"
	PaymentExternal     = "PAYMENT_EXTERNAL"
	OffPlatformIntent   = "OFF_PLATFORM_INTENT"

	NetworkContagion = "NETWORK_CONTAGION"

	BookingRapidCancellation = "BOOKING_RAPID_CANCELLATION"
	BookingValueAnomaly      = "BOOKING_VALUE_ANOMALY"
	BookingSameProvider      = "BOOKING_SAME_PROVIDER_REPEAT"
	BookingTimeClustering    = "BOOKING_TIME_CLUSTERING"

	PaymentRapidTopup      = "PAYMENT_RAPID_TOPUP"
	PaymentMethodSwitch    = "PAYMENT_METHOD_SWITCHING"
	PaymentWithdrawalSpike = "PAYMENT_WITHDRAWAL_SPIKE"

	DeviceShared = "DEVICE_SHARED"
)

// OffPlatformTypes are the signal types that feed the leakage funnel.
var OffPlatformTypes = []string{
	ContactPhone, ContactEmail, ContactSocial,
	ContactMessagingApp, PaymentExternal, OffPlatformIntent,
}

// Signal is one piece of risk evidence against a user.
type Signal struct {
	ID            string                 `json:"id"`
	UserID        string                 `json:"user_id"`
	SignalType    string                 `json:"signal_type"`
	Confidence    float64                `json:"confidence"` // [0, 1]
	Evidence      map[string]interface{} `json:"evidence"`
	SourceEventID string                 `json:"source_event_id"`
	CreatedAt     time.Time              `json:"created_at"`
}

// Tier buckets a score for policy decisions.
type Tier string

const (
	TierLow      Tier = "low"
	TierMedium   Tier = "medium"
	TierHigh     Tier = "high"
	TierCritical Tier = "critical"
)

// HighRisk reports whether the tier participates in contagion and cluster
// qualification.
func (t Tier) HighRisk() bool {
	return t == TierHigh || t == TierCritical
}

// TierFor buckets a numeric score.
func TierFor(score float64) Tier {
	switch {
	case score >= 80:
		return TierCritical
	case score >= 60:
		return TierHigh
	case score >= 40:
		return TierMedium
	default:
		return TierLow
	}
}

// Score is one row of a user's score history.
type Score struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Score     float64   `json:"score"` // [0, 100]
	Tier      Tier      `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists signals and score history.
type Store interface {
	// InsertSignal appends one signal row.
	InsertSignal(ctx context.Context, s *Signal) error

	// RecentSignals returns a user's signals of the given types since
	// the cutoff, newest first, up to limit. types nil means all types.
	RecentSignals(ctx context.Context, userID string, types []string, since time.Time, limit int) ([]*Signal, error)

	// LatestScore returns the most recent score row for a user, or
	// (nil, nil) when the user has no score yet.
	LatestScore(ctx context.Context, userID string) (*Score, error)

	// AppendScore appends one score row. Scores are never updated in
	// place; history is the audit trail.
	AppendScore(ctx context.Context, s *Score) error
}
