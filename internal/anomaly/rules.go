package anomaly

import (
	"context"
	"math"
	"time"

	"github.com/trustwire/trustwire/internal/activity"
	"github.com/trustwire/trustwire/internal/events"
	"github.com/trustwire/trustwire/internal/signals"
)

// Rule tuning. Thresholds are inclusive: value >= threshold breaches.
const (
	rapidCancellationWindow    = 7 * 24 * time.Hour
	rapidCancellationThreshold = 3

	valueAnomalySigma     = 2.0
	valueAnomalyMinSample = 5

	sameProviderWindow    = 7 * 24 * time.Hour
	sameProviderThreshold = 4

	nightClusterWindow    = 7 * 24 * time.Hour
	nightClusterThreshold = 3

	rapidTopupWindow    = time.Hour
	rapidTopupThreshold = 3

	methodSwitchWindow    = 24 * time.Hour
	methodSwitchThreshold = 3

	withdrawalSpikeWindow    = time.Hour
	withdrawalSpikeThreshold = 3

	sharedDeviceThreshold = 2
)

// DefaultRules builds the standard booking, payment, and device rules over
// the activity read model.
func DefaultRules(store activity.Store) []Rule {
	return []Rule{
		RapidCancellationRule(store),
		ValueAnomalyRule(store),
		SameProviderRule(store),
		NightClusterRule(store),
		RapidTopupRule(store),
		MethodSwitchRule(store),
		WithdrawalSpikeRule(store),
		SharedDeviceRule(store),
	}
}

// RapidCancellationRule flags clients who cancel repeatedly inside a week.
func RapidCancellationRule(store activity.Store) Rule {
	return Rule{
		Name:           "rapid-cancellation",
		SignalType:     signals.BookingRapidCancellation,
		EventTypes:     []events.EventType{events.BookingCancelled},
		BaseConfidence: 0.5,
		PerUnit:        0.1,
		Evaluate: func(ctx context.Context, ev *events.Envelope) (*Breach, error) {
			clientID := ev.String("client_id")
			if clientID == "" {
				return nil, nil
			}
			n, err := store.CountCancellations(ctx, clientID, time.Now().UTC().Add(-rapidCancellationWindow))
			if err != nil {
				return nil, err
			}
			if n < rapidCancellationThreshold {
				return nil, nil
			}
			return &Breach{
				UserID:    clientID,
				Value:     float64(n),
				Threshold: rapidCancellationThreshold,
				Evidence: map[string]interface{}{
					"cancellations": n,
					"window_hours":  int(rapidCancellationWindow.Hours()),
				},
			}, nil
		},
	}
}

// ValueAnomalyRule flags bookings more than two standard deviations from
// their category mean. Thin categories are skipped: with fewer than five
// observations the deviation is noise.
func ValueAnomalyRule(store activity.Store) Rule {
	return Rule{
		Name:           "value-anomaly",
		SignalType:     signals.BookingValueAnomaly,
		EventTypes:     []events.EventType{events.BookingCreated},
		BaseConfidence: 0.6,
		PerUnit:        0.1,
		Evaluate: func(ctx context.Context, ev *events.Envelope) (*Breach, error) {
			clientID, category := ev.String("client_id"), ev.String("service_category")
			amount := ev.Float("amount")
			if clientID == "" || category == "" {
				return nil, nil
			}
			stats, err := store.CategoryAmountStats(ctx, category)
			if err != nil {
				return nil, err
			}
			if stats.Count < valueAnomalyMinSample || stats.StdDev == 0 {
				return nil, nil
			}
			z := math.Abs(amount-stats.Mean) / stats.StdDev
			if z < valueAnomalySigma {
				return nil, nil
			}
			return &Breach{
				UserID:    clientID,
				Value:     z,
				Threshold: valueAnomalySigma,
				Evidence: map[string]interface{}{
					"amount":        amount,
					"category":      category,
					"category_mean": stats.Mean,
					"category_std":  stats.StdDev,
					"z_score":       z,
				},
			}, nil
		},
	}
}

// SameProviderRule flags clients who book the same provider repeatedly
// inside a week, a common shill/collusion pattern.
func SameProviderRule(store activity.Store) Rule {
	return Rule{
		Name:           "same-provider-repeat",
		SignalType:     signals.BookingSameProvider,
		EventTypes:     []events.EventType{events.BookingCreated},
		BaseConfidence: 0.4,
		PerUnit:        0.1,
		Evaluate: func(ctx context.Context, ev *events.Envelope) (*Breach, error) {
			clientID, providerID := ev.String("client_id"), ev.String("provider_id")
			if clientID == "" || providerID == "" {
				return nil, nil
			}
			n, err := store.CountBookingsWithProvider(ctx, clientID, providerID, time.Now().UTC().Add(-sameProviderWindow))
			if err != nil {
				return nil, err
			}
			if n < sameProviderThreshold {
				return nil, nil
			}
			return &Breach{
				UserID:    clientID,
				Value:     float64(n),
				Threshold: sameProviderThreshold,
				Evidence: map[string]interface{}{
					"provider_id": providerID,
					"bookings":    n,
				},
			}, nil
		},
	}
}

// NightClusterRule flags clients whose recent bookings cluster in the
// night hours.
func NightClusterRule(store activity.Store) Rule {
	return Rule{
		Name:           "night-clustering",
		SignalType:     signals.BookingTimeClustering,
		EventTypes:     []events.EventType{events.BookingCreated},
		BaseConfidence: 0.4,
		PerUnit:        0.1,
		Evaluate: func(ctx context.Context, ev *events.Envelope) (*Breach, error) {
			clientID := ev.String("client_id")
			if clientID == "" {
				return nil, nil
			}
			night, total, err := store.NightBookings(ctx, clientID, time.Now().UTC().Add(-nightClusterWindow))
			if err != nil {
				return nil, err
			}
			if night < nightClusterThreshold {
				return nil, nil
			}
			return &Breach{
				UserID:    clientID,
				Value:     float64(night),
				Threshold: nightClusterThreshold,
				Evidence: map[string]interface{}{
					"night_bookings": night,
					"total_bookings": total,
				},
			}, nil
		},
	}
}

// RapidTopupRule flags bursts of wallet deposits inside an hour.
func RapidTopupRule(store activity.Store) Rule {
	return Rule{
		Name:           "rapid-topup",
		SignalType:     signals.PaymentRapidTopup,
		EventTypes:     []events.EventType{events.WalletDeposit},
		BaseConfidence: 0.5,
		PerUnit:        0.15,
		Evaluate: func(ctx context.Context, ev *events.Envelope) (*Breach, error) {
			return countTxBreach(ctx, store, ev, activity.TxDeposit, rapidTopupWindow, rapidTopupThreshold)
		},
	}
}

// WithdrawalSpikeRule flags bursts of withdrawals inside an hour.
func WithdrawalSpikeRule(store activity.Store) Rule {
	return Rule{
		Name:           "withdrawal-spike",
		SignalType:     signals.PaymentWithdrawalSpike,
		EventTypes:     []events.EventType{events.WalletWithdrawal},
		BaseConfidence: 0.5,
		PerUnit:        0.15,
		Evaluate: func(ctx context.Context, ev *events.Envelope) (*Breach, error) {
			return countTxBreach(ctx, store, ev, activity.TxWithdrawal, withdrawalSpikeWindow, withdrawalSpikeThreshold)
		},
	}
}

// countTxBreach is the shared count-in-window evaluation for wallet rules.
func countTxBreach(ctx context.Context, store activity.Store, ev *events.Envelope, txType string, window time.Duration, threshold int) (*Breach, error) {
	userID := ev.String("user_id")
	if userID == "" {
		return nil, nil
	}
	txs, err := store.WalletTransactions(ctx, userID, txType, time.Now().UTC().Add(-window))
	if err != nil {
		return nil, err
	}
	if len(txs) < threshold {
		return nil, nil
	}
	total := 0.0
	for _, tx := range txs {
		total += tx.Amount
	}
	return &Breach{
		UserID:    userID,
		Value:     float64(len(txs)),
		Threshold: float64(threshold),
		Evidence: map[string]interface{}{
			"transactions":   len(txs),
			"total_amount":   total,
			"window_minutes": int(window.Minutes()),
		},
	}, nil
}

// MethodSwitchRule flags users cycling through payment methods inside a
// day.
func MethodSwitchRule(store activity.Store) Rule {
	return Rule{
		Name:           "method-switching",
		SignalType:     signals.PaymentMethodSwitch,
		EventTypes:     []events.EventType{events.WalletDeposit, events.WalletWithdrawal, events.WalletTransfer},
		BaseConfidence: 0.5,
		PerUnit:        0.15,
		Evaluate: func(ctx context.Context, ev *events.Envelope) (*Breach, error) {
			userID := ev.String("user_id")
			if userID == "" {
				return nil, nil
			}
			txs, err := store.WalletTransactions(ctx, userID, "", time.Now().UTC().Add(-methodSwitchWindow))
			if err != nil {
				return nil, err
			}
			methods := make(map[string]bool)
			for _, tx := range txs {
				if tx.PaymentMethod != "" {
					methods[tx.PaymentMethod] = true
				}
			}
			if len(methods) < methodSwitchThreshold {
				return nil, nil
			}
			return &Breach{
				UserID:    userID,
				Value:     float64(len(methods)),
				Threshold: methodSwitchThreshold,
				Evidence: map[string]interface{}{
					"distinct_methods": len(methods),
					"transactions":     len(txs),
				},
			}, nil
		},
	}
}

// SharedDeviceRule flags a device fingerprint mapping to multiple users.
func SharedDeviceRule(store activity.Store) Rule {
	return Rule{
		Name:           "shared-device",
		SignalType:     signals.DeviceShared,
		EventTypes:     []events.EventType{events.UserRegistered},
		BaseConfidence: 0.6,
		PerUnit:        0.1,
		Evaluate: func(ctx context.Context, ev *events.Envelope) (*Breach, error) {
			userID, hash := ev.String("user_id"), ev.String("device_hash")
			if userID == "" || hash == "" {
				return nil, nil
			}
			users, err := store.UsersForDevice(ctx, hash)
			if err != nil {
				return nil, err
			}
			if len(users) < sharedDeviceThreshold {
				return nil, nil
			}
			return &Breach{
				UserID:    userID,
				Value:     float64(len(users)),
				Threshold: sharedDeviceThreshold,
				Evidence: map[string]interface{}{
					"device_hash": hash,
					"user_count":  len(users),
					"user_ids":    users,
				},
			}, nil
		},
	}
}
