package anomaly

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustwire/trustwire/internal/activity"
	"github.com/trustwire/trustwire/internal/events"
	"github.com/trustwire/trustwire/internal/signals"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConfidence(t *testing.T) {
	assert.Equal(t, 0.5, Confidence(0.5, 0.1, 3, 3), "at threshold the base applies")
	assert.InDelta(t, 0.7, Confidence(0.5, 0.1, 5, 3), 1e-9)
	assert.Equal(t, 1.0, Confidence(0.5, 0.1, 50, 3), "capped at 1")
	assert.Equal(t, 0.5, Confidence(0.5, 0.1, 1, 3), "never below base")
}

// wiring returns a bus with the recorder and all default rules registered,
// so emitted events both update the read model and run the rules.
func wiring(t *testing.T) (*events.InMemoryBus, *activity.MemoryStore, *signals.MemoryStore) {
	t.Helper()
	bus := events.NewInMemoryBus(testLogger(), nil)
	actStore := activity.NewMemoryStore()
	sigStore := signals.NewMemoryStore()
	activity.NewRecorder(actStore, testLogger()).Register(bus)
	NewDetector(sigStore, testLogger(), DefaultRules(actStore)...).Register(bus)
	return bus, actStore, sigStore
}

func userSignals(t *testing.T, store *signals.MemoryStore, userID, signalType string) []*signals.Signal {
	t.Helper()
	got, err := store.RecentSignals(context.Background(), userID, []string{signalType}, time.Time{}, 0)
	require.NoError(t, err)
	return got
}

func cancelBooking(t *testing.T, bus *events.InMemoryBus, id string) {
	t.Helper()
	require.NoError(t, bus.Emit(context.Background(), events.NewEnvelope(events.BookingCancelled, map[string]interface{}{
		"booking_id":  id,
		"client_id":   "usr_a",
		"provider_id": "usr_p",
		"amount":      50.0,
	})))
}

func TestRapidCancellation(t *testing.T) {
	bus, _, sigStore := wiring(t)

	cancelBooking(t, bus, "bkg_1")
	cancelBooking(t, bus, "bkg_2")
	assert.Empty(t, userSignals(t, sigStore, "usr_a", signals.BookingRapidCancellation),
		"two cancellations stay under the threshold")

	cancelBooking(t, bus, "bkg_3")
	got := userSignals(t, sigStore, "usr_a", signals.BookingRapidCancellation)
	require.Len(t, got, 1)
	assert.Equal(t, 0.5, got[0].Confidence, "base confidence at the threshold")
	assert.Equal(t, 3, got[0].Evidence["cancellations"])
}

func TestValueAnomaly(t *testing.T) {
	bus, actStore, sigStore := wiring(t)
	now := time.Now().UTC()

	// Build a tight category distribution: mean 100, stddev ~7.07.
	for i, amount := range []float64{90, 95, 100, 105, 110} {
		require.NoError(t, actStore.UpsertBooking(context.Background(), &activity.Booking{
			ID: "bkg_seed_" + string(rune('a'+i)), ClientID: "usr_x", ProviderID: "usr_p",
			Category: "cleaning", Amount: amount, Status: activity.BookingStatusCompleted, OccurredAt: now,
		}))
	}

	// Within 2σ: no signal.
	require.NoError(t, bus.Emit(context.Background(), events.NewEnvelope(events.BookingCreated, map[string]interface{}{
		"booking_id": "bkg_ok", "client_id": "usr_a", "provider_id": "usr_p",
		"service_category": "cleaning", "amount": 110.0,
	})))
	assert.Empty(t, userSignals(t, sigStore, "usr_a", signals.BookingValueAnomaly))

	// Far outside: signal with z-score evidence.
	require.NoError(t, bus.Emit(context.Background(), events.NewEnvelope(events.BookingCreated, map[string]interface{}{
		"booking_id": "bkg_hot", "client_id": "usr_a", "provider_id": "usr_p",
		"service_category": "cleaning", "amount": 500.0,
	})))
	got := userSignals(t, sigStore, "usr_a", signals.BookingValueAnomaly)
	require.Len(t, got, 1)
	assert.Greater(t, got[0].Evidence["z_score"].(float64), 2.0)
}

func TestRapidTopup(t *testing.T) {
	bus, _, sigStore := wiring(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Emit(context.Background(), events.NewEnvelope(events.WalletDeposit, map[string]interface{}{
			"wallet_tx_id": "wtx_" + string(rune('a'+i)), "user_id": "usr_a",
			"tx_type": activity.TxDeposit, "payment_method": "card", "amount": 20.0,
		})))
	}

	got := userSignals(t, sigStore, "usr_a", signals.PaymentRapidTopup)
	require.Len(t, got, 1, "third deposit in the hour breaches")
	assert.Equal(t, 60.0, got[0].Evidence["total_amount"])
}

func TestMethodSwitching(t *testing.T) {
	bus, _, sigStore := wiring(t)

	for i, method := range []string{"card", "bank", "paypal"} {
		require.NoError(t, bus.Emit(context.Background(), events.NewEnvelope(events.WalletDeposit, map[string]interface{}{
			"wallet_tx_id": "wtx_" + string(rune('a'+i)), "user_id": "usr_b",
			"tx_type": activity.TxDeposit, "payment_method": method, "amount": 10.0,
		})))
	}

	got := userSignals(t, sigStore, "usr_b", signals.PaymentMethodSwitch)
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].Evidence["distinct_methods"])
}

func TestSharedDevice(t *testing.T) {
	bus, _, sigStore := wiring(t)

	register := func(user string) {
		require.NoError(t, bus.Emit(context.Background(), events.NewEnvelope(events.UserRegistered, map[string]interface{}{
			"user_id": user, "user_type": "client", "device_hash": "dev_1",
		})))
	}

	register("usr_a")
	assert.Empty(t, userSignals(t, sigStore, "usr_a", signals.DeviceShared))

	register("usr_b")
	got := userSignals(t, sigStore, "usr_b", signals.DeviceShared)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"usr_a", "usr_b"}, got[0].Evidence["user_ids"])
}

func TestSameProviderRepeat(t *testing.T) {
	bus, _, sigStore := wiring(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, bus.Emit(context.Background(), events.NewEnvelope(events.BookingCreated, map[string]interface{}{
			"booking_id": "bkg_" + string(rune('a'+i)), "client_id": "usr_a", "provider_id": "usr_p",
			"service_category": "cleaning", "amount": 50.0,
		})))
	}

	got := userSignals(t, sigStore, "usr_a", signals.BookingSameProvider)
	require.Len(t, got, 1, "fourth booking with the same provider breaches once")
	assert.Equal(t, 4, got[0].Evidence["bookings"])
}
