package notify

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustwire/trustwire/internal/alerts"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubscription_Matches(t *testing.T) {
	sub := &Subscription{
		Active:      true,
		AlertTypes:  []string{alerts.TypeFraudCluster},
		MinSeverity: alerts.SeverityHigh,
	}

	assert.True(t, sub.Matches(alerts.TypeFraudCluster, alerts.SeverityCritical))
	assert.True(t, sub.Matches(alerts.TypeFraudCluster, alerts.SeverityHigh))
	assert.False(t, sub.Matches(alerts.TypeFraudCluster, alerts.SeverityMedium), "below min severity")
	assert.False(t, sub.Matches(alerts.TypeLeakageConfirmed, alerts.SeverityCritical), "type not subscribed")

	sub.Active = false
	assert.False(t, sub.Matches(alerts.TypeFraudCluster, alerts.SeverityCritical), "inactive")

	all := &Subscription{Active: true, MinSeverity: alerts.SeverityLow}
	assert.True(t, all.Matches(alerts.TypeDLQExhausted, alerts.SeverityLow), "empty type list matches everything")
}

func TestDispatch_SignedDelivery(t *testing.T) {
	type received struct {
		body    []byte
		headers http.Header
	}
	var mu sync.Mutex
	var got *received

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = &received{body: body, headers: r.Header.Clone()}
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	sub := &Subscription{URL: srv.URL, Secret: "topsecret", Active: true, MinSeverity: alerts.SeverityLow}
	require.NoError(t, store.Create(ctx, sub))

	d := NewDispatcher(store, testLogger())
	alert := &alerts.Alert{
		ID:        "alrt_1",
		AlertType: alerts.TypeFraudCluster,
		Severity:  alerts.SeverityCritical,
		Title:     "fraud cluster detected",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, d.Dispatch(ctx, alert))
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got, "delivery never arrived")
	assert.Equal(t, alerts.TypeFraudCluster, got.headers.Get("X-Trustwire-Alert"))
	assert.Equal(t, "critical", got.headers.Get("X-Trustwire-Severity"))
	assert.Equal(t, Sign(got.body, "topsecret"), got.headers.Get("X-Trustwire-Signature"),
		"signature must verify against the delivered body")

	updated, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.NotNil(t, updated.LastSuccess)
	assert.Empty(t, updated.LastError)
}

func TestDispatch_SkipsNonMatching(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{
		URL: srv.URL, Active: true, MinSeverity: alerts.SeverityCritical,
	}))

	d := NewDispatcher(store, testLogger())
	require.NoError(t, d.Dispatch(ctx, &alerts.Alert{
		AlertType: alerts.TypeAnomalousActivity,
		Severity:  alerts.SeverityMedium,
		CreatedAt: time.Now().UTC(),
	}))
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestDispatch_FailureRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	sub := &Subscription{URL: srv.URL, Active: true, MinSeverity: alerts.SeverityLow}
	require.NoError(t, store.Create(ctx, sub))

	d := NewDispatcher(store, testLogger())
	require.NoError(t, d.Dispatch(ctx, &alerts.Alert{
		AlertType: alerts.TypeScoreCritical,
		Severity:  alerts.SeverityHigh,
		CreatedAt: time.Now().UTC(),
	}))
	d.Wait()

	updated, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Contains(t, updated.LastError, "status 500")
	assert.Nil(t, updated.LastSuccess)
}

func TestDispatch_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	sub := &Subscription{URL: srv.URL, Active: true, MinSeverity: alerts.SeverityLow}
	require.NoError(t, store.Create(ctx, sub))

	d := NewDispatcher(store, testLogger())
	alert := &alerts.Alert{
		AlertType: alerts.TypeScoreCritical,
		Severity:  alerts.SeverityHigh,
		CreatedAt: time.Now().UTC(),
	}

	// Trip the breaker, then confirm subsequent dispatches are skipped.
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Dispatch(ctx, alert))
		d.Wait()
	}
	mu.Lock()
	tripped := calls
	mu.Unlock()
	require.Equal(t, 5, tripped)

	require.NoError(t, d.Dispatch(ctx, alert))
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, tripped, calls, "open circuit must skip delivery")
}

func TestSink_InsertDispatches(t *testing.T) {
	var mu sync.Mutex
	var delivered int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		delivered++
		mu.Unlock()
	}))
	defer srv.Close()

	ctx := context.Background()
	subs := NewMemoryStore()
	require.NoError(t, subs.Create(ctx, &Subscription{
		URL: srv.URL, Active: true, MinSeverity: alerts.SeverityLow,
	}))

	d := NewDispatcher(subs, testLogger())
	inner := alerts.NewMemoryStore()
	sink := NewSink(inner, d)

	a := &alerts.Alert{
		AlertType: alerts.TypeLeakageConfirmed,
		Severity:  alerts.SeverityCritical,
		Title:     "leakage confirmed",
		UserIDs:   []string{"usr_a", "usr_b"},
	}
	require.NoError(t, sink.Insert(ctx, a))
	d.Wait()

	assert.NotEmpty(t, a.ID, "insert must pass through to the alert store")
	open, err := inner.Open(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, delivered)
}

func TestDispatch_DefaultSecretFallback(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Trustwire-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := &Subscription{URL: srv.URL, Active: true} // no per-subscription secret
	require.NoError(t, store.Create(context.Background(), sub))

	d := NewDispatcher(store, testLogger()).WithDefaultSecret("fleet-secret")
	a := &alerts.Alert{
		AlertType: alerts.TypeScoreCritical,
		Severity:  alerts.SeverityCritical,
		Title:     "score critical",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, d.Dispatch(context.Background(), a))
	d.Wait()

	require.NotEmpty(t, gotSig)
	assert.Equal(t, Sign(gotBody, "fleet-secret"), gotSig)
}
