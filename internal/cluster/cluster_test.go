package cluster

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustwire/trustwire/internal/alerts"
	"github.com/trustwire/trustwire/internal/relationship"
	"github.com/trustwire/trustwire/internal/signals"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ring builds a connected component of the given users by chaining edges.
func ring(t *testing.T, graph *relationship.MemoryStore, users []string) {
	t.Helper()
	at := time.Now().UTC()
	for i := range users {
		next := users[(i+1)%len(users)]
		_, err := graph.Upsert(context.Background(), users[i], next, relationship.TypeMessaging, 0, at)
		require.NoError(t, err)
	}
}

func syncDetector(graph *relationship.MemoryStore, scores *signals.MemoryStore, alertStore *alerts.MemoryStore) *Detector {
	return NewDetector(graph, scores, alertStore, testLogger(), Config{
		EvalDelay:   0, // synchronous for tests
		Window:      48 * time.Hour,
		AlertWindow: 48 * time.Hour,
	})
}

func TestMembershipHash(t *testing.T) {
	h1 := MembershipHash([]string{"usr_c", "usr_a", "usr_b"})
	h2 := MembershipHash([]string{"usr_a", "usr_b", "usr_c"})
	assert.Equal(t, h1, h2, "hash is order independent")
	assert.Len(t, h1, 16)

	h3 := MembershipHash([]string{"usr_a", "usr_b", "usr_d"})
	assert.NotEqual(t, h1, h3)
}

func TestEvaluate_QualifyingClusterAlerts(t *testing.T) {
	graph := relationship.NewMemoryStore()
	scores := signals.NewMemoryStore()
	alertStore := alerts.NewMemoryStore()
	det := syncDetector(graph, scores, alertStore)

	users := []string{"usr_a", "usr_b", "usr_c", "usr_d"}
	ring(t, graph, users)
	// 3 of 4 high risk: ratio 0.75.
	scores.SetScore("usr_a", 85)
	scores.SetScore("usr_b", 70)
	scores.SetScore("usr_c", 65)
	scores.SetScore("usr_d", 10)

	require.NoError(t, det.Evaluate(context.Background(), "usr_a"))

	open, err := alertStore.Open(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	a := open[0]
	assert.Equal(t, alerts.TypeFraudCluster, a.AlertType)
	assert.Equal(t, alerts.SeverityCritical, a.Severity)
	assert.ElementsMatch(t, users, a.UserIDs)
	assert.Equal(t, MembershipHash(users), a.ClusterHash)
	assert.Equal(t, 4, a.Details["cluster_size"])
	assert.Equal(t, 3, a.Details["high_risk_count"])
	assert.InDelta(t, 57.5, a.Details["average_score"].(float64), 0.001)
}

func TestEvaluate_TooSmallComponentIgnored(t *testing.T) {
	graph := relationship.NewMemoryStore()
	scores := signals.NewMemoryStore()
	alertStore := alerts.NewMemoryStore()
	det := syncDetector(graph, scores, alertStore)

	// Exactly 3 members: below the exclusive size threshold.
	users := []string{"usr_a", "usr_b", "usr_c"}
	ring(t, graph, users)
	for _, u := range users {
		scores.SetScore(u, 90)
	}

	require.NoError(t, det.Evaluate(context.Background(), "usr_a"))

	open, err := alertStore.Open(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestEvaluate_LowRiskRatioIgnored(t *testing.T) {
	graph := relationship.NewMemoryStore()
	scores := signals.NewMemoryStore()
	alertStore := alerts.NewMemoryStore()
	det := syncDetector(graph, scores, alertStore)

	// 2 of 4 high risk: ratio exactly 0.5 fails the strict threshold.
	users := []string{"usr_a", "usr_b", "usr_c", "usr_d"}
	ring(t, graph, users)
	scores.SetScore("usr_a", 85)
	scores.SetScore("usr_b", 70)
	scores.SetScore("usr_c", 10)
	scores.SetScore("usr_d", 5)

	require.NoError(t, det.Evaluate(context.Background(), "usr_a"))

	open, err := alertStore.Open(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestEvaluate_UnchangedMembershipSuppressed(t *testing.T) {
	graph := relationship.NewMemoryStore()
	scores := signals.NewMemoryStore()
	alertStore := alerts.NewMemoryStore()
	det := syncDetector(graph, scores, alertStore)

	users := []string{"usr_a", "usr_b", "usr_c", "usr_d"}
	ring(t, graph, users)
	for _, u := range users {
		scores.SetScore(u, 90)
	}

	require.NoError(t, det.Evaluate(context.Background(), "usr_a"))
	require.NoError(t, det.Evaluate(context.Background(), "usr_b"))

	open, err := alertStore.Open(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, open, 1, "identical membership within the window alerts once")

	// A new member changes the hash and alerts again.
	_, err = graph.Upsert(context.Background(), "usr_d", "usr_e", relationship.TypeMessaging, 0, time.Now().UTC())
	require.NoError(t, err)
	scores.SetScore("usr_e", 95)

	require.NoError(t, det.Evaluate(context.Background(), "usr_a"))
	open, err = alertStore.Open(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestEvaluate_UnscoredMembersExcludedFromRatio(t *testing.T) {
	graph := relationship.NewMemoryStore()
	scores := signals.NewMemoryStore()
	alertStore := alerts.NewMemoryStore()
	det := syncDetector(graph, scores, alertStore)

	// 6 members, only 3 scored, all 3 high risk: ratio is 3/3, not 3/6.
	users := []string{"usr_a", "usr_b", "usr_c", "usr_d", "usr_e", "usr_f"}
	ring(t, graph, users)
	scores.SetScore("usr_a", 90)
	scores.SetScore("usr_b", 85)
	scores.SetScore("usr_c", 70)

	require.NoError(t, det.Evaluate(context.Background(), "usr_c"))

	open, err := alertStore.Open(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 1.0, open[0].Details["risk_ratio"])
}

func TestEvaluate_AllUnscoredComponentIgnored(t *testing.T) {
	graph := relationship.NewMemoryStore()
	scores := signals.NewMemoryStore()
	alertStore := alerts.NewMemoryStore()
	det := syncDetector(graph, scores, alertStore)

	ring(t, graph, []string{"usr_a", "usr_b", "usr_c", "usr_d"})

	require.NoError(t, det.Evaluate(context.Background(), "usr_a"))

	open, err := alertStore.Open(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestEvaluate_MemberSampleCapped(t *testing.T) {
	graph := relationship.NewMemoryStore()
	scores := signals.NewMemoryStore()
	alertStore := alerts.NewMemoryStore()
	det := syncDetector(graph, scores, alertStore)

	var users []string
	for i := 0; i < 14; i++ {
		users = append(users, string(rune('a'+i))+"_usr")
	}
	ring(t, graph, users)
	for _, u := range users {
		scores.SetScore(u, 90)
	}

	require.NoError(t, det.Evaluate(context.Background(), users[0]))

	open, err := alertStore.Open(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Len(t, open[0].UserIDs, 10, "alert carries a capped member sample")
	assert.Equal(t, 14, open[0].Details["cluster_size"])
}
