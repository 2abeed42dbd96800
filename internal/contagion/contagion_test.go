package contagion

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustwire/trustwire/internal/events"
	"github.com/trustwire/trustwire/internal/relationship"
	"github.com/trustwire/trustwire/internal/signals"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGraph serves canned neighbor lists so tests control edge strengths
// exactly.
type fakeGraph struct {
	neighbors map[string][]relationship.Neighbor
}

func (f *fakeGraph) Neighbors(_ context.Context, userID string, minStrength float64) ([]relationship.Neighbor, error) {
	var out []relationship.Neighbor
	for _, n := range f.neighbors[userID] {
		if n.Strength > minStrength {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeGraph) Upsert(context.Context, string, string, string, float64, time.Time) (*relationship.Edge, error) {
	return nil, nil
}
func (f *fakeGraph) EdgesTouching(context.Context, []string, time.Time) ([]*relationship.Edge, error) {
	return nil, nil
}
func (f *fakeGraph) Edge(context.Context, string, string, string) (*relationship.Edge, error) {
	return nil, nil
}

var _ relationship.Store = (*fakeGraph)(nil)

func contagionSignals(t *testing.T, store *signals.MemoryStore, userID string) []*signals.Signal {
	t.Helper()
	got, err := store.RecentSignals(context.Background(), userID, []string{signals.NetworkContagion}, time.Time{}, 0)
	require.NoError(t, err)
	return got
}

func TestPropagate_HighRiskSourceReachesStrongNeighbor(t *testing.T) {
	graph := &fakeGraph{neighbors: map[string][]relationship.Neighbor{
		"usr_bad": {{UserID: "usr_peer", Strength: 0.8}},
	}}
	scores := signals.NewMemoryStore()
	scores.SetScore("usr_bad", 90)
	scores.SetScore("usr_peer", 20)

	det := NewDetector(graph, scores, testLogger())
	require.NoError(t, det.Propagate(context.Background(), "usr_bad", "evt_1"))

	got := contagionSignals(t, scores, "usr_peer")
	require.Len(t, got, 1)
	sig := got[0]
	assert.InDelta(t, 0.64, sig.Confidence, 0.01)
	assert.Equal(t, "evt_1", sig.SourceEventID)
	assert.Equal(t, "usr_bad", sig.Evidence["source_user_id"])
	assert.InDelta(t, 10.8, sig.Evidence["delta"].(float64), 0.01)
}

func TestPropagate_UnscoredNeighborIsSkipped(t *testing.T) {
	graph := &fakeGraph{neighbors: map[string][]relationship.Neighbor{
		"usr_bad": {{UserID: "usr_new", Strength: 0.8}},
	}}
	scores := signals.NewMemoryStore()
	scores.SetScore("usr_bad", 90)

	det := NewDetector(graph, scores, testLogger())
	require.NoError(t, det.Propagate(context.Background(), "usr_bad", "evt_1"))

	assert.Empty(t, contagionSignals(t, scores, "usr_new"),
		"a neighbor with no score yet collects no contagion")
}

func TestPropagate_NeighborNearCeilingIsSkipped(t *testing.T) {
	graph := &fakeGraph{neighbors: map[string][]relationship.Neighbor{
		"usr_bad": {{UserID: "usr_peer", Strength: 0.8}},
	}}
	scores := signals.NewMemoryStore()
	scores.SetScore("usr_bad", 90)
	scores.SetScore("usr_peer", 99.5)

	det := NewDetector(graph, scores, testLogger())
	require.NoError(t, det.Propagate(context.Background(), "usr_bad", "evt_1"))

	assert.Empty(t, contagionSignals(t, scores, "usr_peer"),
		"the score ceiling leaves less than a point of headroom")
}

func TestPropagate_RecordsCappedDelta(t *testing.T) {
	// Raw delta is 90 * 0.8 * 0.15 = 10.8 but the neighbor at 95 only has
	// 5 points of headroom, so the evidence carries the capped move.
	graph := &fakeGraph{neighbors: map[string][]relationship.Neighbor{
		"usr_bad": {{UserID: "usr_peer", Strength: 0.8}},
	}}
	scores := signals.NewMemoryStore()
	scores.SetScore("usr_bad", 90)
	scores.SetScore("usr_peer", 95)

	det := NewDetector(graph, scores, testLogger())
	require.NoError(t, det.Propagate(context.Background(), "usr_bad", "evt_1"))

	got := contagionSignals(t, scores, "usr_peer")
	require.Len(t, got, 1)
	assert.InDelta(t, 5.0, got[0].Evidence["delta"].(float64), 0.01)
}

func TestPropagate_ConfidenceCapped(t *testing.T) {
	graph := &fakeGraph{neighbors: map[string][]relationship.Neighbor{
		"usr_bad": {{UserID: "usr_peer", Strength: 1.0}},
	}}
	scores := signals.NewMemoryStore()
	scores.SetScore("usr_bad", 100)
	scores.SetScore("usr_peer", 30)

	det := NewDetector(graph, scores, testLogger())
	require.NoError(t, det.Propagate(context.Background(), "usr_bad", "evt_1"))

	got := contagionSignals(t, scores, "usr_peer")
	require.Len(t, got, 1)
	assert.Equal(t, 0.8, got[0].Confidence)
}

func TestPropagate_WeakEdgeDoesNotConduct(t *testing.T) {
	graph := &fakeGraph{neighbors: map[string][]relationship.Neighbor{
		"usr_bad": {{UserID: "usr_peer", Strength: 0.05}},
	}}
	scores := signals.NewMemoryStore()
	scores.SetScore("usr_bad", 65)

	det := NewDetector(graph, scores, testLogger())
	require.NoError(t, det.Propagate(context.Background(), "usr_bad", "evt_1"))

	assert.Empty(t, contagionSignals(t, scores, "usr_peer"))
}

func TestPropagate_NoiseFloorSkipsTinyDelta(t *testing.T) {
	// 61 * 0.105 * 0.15 ≈ 0.96, below the one-point floor.
	graph := &fakeGraph{neighbors: map[string][]relationship.Neighbor{
		"usr_bad": {{UserID: "usr_peer", Strength: 0.105}},
	}}
	scores := signals.NewMemoryStore()
	scores.SetScore("usr_bad", 61)

	det := NewDetector(graph, scores, testLogger())
	require.NoError(t, det.Propagate(context.Background(), "usr_bad", "evt_1"))

	assert.Empty(t, contagionSignals(t, scores, "usr_peer"))
}

func TestPropagate_LowRiskSourceIsInert(t *testing.T) {
	graph := &fakeGraph{neighbors: map[string][]relationship.Neighbor{
		"usr_ok": {{UserID: "usr_peer", Strength: 1.0}},
	}}
	scores := signals.NewMemoryStore()
	scores.SetScore("usr_ok", 55)

	det := NewDetector(graph, scores, testLogger())
	require.NoError(t, det.Propagate(context.Background(), "usr_ok", "evt_1"))

	assert.Empty(t, contagionSignals(t, scores, "usr_peer"))
}

func TestHandle_PropagatesFromBothEndpoints(t *testing.T) {
	graph := &fakeGraph{neighbors: map[string][]relationship.Neighbor{
		"usr_a": {{UserID: "usr_x", Strength: 0.9}},
		"usr_b": {{UserID: "usr_y", Strength: 0.9}},
	}}
	scores := signals.NewMemoryStore()
	scores.SetScore("usr_a", 90)
	scores.SetScore("usr_b", 40)
	scores.SetScore("usr_x", 25)
	scores.SetScore("usr_y", 25)

	bus := events.NewInMemoryBus(testLogger(), nil)
	det := NewDetector(graph, scores, testLogger())
	det.Register(bus)

	require.NoError(t, bus.Emit(context.Background(), events.NewEnvelope(events.RelationshipUpdated, map[string]interface{}{
		"user_a_id": "usr_a",
		"user_b_id": "usr_b",
	})))

	assert.Len(t, contagionSignals(t, scores, "usr_x"), 1, "high-risk endpoint propagates")
	assert.Empty(t, contagionSignals(t, scores, "usr_y"), "low-risk endpoint does not")
}
