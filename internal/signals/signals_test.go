package signals

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierFor(t *testing.T) {
	tests := []struct {
		score float64
		want  Tier
	}{
		{0, TierLow},
		{39.9, TierLow},
		{40, TierMedium},
		{59.9, TierMedium},
		{60, TierHigh},
		{79.9, TierHigh},
		{80, TierCritical},
		{100, TierCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TierFor(tt.score), "score %v", tt.score)
	}
}

func TestTier_HighRisk(t *testing.T) {
	assert.False(t, TierLow.HighRisk())
	assert.False(t, TierMedium.HighRisk())
	assert.True(t, TierHigh.HighRisk())
	assert.True(t, TierCritical.HighRisk())
}

func TestMemoryStore_RecentSignals(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	insert := func(sigType string, age time.Duration) {
		require.NoError(t, store.InsertSignal(ctx, &Signal{
			UserID:     "usr_a",
			SignalType: sigType,
			Confidence: 0.8,
			CreatedAt:  now.Add(-age),
		}))
	}
	insert(ContactPhone, 1*time.Hour)
	insert(DeviceShared, 2*time.Hour)
	insert(ContactEmail, 30*24*time.Hour) // outside window

	got, err := store.RecentSignals(ctx, "usr_a", nil, now.Add(-7*24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ContactPhone, got[0].SignalType, "newest first")

	got, err = store.RecentSignals(ctx, "usr_a", OffPlatformTypes, now.Add(-7*24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ContactPhone, got[0].SignalType)

	got, err = store.RecentSignals(ctx, "usr_missing", nil, now.Add(-7*24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStore_ScoreHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	got, err := store.LatestScore(ctx, "usr_a")
	require.NoError(t, err)
	assert.Nil(t, got, "no score yet")

	require.NoError(t, store.AppendScore(ctx, &Score{UserID: "usr_a", Score: 30, Tier: TierLow}))
	require.NoError(t, store.AppendScore(ctx, &Score{UserID: "usr_a", Score: 65, Tier: TierHigh}))

	got, err = store.LatestScore(ctx, "usr_a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 65.0, got.Score)
	assert.Equal(t, TierHigh, got.Tier)
	assert.NotEmpty(t, got.ID)
}

func TestInsertSignal_FillsDefaults(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s := &Signal{UserID: "usr_a", SignalType: OffPlatformIntent, Confidence: 0.6}
	require.NoError(t, store.InsertSignal(ctx, s))
	assert.NotEmpty(t, s.ID)
	assert.False(t, s.CreatedAt.IsZero())
}
