package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medkraiem/veille/internal/kpi"
)

func TestThresholdSaveAndFind(t *testing.T) {
	store := NewThresholdStore(newTestDB(t))
	ctx := context.Background()

	th := &kpi.Threshold{
		KPIName:     "TAUX_RETARD",
		Description: "rate of overdue invoices",
		Low:         5,
		High:        10,
		Normal:      3,
		Unit:        "%",
		Direction:   kpi.DirectionAbove,
		Enabled:     true,
	}
	require.NoError(t, store.Save(ctx, th))

	loaded, err := store.FindByName(ctx, "TAUX_RETARD")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, th.Low, loaded.Low)
	assert.Equal(t, th.High, loaded.High)
	assert.Equal(t, kpi.DirectionAbove, loaded.Direction)
	assert.True(t, loaded.Enabled)
}

func TestThresholdFindMissingReturnsNil(t *testing.T) {
	store := NewThresholdStore(newTestDB(t))

	loaded, err := store.FindByName(context.Background(), "NOPE")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestThresholdSaveRejectsInvalid(t *testing.T) {
	store := NewThresholdStore(newTestDB(t))

	bad := &kpi.Threshold{KPIName: "TAUX_RETARD", Low: 20, High: 10, Direction: kpi.DirectionAbove}
	assert.Error(t, store.Save(context.Background(), bad))

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestThresholdUpsert(t *testing.T) {
	store := NewThresholdStore(newTestDB(t))
	ctx := context.Background()

	th := &kpi.Threshold{KPIName: "TAUX_RETARD", Low: 5, High: 10, Direction: kpi.DirectionAbove, Enabled: true}
	require.NoError(t, store.Save(ctx, th))

	th.High = 12
	th.Enabled = false
	require.NoError(t, store.Save(ctx, th))

	loaded, err := store.FindByName(ctx, "TAUX_RETARD")
	require.NoError(t, err)
	assert.Equal(t, 12.0, loaded.High)
	assert.False(t, loaded.Enabled)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSeedDefaults(t *testing.T) {
	store := NewThresholdStore(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.SeedDefaults(ctx))

	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	// Seeding again must not clobber operator changes.
	custom, err := store.FindByName(ctx, kpi.KPILateRate)
	require.NoError(t, err)
	custom.High = 99
	require.NoError(t, store.Save(ctx, custom))

	require.NoError(t, store.SeedDefaults(ctx))
	loaded, err := store.FindByName(ctx, kpi.KPILateRate)
	require.NoError(t, err)
	assert.Equal(t, 99.0, loaded.High)
}
