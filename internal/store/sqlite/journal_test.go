package sqlite

import (
	"context"
	"testing"
	"time"

	"liq_engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalRoundTrip(t *testing.T) {
	ctx := context.Background()
	j, err := Open(":memory:")
	require.NoError(t, err)
	defer j.Close()

	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	pos := models.Position{
		Symbol: "BTCUSDT", Side: models.SideLong, Status: models.PositionOpen,
		Size: 0.5, InitialSize: 1, EntryPrice: 100, SL: 101, TP1Hit: true,
		DecisionID: "1842", Management: models.DefaultManagement(), UpdatedAt: t0,
	}
	require.NoError(t, j.SavePosition(ctx, pos))

	old := models.Order{Symbol: "BTCUSDT", Role: models.RoleSL, ClientID: "lx_1841_sl", Status: models.OrderCanceled, UpdatedAt: t0}
	cur := models.Order{Symbol: "BTCUSDT", Role: models.RoleSL, ClientID: "lx_1842_sl", Status: models.OrderNew, StopPrice: 101, UpdatedAt: t0.Add(time.Minute)}
	tp := models.Order{Symbol: "BTCUSDT", Role: models.RoleTP2, ClientID: "lx_1842_tp2", Status: models.OrderNew, UpdatedAt: t0}
	for _, o := range []models.Order{old, cur, tp} {
		require.NoError(t, j.SaveOrder(ctx, o))
	}
	cur.Status = models.OrderPartiallyFilled
	cur.UpdatedAt = t0.Add(2 * time.Minute)
	require.NoError(t, j.SaveOrder(ctx, cur))

	require.NoError(t, j.SaveSafety(ctx, "BTCUSDT", models.SafetyState{SafeMode: true, Reason: "hard errors", EquityBaseline: 1000}))
	require.NoError(t, j.SaveEvent(ctx, models.Event{Level: models.LevelInfo, Category: "entry", Message: "x", At: t0}))
	require.NoError(t, j.SaveReconciliation(ctx, models.ReconciliationReport{RunID: "r1", Symbol: "BTCUSDT", Trigger: models.TriggerStartup, Status: models.ReconcileOK, StartedAt: t0, FinishedAt: t0}))

	snap, err := j.Load(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, snap.Position)
	assert.Equal(t, 0.5, snap.Position.Size)
	assert.True(t, snap.Position.TP1Hit)
	assert.Equal(t, 0.5, snap.Position.Management.TP1Fraction)

	require.Len(t, snap.Orders, 2)
	byRole := map[models.Role]models.Order{}
	for _, o := range snap.Orders {
		byRole[o.Role] = o
	}
	assert.Equal(t, "lx_1842_sl", byRole[models.RoleSL].ClientID)
	assert.Equal(t, models.OrderPartiallyFilled, byRole[models.RoleSL].Status)
	assert.True(t, snap.Safety.SafeMode)

	reps, err := j.Reports(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, reps, 1)
	assert.Equal(t, "r1", reps[0].RunID)
}

func TestLoadEmpty(t *testing.T) {
	j, err := Open(":memory:")
	require.NoError(t, err)
	defer j.Close()

	snap, err := j.Load(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Nil(t, snap.Position)
	assert.Empty(t, snap.Orders)
	assert.False(t, snap.Safety.SafeMode)
}
