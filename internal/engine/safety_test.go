package engine_test

import (
	"context"
	"testing"
	"time"

	"liq_engine/internal/engine"
	"liq_engine/internal/models"
	"liq_engine/internal/notify"
	"liq_engine/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func trip(t *testing.T, h *harness) {
	t.Helper()
	for i := 0; i < 3; i++ {
		h.ex.InjectError("open_orders", hardErr("open_orders"))
		require.Error(t, h.step())
	}
	require.True(t, h.eng.Safety().SafeMode())
}

func TestSafeModeAfterConsecutiveHardErrors(t *testing.T) {
	h := newHarness(t)

	trip(t, h)

	assert.Equal(t, 1, h.rec.Count(models.LevelCritical, models.CategorySafeMode))
	state, safe := h.eng.State()
	assert.Equal(t, engine.StateNoPosition, state)
	assert.True(t, safe)

	st := h.eng.Safety().State()
	assert.Equal(t, 3, st.ConsecutiveHard)
	assert.Contains(t, st.Reason, "open orders")
	assert.Equal(t, t0, st.Since)

	// новые входы не выставляются
	h.src.Set(longDecision("101", t0))
	h.mustStep()
	assert.Empty(t, h.ex.Placed())
	assert.True(t, h.eng.Safety().SafeMode())
}

func TestSafeModeKeepsProtectingOpenPosition(t *testing.T) {
	h := newHarness(t)
	h.open(longDecision("101", t0))

	trip(t, h)

	h.ex.Drop("lx_101_sl")
	h.mustStep()

	stops := h.liveOnExchange(models.OrderStopMarket)
	require.Len(t, stops, 1)
	assert.Equal(t, "lx_101_sl", stops[0].ClientID)
	assert.Equal(t, 1, h.rec.Count(models.LevelCritical, models.CategoryProtection))

	// SL по-прежнему закрывает позицию
	h.ex.SetQuote(89990.0, 89990.2)
	h.mustStep()
	assert.Equal(t, models.PositionNone, h.st.Position().Status)
	assert.True(t, h.eng.Safety().SafeMode())
}

func TestSuccessResetsHardCounter(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 2; i++ {
		h.ex.InjectError("position", hardErr("position"))
		require.Error(t, h.step())
	}
	h.mustStep()
	for i := 0; i < 2; i++ {
		h.ex.InjectError("position", hardErr("position"))
		require.Error(t, h.step())
	}

	assert.False(t, h.eng.Safety().SafeMode())
	assert.Equal(t, 2, h.eng.Safety().State().ConsecutiveHard)
}

func TestSoftErrorsDoNotCount(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		h.ex.InjectError("open_orders", context.DeadlineExceeded)
		require.Error(t, h.step())
	}
	assert.False(t, h.eng.Safety().SafeMode())
	assert.Equal(t, 0, h.eng.Safety().State().ConsecutiveHard)
}

func TestAcknowledgeClearsSafeMode(t *testing.T) {
	h := newHarness(t)
	trip(t, h)

	assert.True(t, h.eng.Safety().Acknowledge(h.ctx, "ops"))
	assert.False(t, h.eng.Safety().SafeMode())
	assert.Equal(t, 1, h.rec.Count(models.LevelInfo, models.CategorySafeMode))
	assert.False(t, h.eng.Safety().Acknowledge(h.ctx, "ops"))

	snap, err := h.journal.Load(h.ctx, symbol)
	require.NoError(t, err)
	assert.False(t, snap.Safety.SafeMode)
	assert.Zero(t, snap.Safety.ConsecutiveHard)

	h.src.Set(longDecision("101", t0))
	h.mustStep()
	assert.Len(t, h.ex.Placed(), 1)
}

func TestSafeModeSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	trip(t, h)

	h.restart()
	require.NoError(t, h.eng.Start(h.ctx))

	assert.True(t, h.eng.Safety().SafeMode())
	h.src.Set(longDecision("101", t0))
	h.mustStep()
	assert.Empty(t, h.ex.Placed())
}

func TestCleanReconciliationAutoResolves(t *testing.T) {
	h := newHarness(t, func(c *engine.Config) {
		c.Safety.AutoResolveOnCleanReconcile = true
	})
	trip(t, h)

	r := h.reconcile()

	assert.True(t, r.Clean())
	assert.False(t, h.eng.Safety().SafeMode())
}

func TestCleanReconciliationKeepsSafeModeByDefault(t *testing.T) {
	h := newHarness(t)
	trip(t, h)

	h.reconcile()

	assert.True(t, h.eng.Safety().SafeMode())
}

func newSafety(cfg engine.SafetyConfig) (*engine.Safety, *notify.Recorder, *store.Memory) {
	j := store.NewMemory()
	st := store.New(symbol, j, zap.NewNop())
	rec := notify.NewRecorder()
	now := func() time.Time { return t0 }
	return engine.NewSafety(cfg, st, rec, now, zap.NewNop()), rec, j
}

func TestCheckEntryGuards(t *testing.T) {
	ctx := context.Background()
	d := longDecision("101", t0)

	tests := []struct {
		name     string
		baseline float64
		unsolved bool
		mid      float64
		equity   float64
		code     string
	}{
		{name: "pass", mid: 90800, equity: 10_000},
		{name: "price deviation", mid: 92000, equity: 10_000, code: engine.GuardDeviation},
		{name: "no equity", mid: 90800, equity: 0, code: engine.GuardNoEquity},
		{name: "leverage over cap", mid: 90800, equity: 800, code: engine.GuardLeverage},
		{name: "equity drift", baseline: 10_000, mid: 90800, equity: 9_000, code: engine.GuardEquity},
		{name: "drift within tolerance", baseline: 10_000, mid: 90800, equity: 9_700},
		{name: "unresolved critical", unsolved: true, mid: 90800, equity: 10_000, code: engine.GuardUnresolved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newSafety(engine.DefaultConfig().Safety)
			if tt.baseline > 0 {
				s.UpdateBaseline(ctx, tt.baseline)
			}
			if tt.unsolved {
				s.OnReconciliation(ctx, models.ReconciliationReport{
					RunID:    "run-1",
					Status:   models.ReconcileFailed,
					Findings: []models.Finding{{Kind: models.FindingOrphanPosition, Level: models.LevelCritical}},
				})
			}

			err := s.CheckEntry(ctx, d, tt.mid, tt.equity)
			if tt.code == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.equity, s.State().EquityBaseline)
				return
			}
			var ge *engine.GuardError
			require.ErrorAs(t, err, &ge)
			assert.Equal(t, tt.code, ge.Code)
		})
	}
}

func TestRecordHardPersists(t *testing.T) {
	ctx := context.Background()
	cfg := engine.DefaultConfig().Safety
	cfg.HardErrorThreshold = 2
	s, rec, j := newSafety(cfg)

	s.RecordHard(ctx, "place sl", assert.AnError)
	assert.False(t, s.SafeMode())
	s.RecordHard(ctx, "place sl", assert.AnError)
	assert.True(t, s.SafeMode())
	s.RecordHard(ctx, "place sl", assert.AnError)

	assert.Equal(t, 1, rec.Count(models.LevelCritical, models.CategorySafeMode))
	snap, err := j.Load(ctx, symbol)
	require.NoError(t, err)
	assert.True(t, snap.Safety.SafeMode)
	assert.Equal(t, 3, snap.Safety.ConsecutiveHard)
	assert.Equal(t, t0, snap.Safety.Since)
}
