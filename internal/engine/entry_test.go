package engine_test

import (
	"testing"
	"time"

	"liq_engine/internal/engine"
	"liq_engine/internal/models"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryLimitAtBandMid(t *testing.T) {
	h := newHarness(t)
	h.src.Set(longDecision("101", t0))

	h.mustStep()

	placed := h.ex.Placed()
	require.Len(t, placed, 1)
	req := placed[0]
	assert.Equal(t, "lx_101_entry", req.ClientID)
	assert.Equal(t, models.Buy, req.Side)
	assert.Equal(t, models.OrderLimit, req.Type)
	assert.Equal(t, 90800.0, req.Price)
	assert.InDelta(t, 0.1, req.Quantity, 1e-12)
	assert.False(t, req.ReduceOnly)

	state, safe := h.eng.State()
	assert.Equal(t, engine.StateEntryPending, state)
	assert.False(t, safe)
	assert.Equal(t, 1, h.rec.Count(models.LevelInfo, models.CategoryEntry))

	// повторный шаг без изменений ничего не выставляет
	h.mustStep()
	assert.Len(t, h.ex.Placed(), 1)
	assert.Equal(t, 1, h.ex.LiveCount())
}

func TestEntryChaseThenMarketFallback(t *testing.T) {
	h := newHarness(t, func(c *engine.Config) {
		c.Entry.ChaseThresholdPct = 0.0002
		c.Entry.ChaseMinDwell = 10 * time.Second
		c.Entry.MaxChaseAttempts = 2
	})
	h.src.Set(longDecision("101", t0))
	h.mustStep()

	h.clock.Advance(10 * time.Second)
	h.mustStep()
	h.clock.Advance(10 * time.Second)
	h.ex.SetQuote(90869.9, 90870.1)
	h.mustStep()

	assert.Equal(t, []models.OrderType{models.OrderLimit, models.OrderLimit, models.OrderLimit}, h.placedTypes())
	placed := h.ex.Placed()
	assert.Equal(t, 90849.9, placed[1].Price)
	assert.Equal(t, 90869.9, placed[2].Price)
	assert.Equal(t, 2, h.rec.Count(models.LevelInfo, models.CategoryChase))
	assert.Equal(t, 1, h.ex.LiveCount())

	// попытки исчерпаны: рыночный вход и сразу защита
	h.clock.Advance(10 * time.Second)
	h.mustStep()

	assert.Equal(t, []models.OrderType{
		models.OrderLimit, models.OrderLimit, models.OrderLimit, models.OrderMarket,
		models.OrderStopMarket, models.OrderTakeProfit, models.OrderTakeProfit,
	}, h.placedTypes())
	assert.Equal(t, 1, h.rec.Count(models.LevelWarning, models.CategoryMarketEntry))

	p := h.st.Position()
	assert.Equal(t, models.PositionOpen, p.Status)
	assert.Equal(t, models.SideLong, p.Side)
	assert.InDelta(t, 0.1, p.Size, 1e-9)
	assert.InDelta(t, 90870.1, p.EntryPrice, 1e-6)

	sl, ok := h.st.LiveOrder(models.RoleSL)
	require.True(t, ok)
	assert.Equal(t, 90000.0, sl.StopPrice)
	assert.InDelta(t, 0.1, sl.Quantity, 1e-12)
	assert.Len(t, h.liveOnExchange(models.OrderStopMarket), 1)
}

func TestUnfilledInBandLimitEscalatesToMarketWithDefaults(t *testing.T) {
	h := newHarness(t, func(c *engine.Config) {
		*c = engine.DefaultConfig()
		c.Symbol = symbol
	})
	h.src.Set(longDecision("101", t0))
	h.mustStep()
	require.Equal(t, []models.OrderType{models.OrderLimit}, h.placedTypes())
	assert.Equal(t, 90800.0, h.ex.Placed()[0].Price)

	// цена держится у верха коридора, дрейф ниже порога догона, лимитка не исполняется
	h.ex.SetQuote(90898.9, 90899.1)
	for i := 0; i < 3; i++ {
		h.clock.Advance(20 * time.Second)
		h.mustStep()
	}
	assert.Equal(t, []models.OrderType{models.OrderLimit}, h.placedTypes())
	assert.Equal(t, models.PositionEntryPending, h.st.Position().Status)

	h.clock.Advance(20 * time.Second)
	h.mustStep()

	types := h.placedTypes()
	require.GreaterOrEqual(t, len(types), 2)
	assert.Equal(t, models.OrderMarket, types[1])
	assert.Equal(t, models.Buy, h.ex.Placed()[1].Side)
	assert.Equal(t, 0, h.rec.Count(models.LevelInfo, models.CategoryChase))
	assert.Equal(t, 1, h.rec.Count(models.LevelWarning, models.CategoryMarketEntry))

	p := h.st.Position()
	assert.Equal(t, models.PositionOpen, p.Status)
	assert.InDelta(t, 0.1, p.Size, 1e-9)
	assert.Len(t, h.liveOnExchange(models.OrderStopMarket), 1)
}

func TestEntryChaseNeedsDrift(t *testing.T) {
	h := newHarness(t, func(c *engine.Config) {
		c.Entry.ChaseThresholdPct = 0.001
		c.Entry.ChaseMinDwell = 20 * time.Second
	})
	h.src.Set(longDecision("101", t0))
	h.mustStep()

	// дрейф 0.055% меньше порога 0.1%
	h.clock.Advance(30 * time.Second)
	h.mustStep()
	assert.Len(t, h.ex.Placed(), 1)
	assert.Equal(t, 0, h.rec.Count(models.LevelInfo, models.CategoryChase))
}

func TestEntryChaseWaitsForDwell(t *testing.T) {
	h := newHarness(t, func(c *engine.Config) {
		c.Entry.ChaseThresholdPct = 0.0002
		c.Entry.ChaseMinDwell = 20 * time.Second
	})
	h.src.Set(longDecision("101", t0))
	h.mustStep()

	h.clock.Advance(10 * time.Second)
	h.mustStep()
	assert.Len(t, h.ex.Placed(), 1)

	h.clock.Advance(10 * time.Second)
	h.mustStep()
	require.Len(t, h.ex.Placed(), 2)
	assert.Equal(t, 90849.9, h.ex.Placed()[1].Price)
	assert.Equal(t, 1, h.rec.Count(models.LevelInfo, models.CategoryChase))
}

func TestEntryChaseDeferredWhileVolatile(t *testing.T) {
	h := newHarness(t, func(c *engine.Config) {
		c.Entry.ChaseThresholdPct = 0.0002
		c.Entry.ChaseMinDwell = 10 * time.Second
		c.Entry.VolatilityMaxPct = 0.0001
	})
	h.src.Set(longDecision("101", t0))
	h.mustStep()

	h.clock.Advance(10 * time.Second)
	h.ex.SetQuote(90889.9, 90890.1)
	h.mustStep()

	assert.Len(t, h.ex.Placed(), 1)
	assert.Equal(t, 0, h.rec.Count(models.LevelInfo, models.CategoryChase))
}

func TestEntryMarketFallbackNeedsConfidence(t *testing.T) {
	h := newHarness(t, func(c *engine.Config) {
		c.Entry.ChaseThresholdPct = 0.0002
		c.Entry.ChaseMinDwell = 10 * time.Second
		c.Entry.MaxChaseAttempts = 0
	})
	d := longDecision("101", t0)
	d.Confidence = 0.6
	h.src.Set(d)
	h.mustStep()

	h.clock.Advance(10 * time.Second)
	h.mustStep()

	assert.Equal(t, []models.OrderType{models.OrderLimit}, h.placedTypes())
	assert.Equal(t, 0, h.rec.Count(models.LevelWarning, models.CategoryMarketEntry))
}

func TestEntryShortSide(t *testing.T) {
	h := newHarness(t)
	h.src.Set(shortDecision("202", t0))
	h.ex.SetQuote(90800.0, 90800.1)

	h.mustStep()

	p := h.st.Position()
	require.Equal(t, models.PositionOpen, p.Status)
	assert.Equal(t, models.SideShort, p.Side)

	sl, ok := h.st.LiveOrder(models.RoleSL)
	require.True(t, ok)
	assert.Equal(t, models.Buy, sl.Side)
	assert.Equal(t, 91600.0, sl.StopPrice)
	assert.True(t, sl.ReduceOnly)

	tp1, ok := h.st.LiveOrder(models.RoleTP1)
	require.True(t, ok)
	assert.Equal(t, 90100.0, tp1.StopPrice)
	assert.InDelta(t, 0.05, tp1.Quantity, 1e-12)
}

func TestFlatDecisionCancelsPendingEntry(t *testing.T) {
	h := newHarness(t)
	h.src.Set(longDecision("101", t0))
	h.mustStep()
	require.Equal(t, 1, h.ex.LiveCount())

	flat := longDecision("102", t0.Add(time.Minute))
	flat.Action = models.ActionFlat
	h.src.Set(flat)
	h.mustStep()

	assert.Equal(t, 0, h.ex.LiveCount())
	state, _ := h.eng.State()
	assert.Equal(t, engine.StateNoPosition, state)
	o, ok := h.ex.Order("lx_101_entry")
	require.True(t, ok)
	assert.Equal(t, models.OrderCanceled, o.Status)
}

func TestNewDecisionReplacesPendingEntry(t *testing.T) {
	h := newHarness(t)
	h.src.Set(longDecision("101", t0))
	h.mustStep()

	h.src.Set(longDecision("102", t0.Add(time.Minute)))
	h.mustStep()
	h.mustStep()

	o, _ := h.ex.Order("lx_101_entry")
	assert.Equal(t, models.OrderCanceled, o.Status)
	o, ok := h.ex.Order("lx_102_entry")
	require.True(t, ok)
	assert.True(t, o.Status.Live())
	assert.Equal(t, 1, h.ex.LiveCount())
}

func TestRiskFlagForcesFlat(t *testing.T) {
	h := newHarness(t)
	d := longDecision("101", t0)
	d.RiskFlags = map[string]bool{"daily_dd_ok": true, "session_ok": false}
	h.src.Set(d)

	h.mustStep()
	h.mustStep()

	assert.Empty(t, h.ex.Placed())
	assert.Equal(t, 1, h.rec.Count(models.LevelWarning, models.CategoryRiskGuard))
}

func TestInvalidDecisionTreatedAsFlat(t *testing.T) {
	h := newHarness(t)
	d := longDecision("101", t0)
	d.SL = 95000
	h.src.Set(d)

	h.mustStep()

	assert.Empty(t, h.ex.Placed())
	assert.Equal(t, 1, h.rec.Count(models.LevelWarning, models.CategoryEntry))
}

func TestStaleDecisionWarnsOnce(t *testing.T) {
	h := newHarness(t)
	h.src.Set(longDecision("101", t0.Add(-11*time.Minute)))

	h.mustStep()
	h.mustStep()

	assert.Empty(t, h.ex.Placed())
	assert.Equal(t, 1, h.rec.Count(models.LevelWarning, models.CategoryStaleDecision))
}

func TestDecisionAgesOutWhilePending(t *testing.T) {
	h := newHarness(t)
	h.src.Set(longDecision("101", t0))
	h.mustStep()
	require.Equal(t, 1, h.ex.LiveCount())

	h.clock.Advance(11 * time.Minute)
	h.mustStep()

	assert.Equal(t, 0, h.ex.LiveCount())
	assert.Equal(t, models.PositionNone, h.st.Position().Status)
}

func TestEntryBelowMinQtySkipped(t *testing.T) {
	h := newHarness(t)
	d := longDecision("101", t0)
	d.PositionSizeUSDT = 50
	h.src.Set(d)

	h.mustStep()

	assert.Empty(t, h.ex.Placed())
	assert.Equal(t, 1, h.rec.Count(models.LevelWarning, models.CategoryEntry))
}

func TestEntryGuardBlocksOverLeverage(t *testing.T) {
	h := newHarness(t)
	h.ex.SetEquity(500)
	h.src.Set(longDecision("101", t0))

	h.mustStep()
	h.mustStep()

	assert.Empty(t, h.ex.Placed())
	assert.Equal(t, 1, h.rec.Count(models.LevelError, models.CategoryRiskGuard))
	assert.Equal(t, models.PositionNone, h.st.Position().Status)
}

func TestEntryGuardBlocksPriceDeviation(t *testing.T) {
	h := newHarness(t)
	h.ex.SetQuote(92699.9, 92700.1)
	h.src.Set(longDecision("101", t0))

	h.mustStep()

	assert.Empty(t, h.ex.Placed())
	ev := h.rec.Events()
	require.NotEmpty(t, ev)
	last := ev[len(ev)-1]
	assert.Equal(t, models.CategoryRiskGuard, last.Category)
	assert.Equal(t, engine.GuardDeviation, last.Context["code"])
}

func TestEntryAccountHardErrorCounts(t *testing.T) {
	h := newHarness(t)
	h.src.Set(longDecision("101", t0))
	h.ex.InjectError("account", hardErr("account"))

	assert.Error(t, h.step())
	assert.Equal(t, 1, h.eng.Safety().State().ConsecutiveHard)
	assert.Empty(t, h.ex.Placed())

	h.mustStep()
	assert.Len(t, h.ex.Placed(), 1)
	assert.Equal(t, 0, h.eng.Safety().State().ConsecutiveHard)
}

func TestProperty_StaleDecisionNeverEnters(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("no entry order for a decision older than the max age", prop.ForAll(
		func(ageSec int64, confidence float64, short bool) bool {
			h := newHarness(t)
			issued := t0.Add(-time.Duration(ageSec) * time.Second)
			d := longDecision("7", issued)
			if short {
				d = shortDecision("7", issued)
			}
			d.Confidence = confidence
			h.src.Set(d)
			for i := 0; i < 3; i++ {
				if err := h.step(); err != nil {
					return false
				}
				h.clock.Advance(30 * time.Second)
			}
			return len(h.ex.Placed()) == 0 && h.st.Position().Status == models.PositionNone
		},
		gen.Int64Range(601, 48*3600),
		gen.Float64Range(0, 1),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
