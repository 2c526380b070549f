package engine

import (
	"context"
	"math"

	"liq_engine/internal/gateway"
	"liq_engine/internal/models"

	"go.uber.org/zap"
)

// TrailInput: всё, что нужно для расчёта кандидата в стоп.
type TrailInput struct {
	Side      models.Side
	Price     float64
	Entry     float64
	CurrentSL float64
	TP1Hit    bool
	Candles   []models.Candle
	// ZonePrice: цена кластера ликвидаций, 0 если зоны нет.
	ZonePrice float64
}

// TrailCandidate считает стоп для structure_plus_liq.
// Возвращает 0, если кандидат не уменьшает риск относительно текущего стопа.
func TrailCandidate(cfg TrailingConfig, in TrailInput) (float64, string) {
	if in.Price <= 0 {
		return 0, ""
	}
	long := in.Side != models.SideShort
	var (
		cand float64
		src  string
	)
	consider := func(c float64, from string) {
		if c <= 0 {
			return
		}
		if cand == 0 || (long && c > cand) || (!long && c < cand) {
			cand, src = c, from
		}
	}

	// структура: экстремум последних свингов с буфером
	candles := in.Candles
	if n := cfg.SwingLookback; n > 0 && len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	if len(candles) > 0 {
		ext := candles[0].Low
		if !long {
			ext = candles[0].High
		}
		for _, c := range candles[1:] {
			if long {
				ext = math.Min(ext, c.Low)
			} else {
				ext = math.Max(ext, c.High)
			}
		}
		if long {
			consider(ext*(1-cfg.StructureBufferPct), "structure")
		} else {
			consider(ext*(1+cfg.StructureBufferPct), "structure")
		}
	}

	// импульс: чем ближе кластер ликвидаций, тем уже трейл
	pct := cfg.TrailPct
	if in.ZonePrice > 0 && cfg.LiqApproachPct > 0 {
		ahead := (long && in.ZonePrice >= in.Price) || (!long && in.ZonePrice <= in.Price)
		dist := math.Abs(in.ZonePrice-in.Price) / in.Price
		switch {
		case !ahead:
			// зона пройдена
			pct = cfg.MinTrailPct
		case dist <= cfg.LiqApproachPct:
			closeness := 1 - dist/cfg.LiqApproachPct
			pct = cfg.TrailPct - (cfg.TrailPct-cfg.MinTrailPct)*closeness
		}
	}
	if pct > 0 {
		if long {
			consider(in.Price*(1-pct), "momentum")
		} else {
			consider(in.Price*(1+pct), "momentum")
		}
	}
	if cand == 0 {
		return 0, ""
	}

	// после TP1 стоп не уходит за вход
	if in.TP1Hit && in.Entry > 0 {
		if long {
			cand = math.Max(cand, in.Entry)
		} else {
			cand = math.Min(cand, in.Entry)
		}
	}
	if cfg.MinGapPct > 0 {
		if lim := in.Price * (1 - cfg.MinGapPct); long && cand > lim {
			cand = lim
		}
		if lim := in.Price * (1 + cfg.MinGapPct); !long && cand < lim {
			cand = lim
		}
	}
	if !models.Tightens(in.Side, in.CurrentSL, cand) {
		return 0, ""
	}
	return cand, src
}

// trailStop двигает стоп открытой позиции не чаще MinInterval.
// Трейлинг включается после TP1 (или сразу, если TP1 не задан).
func (e *Engine) trailStop(ctx context.Context, q models.Quote) error {
	p := e.store.Position()
	m := p.Management
	if p.Status != models.PositionOpen || !m.EnableTrailing || m.TrailMode != models.TrailStructurePlusLiq {
		return nil
	}
	if !p.TP1Hit && p.TP1 > 0 {
		return nil
	}
	if !q.Valid() {
		return nil
	}
	now := e.clock.Now()
	if !e.trail.lastEval.IsZero() && now.Sub(e.trail.lastEval) < e.cfg.Trailing.MinInterval {
		return nil
	}
	e.trail.lastEval = now

	in := TrailInput{
		Side:      p.Side,
		Price:     q.Mid(),
		Entry:     p.EntryPrice,
		CurrentSL: p.SL,
		TP1Hit:    p.TP1Hit,
		ZonePrice: e.zonePrice(ctx, p),
	}
	if e.candles != nil && e.cfg.Trailing.SwingLookback > 0 {
		c, err := e.candles.Candles(ctx, e.cfg.Symbol, e.cfg.Trailing.CandleInterval, e.cfg.Trailing.SwingLookback)
		if err != nil {
			e.log.Warn("candles unavailable, momentum trail only", zap.Error(err))
		}
		in.Candles = c
	}

	cand, src := TrailCandidate(e.cfg.Trailing, in)
	if cand == 0 {
		return nil
	}
	cand = gateway.ProtectiveStopPrice(cand, e.inst.TickSize, p.Side != models.SideShort)
	_, err := e.moveSL(ctx, cand, "trail_"+src)
	return err
}

// zonePrice кэширует зону ликвидаций позиции по id.
func (e *Engine) zonePrice(ctx context.Context, p models.Position) float64 {
	id := p.Management.LiqTPZoneID
	if id == "" || e.zones == nil {
		return 0
	}
	if e.trail.zoneID == id {
		if e.trail.zoneOK {
			return e.trail.zone.Price
		}
		return 0
	}
	z, err := e.zones.Zone(ctx, e.cfg.Symbol, id)
	if err != nil {
		e.log.Warn("liquidation zone lookup failed", zap.String("zone_id", id), zap.Error(err))
		return 0
	}
	e.trail.zoneID, e.trail.zone, e.trail.zoneOK = id, z, true
	return z.Price
}
