package engine

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"liq_engine/internal/decision"
	"liq_engine/internal/gateway"
	"liq_engine/internal/metrics"
	"liq_engine/internal/models"

	"go.uber.org/zap"
)

// entryBlock: причина не входить по снимку решения; "": вход разрешён.
func (e *Engine) entryBlock(snap decision.Snapshot, p models.Position, now time.Time) string {
	d := snap.Decision
	switch {
	case !snap.Present:
		return "no decision"
	case snap.Err != nil:
		e.emitOnce("invalid", snap.Version, models.LevelWarning, models.CategoryEntry,
			"decision invalid, treated as flat", map[string]any{"decision_id": d.ID, "error": snap.Err.Error()})
		return "invalid decision"
	case d.Action == models.ActionFlat:
		return "flat"
	case snap.Stale(now, e.cfg.DecisionMaxAge):
		return "stale decision"
	}
	if failed := d.FailedRiskFlags(); len(failed) > 0 {
		e.emitOnce("flags", snap.Version, models.LevelWarning, models.CategoryRiskGuard,
			"risk manager flags force flat", map[string]any{"decision_id": d.ID, "flags": strings.Join(failed, ",")})
		return "risk flags: " + strings.Join(failed, ",")
	}
	if e.safety.SafeMode() {
		return "safe mode"
	}
	if p.DecisionID == d.ID && p.Status == models.PositionNone && !p.ClosedAt.IsZero() {
		return "decision already traded"
	}
	return ""
}

// manageEntry ведёт вход: лимитка в середине коридора, догон, рыночный фолбэк.
func (e *Engine) manageEntry(ctx context.Context, snap decision.Snapshot, q models.Quote) error {
	now := e.clock.Now()
	p := e.store.Position()
	live, hasLive := e.store.LiveOrder(models.RoleEntry)
	d := snap.Decision

	if reason := e.entryBlock(snap, p, now); reason != "" {
		if hasLive {
			e.log.Info("canceling entry", zap.String("reason", reason), zap.String("client_id", live.ClientID))
			if err := e.cancelRole(ctx, models.RoleEntry); err != nil {
				return err
			}
			return e.settleEntry(ctx)
		}
		return nil
	}

	if hasLive && live.DecisionID != d.ID {
		// пришло новое решение: старую лимитку снимаем, новая на следующем проходе
		e.log.Info("decision changed, canceling entry",
			zap.String("old", live.DecisionID), zap.String("new", d.ID))
		if err := e.cancelRole(ctx, models.RoleEntry); err != nil {
			return err
		}
		return e.settleEntry(ctx)
	}
	if !q.Valid() {
		return nil
	}
	if !hasLive {
		if p.Status != models.PositionNone {
			return nil
		}
		return e.placeEntry(ctx, snap, q)
	}
	return e.chase(ctx, snap, live, q, now)
}

// guardEntry читает equity и прогоняет локальный гард. Отказ: flat для входа.
func (e *Engine) guardEntry(ctx context.Context, snap decision.Snapshot, q models.Quote) error {
	acc, err := e.gw.Account(ctx)
	if err != nil {
		if gateway.IsExhausted(err) || gateway.IsHard(err) {
			e.hard(ctx, "account", err)
		}
		return err
	}
	metrics.Equity.Set(acc.Equity)
	err = e.safety.CheckEntry(ctx, snap.Decision, q.Mid(), acc.Equity)
	var ge *GuardError
	if errors.As(err, &ge) {
		e.emitOnce("guard:"+ge.Code, snap.Version, models.LevelError, models.CategoryRiskGuard,
			"entry blocked by local risk guard", map[string]any{
				"decision_id": snap.Decision.ID,
				"code":        ge.Code,
				"detail":      ge.Detail,
			})
	}
	return err
}

func (e *Engine) placeEntry(ctx context.Context, snap decision.Snapshot, q models.Quote) error {
	d := snap.Decision
	price := gateway.RoundToStep(d.EntryMid(), e.inst.TickSize)
	qty := gateway.FloorToStep(d.PositionSizeUSDT/price, e.inst.LotSize)
	if qty <= 0 || qty+qtyEps < e.inst.MinQty {
		e.emitOnce("size", snap.Version, models.LevelWarning, models.CategoryEntry,
			"position size below instrument minimum, skipping", map[string]any{
				"decision_id": d.ID, "qty": qty, "min_qty": e.inst.MinQty,
			})
		return nil
	}
	if err := e.guardEntry(ctx, snap, q); err != nil {
		return e.guardFailed(ctx, err)
	}

	if _, err := e.store.UpdatePosition(ctx, func(p *models.Position) {
		*p = models.Position{
			Side:       d.Side(),
			Status:     models.PositionEntryPending,
			SL:         d.SL,
			TP1:        d.TP1Price(),
			TP2:        d.TP2Price(),
			DecisionID: d.ID,
			Management: d.Management,
		}
	}); err != nil {
		return err
	}

	ex, _, err := e.orders.Place(ctx, OrderSpec{
		Role:       models.RoleEntry,
		DecisionID: d.ID,
		Side:       d.Side().OpenSide(),
		Type:       models.OrderLimit,
		Price:      price,
		Quantity:   qty,
	})
	if err != nil {
		e.escalate(ctx, "place entry", err)
		if serr := e.settleEntry(ctx); serr != nil {
			e.log.Error("entry rollback failed", zap.Error(serr))
		}
		return err
	}
	e.entry = entryState{decisionID: d.ID, targetQty: qty, placedAt: e.clock.Now()}
	e.emit(models.LevelInfo, models.CategoryEntry, "entry limit placed", map[string]any{
		"decision_id": d.ID,
		"side":        string(d.Side()),
		"price":       price,
		"qty":         qty,
		"band":        []float64{d.EntryMin, d.EntryMax},
	})
	return e.take(ctx, models.RoleEntry, ex)
}

// entryStateFor восстанавливает состояние догона после рестарта.
func (e *Engine) entryStateFor(live models.Order) *entryState {
	if e.entry.decisionID != live.DecisionID {
		p := e.store.Position()
		e.entry = entryState{
			decisionID: live.DecisionID,
			targetQty:  live.Remaining() + p.Size,
			placedAt:   live.UpdatedAt,
			market:     live.Type == models.OrderMarket,
		}
	}
	return &e.entry
}

// chase переставляет лимитку ближе к рынку в пределах коридора.
// После исчерпания попыток: рыночный вход при узком спреде и высокой уверенности.
func (e *Engine) chase(ctx context.Context, snap decision.Snapshot, live models.Order, q models.Quote, now time.Time) error {
	st := e.entryStateFor(live)
	cfg := e.cfg.Entry
	if st.market || now.Sub(st.placedAt) < cfg.ChaseMinDwell {
		return nil
	}
	if st.attempts >= cfg.MaxChaseAttempts {
		return e.marketEntry(ctx, snap, q, st)
	}

	d := snap.Decision
	mid := q.Mid()
	if drift := math.Abs(mid-live.Price) / mid; drift <= cfg.ChaseThresholdPct {
		// лимитка простояла окно без исполнения: попытка сгорает без перестановки
		e.spendAttempt(st, live, now)
		return nil
	}
	if !e.vol.Stable(now, cfg.VolatilityWindow, cfg.VolatilityMaxPct) {
		e.log.Debug("chase deferred, market not stable")
		return nil
	}

	// пассивная сторона стакана, не дальше коридора
	target := q.Bid
	if d.Side() == models.SideShort {
		target = q.Ask
	}
	target = gateway.RoundToStep(d.ClampToBand(target), e.inst.TickSize)
	if gateway.SameStep(target, live.Price, e.inst.TickSize) {
		e.spendAttempt(st, live, now)
		return nil
	}
	if err := e.guardEntry(ctx, snap, q); err != nil {
		return e.guardFailed(ctx, err)
	}

	if err := e.cancelRole(ctx, models.RoleEntry); err != nil {
		return err
	}
	qty, ok := e.remainingEntry(st)
	if !ok {
		return e.settleEntry(ctx)
	}
	ex, _, err := e.orders.Place(ctx, OrderSpec{
		Role:       models.RoleEntry,
		DecisionID: d.ID,
		Side:       d.Side().OpenSide(),
		Type:       models.OrderLimit,
		Price:      target,
		Quantity:   qty,
	})
	if err != nil {
		e.escalate(ctx, "chase entry", err)
		return err
	}
	st.attempts++
	st.placedAt = now
	metrics.Chases.Inc()
	e.emit(models.LevelInfo, models.CategoryChase, "entry chased", map[string]any{
		"decision_id": d.ID,
		"from":        live.Price,
		"to":          target,
		"mid":         mid,
		"attempt":     st.attempts,
		"qty":         qty,
	})
	return e.take(ctx, models.RoleEntry, ex)
}

// spendAttempt засчитывает окно ожидания без исполнения как попытку догона.
func (e *Engine) spendAttempt(st *entryState, live models.Order, now time.Time) {
	st.attempts++
	st.placedAt = now
	e.log.Debug("entry unfilled after dwell",
		zap.String("client_id", live.ClientID),
		zap.Float64("price", live.Price),
		zap.Int("attempt", st.attempts))
}

// marketEntry: фолбэк: цена в коридоре, спред узкий, уверенность высокая.
func (e *Engine) marketEntry(ctx context.Context, snap decision.Snapshot, q models.Quote, st *entryState) error {
	d := snap.Decision
	cfg := e.cfg.Entry
	mid := q.Mid()
	if !d.InBand(mid) || q.SpreadPct() > cfg.MaxSpreadPct || d.Confidence < cfg.MarketEntryThreshold {
		return nil
	}
	if err := e.guardEntry(ctx, snap, q); err != nil {
		return e.guardFailed(ctx, err)
	}

	if err := e.cancelRole(ctx, models.RoleEntry); err != nil {
		return err
	}
	qty, ok := e.remainingEntry(st)
	if !ok {
		return e.settleEntry(ctx)
	}
	ex, _, err := e.orders.Place(ctx, OrderSpec{
		Role:       models.RoleEntry,
		DecisionID: d.ID,
		Side:       d.Side().OpenSide(),
		Type:       models.OrderMarket,
		Quantity:   qty,
	})
	if err != nil {
		e.escalate(ctx, "market entry", err)
		return err
	}
	st.market = true
	metrics.MarketEntries.Inc()
	e.emit(models.LevelWarning, models.CategoryMarketEntry, "chase exhausted, entering at market", map[string]any{
		"decision_id": d.ID,
		"mid":         mid,
		"spread_pct":  q.SpreadPct(),
		"confidence":  d.Confidence,
		"qty":         qty,
	})
	return e.take(ctx, models.RoleEntry, ex)
}

// guardFailed: отказ гарда снимает ожидающий вход как при flat, прочие ошибки отдаёт наверх.
func (e *Engine) guardFailed(ctx context.Context, err error) error {
	var ge *GuardError
	if !errors.As(err, &ge) {
		return err
	}
	if _, live := e.store.LiveOrder(models.RoleEntry); !live {
		return nil
	}
	if cerr := e.cancelRole(ctx, models.RoleEntry); cerr != nil {
		return cerr
	}
	return e.settleEntry(ctx)
}

// remainingEntry: сколько ещё надо набрать до целевого объёма.
func (e *Engine) remainingEntry(st *entryState) (float64, bool) {
	p := e.store.Position()
	qty := gateway.FloorToStep(st.targetQty-p.Size+qtyEps, e.inst.LotSize)
	if qty <= 0 || qty+qtyEps < e.inst.MinQty {
		return 0, false
	}
	return qty, true
}
