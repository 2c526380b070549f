package engine

import (
	"context"
	"math"

	"liq_engine/internal/gateway"
	"liq_engine/internal/metrics"
	"liq_engine/internal/models"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// protection: какой ордер роли должен стоять прямо сейчас.
type protection struct {
	need  bool
	typ   models.OrderType
	price float64
	qty   float64
}

func (e *Engine) protectionFor(p models.Position, role models.Role) protection {
	inst := e.inst
	if !p.HasExposure() {
		return protection{}
	}
	long := p.Side != models.SideShort
	size := gateway.FloorToStep(p.Size+qtyEps, inst.LotSize)

	switch role {
	case models.RoleSL:
		if p.SL <= 0 {
			return protection{}
		}
		return protection{
			need:  true,
			typ:   models.OrderStopMarket,
			price: gateway.ProtectiveStopPrice(p.SL, inst.TickSize, long),
			qty:   size,
		}
	case models.RoleTP1:
		frac := p.Management.TP1Fraction
		if p.TP1 <= 0 || p.TP1Hit || frac <= 0 {
			return protection{}
		}
		qty := math.Min(gateway.FloorToStep(p.InitialSize*frac+qtyEps, inst.LotSize), size)
		if qty <= 0 || qty+qtyEps < inst.MinQty {
			return protection{}
		}
		return protection{
			need:  true,
			typ:   models.OrderTakeProfit,
			price: gateway.RoundToStep(p.TP1, inst.TickSize),
			qty:   qty,
		}
	case models.RoleTP2:
		if p.TP2 <= 0 || p.TP2Hit {
			return protection{}
		}
		return protection{
			need:  true,
			typ:   models.OrderTakeProfit,
			price: gateway.RoundToStep(p.TP2, inst.TickSize),
			qty:   size,
		}
	}
	return protection{}
}

// fits: живой ордер совпадает с нужным по типу, цене и объёму.
func (e *Engine) fits(o models.Order, t protection, p models.Position) bool {
	if o.Type != t.typ || !gateway.SameStep(o.TriggerPrice(), t.price, e.inst.TickSize) {
		return false
	}
	rem := o.Remaining()
	if o.Role == models.RoleTP1 && o.ExecutedQty > 0 {
		// частично исполненный TP1 не перевыставляем, пока он не больше позиции
		return rem <= p.Size+e.lotTolerance()
	}
	return gateway.SameStep(rem, t.qty, e.inst.LotSize)
}

// ensureProtection приводит SL/TP1/TP2 к нужному виду. Роли изолированы друг от друга.
func (e *Engine) ensureProtection(ctx context.Context) error {
	var errs error
	for _, role := range models.ProtectiveRoles {
		errs = multierr.Append(errs, e.guard("protect "+string(role), func() error {
			return e.protect(ctx, role, true)
		}))
	}
	return errs
}

// protect ставит, перевыставляет или снимает ордер одной защитной роли.
// loud=false: без уведомления о пропаже (сверка пишет свою находку).
func (e *Engine) protect(ctx context.Context, role models.Role, loud bool) error {
	p := e.store.Position()
	t := e.protectionFor(p, role)
	live, hasLive := e.store.LiveOrder(role)

	if !t.need {
		if hasLive {
			return e.cancelRole(ctx, role)
		}
		return nil
	}
	if hasLive {
		if e.fits(live, t, p) {
			return nil
		}
		e.log.Info("protective order out of date, replacing",
			zap.String("role", string(role)),
			zap.Float64("price", live.TriggerPrice()),
			zap.Float64("want_price", t.price),
			zap.Float64("qty", live.Remaining()),
			zap.Float64("want_qty", t.qty),
		)
		if err := e.cancelRole(ctx, role); err != nil {
			return err
		}
		// отмена могла вскрыть исполнение и поменять позицию
		p = e.store.Position()
		if t = e.protectionFor(p, role); !t.need {
			return nil
		}
		return e.placeProtective(ctx, p, role, t, false)
	}

	prev, had := e.store.Order(role)
	missing := had && prev.DecisionID == p.DecisionID && prev.Status != models.OrderFilled
	return e.placeProtective(ctx, p, role, t, missing && loud)
}

func (e *Engine) placeProtective(ctx context.Context, p models.Position, role models.Role, t protection, missing bool) error {
	ex, placed, err := e.orders.Place(ctx, OrderSpec{
		Role:       role,
		DecisionID: p.DecisionID,
		Side:       p.Side.CloseSide(),
		Type:       t.typ,
		StopPrice:  t.price,
		Quantity:   t.qty,
		ReduceOnly: true,
	})
	kv := map[string]any{
		"role":        string(role),
		"decision_id": p.DecisionID,
		"price":       t.price,
		"qty":         t.qty,
	}
	if err != nil {
		kv["error"] = err.Error()
		if role != models.RoleSL {
			e.emitOnce("protect-fail:"+string(role)+":"+p.DecisionID, 0, models.LevelError,
				models.CategoryProtection, "take-profit placement failed", kv)
			e.escalate(ctx, "place "+string(role), err)
			return err
		}
		if gateway.IsRejected(err) && e.stopCrossed(ctx, p, t.price) {
			e.emit(models.LevelCritical, models.CategoryProtection, "stop price already crossed, closing at market", kv)
			return e.emergencyClose(ctx, p)
		}
		e.emit(models.LevelCritical, models.CategoryProtection, "stop-loss placement failed", kv)
		e.hard(ctx, "place sl", err)
		return err
	}
	if !placed {
		return nil
	}
	if missing {
		level := models.LevelError
		if role == models.RoleSL {
			level = models.LevelCritical
		}
		e.emit(level, models.CategoryProtection, "protective order was missing, recreated", kv)
	}
	return e.take(ctx, role, ex)
}

// take учитывает ответ биржи на только что выставленный ордер.
func (e *Engine) take(ctx context.Context, role models.Role, ex gateway.ExchangeOrder) error {
	f, filled, err := e.absorb(ctx, role, ex)
	if err != nil || !filled {
		return err
	}
	return e.applyFills(ctx, []fill{f})
}

// cancelRole снимает ордер роли и учитывает исполнение, которое могло случиться до отмены.
func (e *Engine) cancelRole(ctx context.Context, role models.Role) error {
	ex, ok, err := e.orders.Cancel(ctx, role)
	if err != nil {
		e.escalate(ctx, "cancel "+string(role), err)
		return err
	}
	if !ok {
		return nil
	}
	return e.take(ctx, role, ex)
}

func (e *Engine) stopCrossed(ctx context.Context, p models.Position, stop float64) bool {
	q, err := e.quotes.Quote(ctx, e.cfg.Symbol)
	if err != nil || !q.Valid() {
		return false
	}
	if p.Side == models.SideShort {
		return q.Mid() >= stop
	}
	return q.Mid() <= stop
}

// emergencyClose закрывает остаток рыночным reduce-only ордером под id стопа.
func (e *Engine) emergencyClose(ctx context.Context, p models.Position) error {
	ex, _, err := e.orders.Place(ctx, OrderSpec{
		Role:       models.RoleSL,
		DecisionID: p.DecisionID,
		Side:       p.Side.CloseSide(),
		Type:       models.OrderMarket,
		Quantity:   gateway.FloorToStep(p.Size+qtyEps, e.inst.LotSize),
		ReduceOnly: true,
	})
	if err != nil {
		e.hard(ctx, "emergency close", err)
		return err
	}
	return e.take(ctx, models.RoleSL, ex)
}

// breakeven после TP1 подтягивает стоп к входу, но не расширяет риск.
func (e *Engine) breakeven(ctx context.Context) error {
	p := e.store.Position()
	be := gateway.CeilToStep(p.EntryPrice, e.inst.TickSize)
	if p.Side == models.SideShort {
		be = gateway.FloorToStep(p.EntryPrice, e.inst.TickSize)
	}
	_, err := e.moveSL(ctx, be, "breakeven")
	return err
}

// moveSL: единственный путь изменения стопа открытой позиции.
// Стоп, увеличивающий риск, отбрасывается.
func (e *Engine) moveSL(ctx context.Context, sl float64, reason string) (bool, error) {
	p := e.store.Position()
	if !p.HasExposure() || !models.Tightens(p.Side, p.SL, sl) || gateway.SameStep(p.SL, sl, e.inst.TickSize) {
		return false, nil
	}
	old := p.SL
	moved := false
	p, err := e.store.UpdatePosition(ctx, func(p *models.Position) {
		if models.Tightens(p.Side, p.SL, sl) {
			p.SL = sl
			moved = true
		}
	})
	if err != nil || !moved {
		return moved, err
	}
	e.emit(models.LevelInfo, models.CategoryTrailing, "stop-loss moved", map[string]any{
		"decision_id": p.DecisionID,
		"from":        old,
		"to":          sl,
		"reason":      reason,
	})
	return true, e.guard("protect sl", func() error { return e.protect(ctx, models.RoleSL, true) })
}

// closePosition переводит позицию в CLOSING и пытается снять все ордера.
func (e *Engine) closePosition(ctx context.Context, reason string) error {
	_, err := e.store.UpdatePosition(ctx, func(p *models.Position) {
		if p.Status == models.PositionNone {
			return
		}
		p.Size = 0
		p.Status = models.PositionClosing
		p.ExitReason = reason
	})
	if err != nil {
		return err
	}
	return e.finishClosing(ctx)
}

// finishClosing: пока хоть одна отмена не прошла, позиция остаётся CLOSING.
func (e *Engine) finishClosing(ctx context.Context) error {
	var errs error
	for _, o := range e.store.LiveOrders() {
		errs = multierr.Append(errs, e.cancelRole(ctx, o.Role))
	}
	if errs != nil {
		e.log.Warn("position stays CLOSING, cancels failed", zap.Error(errs))
		return errors.Wrap(errs, "closing")
	}

	p := e.store.Position()
	if p.Status != models.PositionClosing {
		return nil
	}
	p, err := e.store.UpdatePosition(ctx, func(p *models.Position) {
		p.Status = models.PositionNone
		p.ClosedAt = e.clock.Now()
	})
	if err != nil {
		return err
	}
	e.entry = entryState{}
	e.trail = trailState{}

	metrics.TradesClosed.WithLabelValues(p.ExitReason, string(p.Side)).Inc()
	e.emit(models.LevelInfo, models.CategoryPosition, "position closed", map[string]any{
		"decision_id":  p.DecisionID,
		"side":         string(p.Side),
		"reason":       p.ExitReason,
		"entry":        p.EntryPrice,
		"initial_size": p.InitialSize,
		"realized_pnl": p.RealizedPnL,
		"held":         p.ClosedAt.Sub(p.OpenedAt).String(),
	})

	if acc, err := e.gw.Account(ctx); err == nil {
		metrics.Equity.Set(acc.Equity)
		e.safety.UpdateBaseline(ctx, acc.Equity)
	} else {
		e.log.Warn("equity refresh after close failed", zap.Error(err))
	}
	return nil
}
