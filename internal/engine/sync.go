package engine

import (
	"context"

	"liq_engine/internal/gateway"
	"liq_engine/internal/metrics"
	"liq_engine/internal/models"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const qtyEps = 1e-9

// fill: прирост исполнения ордера роли с последнего учёта.
type fill struct {
	role  models.Role
	qty   float64
	px    float64
	order models.Order
}

// absorb применяет ответ биржи к записи роли и возвращает прирост исполнения.
// Ответ по чужому client id игнорируется.
func (e *Engine) absorb(ctx context.Context, role models.Role, ex gateway.ExchangeOrder) (fill, bool, error) {
	cur, ok := e.store.Order(role)
	if !ok || cur.ClientID != ex.ClientID {
		return fill{}, false, nil
	}
	status := ex.Status
	if status == "" {
		status = cur.Status
	}
	grew := ex.ExecutedQty > cur.ExecutedQty+qtyEps
	if !grew && status == cur.Status && (ex.ExchangeID == "" || ex.ExchangeID == cur.ExchangeID) {
		return fill{}, false, nil
	}

	prevQty, prevAvg := cur.ExecutedQty, cur.AvgPrice
	o, _, err := e.store.UpdateOrder(ctx, role, ex.ClientID, func(o *models.Order) {
		if grew {
			o.ExecutedQty = ex.ExecutedQty
			o.AvgPrice = ex.AvgPrice
		}
		o.Status = status
		if ex.ExchangeID != "" {
			o.ExchangeID = ex.ExchangeID
		}
	})
	if !grew {
		return fill{}, false, err
	}

	delta := o.ExecutedQty - prevQty
	px := o.AvgPrice
	if o.AvgPrice > 0 {
		if v := (o.AvgPrice*o.ExecutedQty - prevAvg*prevQty) / delta; v > 0 {
			px = v
		}
	}
	if px <= 0 {
		px = o.TriggerPrice()
	}
	metrics.Fills.WithLabelValues(string(role)).Inc()
	e.log.Info("fill",
		zap.String("role", string(role)),
		zap.String("client_id", o.ClientID),
		zap.Float64("qty", delta),
		zap.Float64("price", px),
		zap.String("status", string(o.Status)),
	)
	return fill{role: role, qty: delta, px: px, order: o}, true, err
}

// syncOrders сверяет локально живые ордера с открытыми на бирже.
// Пропавшие из списка дозапрашиваются по client id: исполнен или снят.
func (e *Engine) syncOrders(ctx context.Context, open []gateway.ExchangeOrder) ([]fill, error) {
	byID := make(map[string]gateway.ExchangeOrder, len(open))
	for _, o := range open {
		byID[o.ClientID] = o
	}

	var (
		fills []fill
		errs  error
	)
	for _, local := range e.store.LiveOrders() {
		ex, ok := byID[local.ClientID]
		if !ok {
			q, err := e.gw.QueryOrder(ctx, e.cfg.Symbol, local.ClientID)
			switch {
			case gateway.IsNotFound(err):
				ex = exchangeView(local)
				ex.Status = models.OrderCanceled
			case err != nil:
				e.escalate(ctx, "query "+string(local.Role), err)
				errs = multierr.Append(errs, err)
				continue
			default:
				ex = q
			}
		}
		f, filled, err := e.absorb(ctx, local.Role, ex)
		errs = multierr.Append(errs, err)
		if filled {
			fills = append(fills, f)
		}
	}
	return fills, errs
}

// applyFills применяет исполнения по порядку ролей; каждая роль изолирована.
// Безубыток после TP1 ставится, когда учтены все исполнения пачки.
func (e *Engine) applyFills(ctx context.Context, fills []fill) error {
	var errs error
	for _, f := range fills {
		errs = multierr.Append(errs, e.guard("fill "+string(f.role), func() error {
			return e.applyFill(ctx, f)
		}))
	}
	if e.beDue {
		e.beDue = false
		if e.store.Position().HasExposure() {
			errs = multierr.Append(errs, e.guard("breakeven", func() error { return e.breakeven(ctx) }))
		}
	}
	return errs
}

func (e *Engine) applyFill(ctx context.Context, f fill) error {
	if f.role == models.RoleEntry {
		return e.onEntryFill(ctx, f)
	}
	return e.onExitFill(ctx, f)
}

func (e *Engine) onEntryFill(ctx context.Context, f fill) error {
	now := e.clock.Now()
	d, hasDecision := e.decisions.ByID(f.order.DecisionID)

	p, err := e.store.UpdatePosition(ctx, func(p *models.Position) {
		if p.Status == models.PositionNone || p.DecisionID != f.order.DecisionID {
			*p = models.Position{
				Side:       openSideOf(f.order.Side),
				DecisionID: f.order.DecisionID,
				Management: models.DefaultManagement(),
			}
			if hasDecision {
				p.SL, p.TP1, p.TP2 = d.SL, d.TP1Price(), d.TP2Price()
				p.Management = d.Management
			}
		}
		total := p.Size + f.qty
		p.EntryPrice = (p.EntryPrice*p.Size + f.px*f.qty) / total
		p.Size = total
		p.InitialSize = total
		if p.OpenedAt.IsZero() {
			p.OpenedAt = now
		}
		p.Status = models.PositionOpen
		if f.order.Live() {
			p.Status = models.PositionEntryPending
		}
	})
	e.emit(models.LevelInfo, models.CategoryEntry, "entry filled", map[string]any{
		"decision_id": p.DecisionID,
		"side":        string(p.Side),
		"qty":         f.qty,
		"price":       f.px,
		"size":        p.Size,
		"status":      string(p.Status),
	})
	return err
}

func (e *Engine) onExitFill(ctx context.Context, f fill) error {
	var (
		pnl      float64
		before   models.Position
		tp1Fresh bool
	)
	p, err := e.store.UpdatePosition(ctx, func(p *models.Position) {
		before = *p
		q := f.qty
		if q > p.Size {
			q = p.Size
		}
		pnl = p.PnL(q, f.px)
		p.RealizedPnL += pnl
		p.Size -= q
		if p.Size < e.lotTolerance() {
			p.Size = 0
		}
		switch {
		case f.role == models.RoleTP1 && f.order.Status == models.OrderFilled && !p.TP1Hit:
			p.TP1Hit = true
			tp1Fresh = true
		case f.role == models.RoleTP2 && f.order.Status == models.OrderFilled:
			p.TP2Hit = true
		}
	})
	if err != nil {
		return err
	}
	metrics.RealizedPnL.Add(pnl)

	e.emit(models.LevelInfo, models.CategoryPosition, string(f.role)+" filled", map[string]any{
		"decision_id": p.DecisionID,
		"qty":         f.qty,
		"price":       f.px,
		"remaining":   p.Size,
		"pnl":         pnl,
	})

	if before.Size > 0 && p.Size == 0 {
		return e.closePosition(ctx, exitReason(f.role))
	}
	if tp1Fresh && p.Management.EnableTrailing {
		e.beDue = true
	}
	return nil
}

// settleEntry закрывает фазу входа, когда живого entry-ордера больше нет.
func (e *Engine) settleEntry(ctx context.Context) error {
	p := e.store.Position()
	if p.Status != models.PositionEntryPending {
		return nil
	}
	if _, live := e.store.LiveOrder(models.RoleEntry); live {
		return nil
	}
	e.entry = entryState{}
	if p.Size > 0 {
		_, err := e.store.UpdatePosition(ctx, func(p *models.Position) { p.Status = models.PositionOpen })
		e.log.Info("entry finished with partial size", zap.Float64("size", p.Size))
		return err
	}
	_, err := e.store.UpdatePosition(ctx, func(p *models.Position) { p.Status = models.PositionNone })
	return err
}

func (e *Engine) lotTolerance() float64 {
	if e.inst.LotSize > 0 {
		return e.inst.LotSize / 2
	}
	return qtyEps
}

func openSideOf(s models.OrderSide) models.Side {
	if s == models.Sell {
		return models.SideShort
	}
	return models.SideLong
}

func exitReason(role models.Role) string {
	switch role {
	case models.RoleSL:
		return "stop_loss"
	case models.RoleTP1:
		return "take_profit_1"
	case models.RoleTP2:
		return "take_profit_2"
	}
	return string(role)
}
