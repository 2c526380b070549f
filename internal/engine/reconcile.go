package engine

import (
	"context"
	"fmt"
	"math"

	"liq_engine/internal/gateway"
	"liq_engine/internal/identity"
	"liq_engine/internal/metrics"
	"liq_engine/internal/models"
	"liq_engine/pkg/tracing"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Reconcile: эксклюзивная сверка локального состояния с биржей.
// Ждёт окончания текущей итерации цикла; цикл на время сверки пропускает шаги.
func (e *Engine) Reconcile(ctx context.Context, trigger models.ReconcileTrigger) (models.ReconciliationReport, error) {
	e.phase.Lock()
	defer e.phase.Unlock()
	return e.reconcile(ctx, trigger)
}

func (e *Engine) reconcile(ctx context.Context, trigger models.ReconcileTrigger) (r models.ReconciliationReport, err error) {
	span, ctx := tracing.StartSpan(ctx, "engine.reconcile")
	defer func() { tracing.Finish(span, err) }()

	r = models.ReconciliationReport{
		RunID:     uuid.NewString(),
		Symbol:    e.cfg.Symbol,
		Trigger:   trigger,
		StartedAt: e.clock.Now(),
	}
	log := e.log.With(zap.String("run_id", r.RunID), zap.String("trigger", string(trigger)))

	err = e.reconcileInto(ctx, &r)
	r.FinishedAt = e.clock.Now()
	switch {
	case err != nil:
		r.Status = models.ReconcileFailed
		r.Error = err.Error()
	case len(r.Findings) == 0:
		r.Status = models.ReconcileOK
	default:
		r.Status = models.ReconcileRepaired
		for _, f := range r.Findings {
			if !f.Repaired {
				r.Status = models.ReconcileFailed
			}
		}
	}
	e.lastReconcile.Store(r.FinishedAt.UnixNano())

	metrics.Reconciliations.WithLabelValues(string(trigger), string(r.Status)).Inc()
	for _, f := range r.Findings {
		metrics.Findings.WithLabelValues(string(f.Kind)).Inc()
	}
	if serr := e.store.SaveReconciliation(ctx, r); serr != nil {
		log.Error("reconciliation report not persisted", zap.Error(serr))
	}
	e.notifyReport(r)
	log.Info("reconciliation finished",
		zap.String("status", string(r.Status)),
		zap.Int("findings", len(r.Findings)),
		zap.Duration("took", r.FinishedAt.Sub(r.StartedAt)),
	)

	e.safety.OnReconciliation(ctx, r)
	if r.Clean() {
		if acc, aerr := e.gw.Account(ctx); aerr == nil {
			metrics.Equity.Set(acc.Equity)
			e.safety.UpdateBaseline(ctx, acc.Equity)
		}
	}
	e.setLoopMetrics()
	return r, err
}

func (e *Engine) reconcileInto(ctx context.Context, r *models.ReconciliationReport) error {
	inst, err := e.instrument(ctx)
	if err != nil {
		e.escalate(ctx, "instrument", err)
		return err
	}
	open, err := e.gw.OpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		e.escalate(ctx, "open orders", err)
		return err
	}

	// 1. локально живые ордера, пропавшие с биржи
	fills, err := e.syncOrders(ctx, open)
	if err != nil {
		return err
	}
	if err := e.applyFills(ctx, fills); err != nil {
		e.log.Warn("fill application failed during reconciliation", zap.String("run_id", r.RunID), zap.Error(err))
	}
	if err := e.settleEntry(ctx); err != nil {
		return err
	}

	snap, err := e.gw.Position(ctx, e.cfg.Symbol)
	if err != nil {
		e.escalate(ctx, "position", err)
		return err
	}
	tol := inst.LotSize / 2
	local := e.store.Position()
	exchangeHas := snap.Size > tol

	// 2. позиции
	if exchangeHas && snap.Side == models.SideNone {
		err := fmt.Errorf("exchange reports size %.8f without side", snap.Size)
		e.hard(ctx, "position", err)
		return err
	}
	if local.HasExposure() && exchangeHas && snap.Side != local.Side {
		r.Findings = append(r.Findings, e.repairPhantom(ctx, local))
		local = e.store.Position()
	}
	switch {
	case local.HasExposure() && !exchangeHas:
		r.Findings = append(r.Findings, e.repairPhantom(ctx, local))
	case !local.HasExposure() && exchangeHas:
		r.Findings = append(r.Findings, e.repairOrphan(ctx, snap))
	case local.HasExposure() && math.Abs(local.Size-snap.Size) > tol:
		r.Findings = append(r.Findings, e.repairSizeMismatch(ctx, local, snap))
	}

	// 3. чужие и потерянные ордера: список заново, ремонт позиции мог снять свои
	if open, err = e.gw.OpenOrders(ctx, e.cfg.Symbol); err != nil {
		e.escalate(ctx, "open orders", err)
		return err
	}
	r.Findings = append(r.Findings, e.repairOrphanOrders(ctx, open)...)

	// 4. защита открытой позиции
	r.Findings = append(r.Findings, e.repairProtection(ctx)...)
	return nil
}

func (e *Engine) repairPhantom(ctx context.Context, local models.Position) models.Finding {
	f := models.Finding{
		Kind:   models.FindingPhantomPosition,
		Level:  models.LevelError,
		Detail: "local position has no exchange counterpart, closed locally",
		Context: map[string]any{
			"side":        string(local.Side),
			"size":        local.Size,
			"decision_id": local.DecisionID,
		},
	}
	var errs error
	for _, o := range e.store.LiveOrders() {
		errs = multierr.Append(errs, e.cancelRole(ctx, o.Role))
	}
	closed := false
	_, err := e.store.UpdatePosition(ctx, func(p *models.Position) {
		if p.Status == models.PositionNone {
			return
		}
		p.Size = 0
		p.Status = models.PositionNone
		p.ExitReason = "phantom"
		p.ClosedAt = e.clock.Now()
		closed = true
	})
	errs = multierr.Append(errs, err)
	if closed {
		metrics.TradesClosed.WithLabelValues("phantom", string(local.Side)).Inc()
	}
	e.entry = entryState{}
	e.trail = trailState{}

	f.Repaired = errs == nil
	if errs != nil {
		f.Error = errs.Error()
	}
	return f
}

func (e *Engine) repairOrphan(ctx context.Context, snap gateway.PositionSnapshot) models.Finding {
	now := e.clock.Now()
	cur := e.decisions.Refresh(ctx, now)
	d := cur.Decision
	mark := snap.MarkPrice
	if mark <= 0 {
		mark = snap.EntryPrice
	}
	pos := models.Position{
		Side:        snap.Side,
		Status:      models.PositionOpen,
		Size:        snap.Size,
		InitialSize: snap.Size,
		EntryPrice:  snap.EntryPrice,
		DecisionID:  identity.OrphanDecisionID(e.cfg.Symbol, snap.Side),
		Management:  models.DefaultManagement(),
		OpenedAt:    now,
	}
	source := "fallback"
	if cur.Actionable() && !cur.Stale(now, e.cfg.DecisionMaxAge) && d.Side() == snap.Side && protectiveSide(snap.Side, d.SL, mark) {
		pos.DecisionID = d.ID
		pos.SL = d.SL
		pos.Management = d.Management
		if tp := d.TP1Price(); protectiveSide(snap.Side, mark, tp) {
			pos.TP1 = tp
		}
		if tp := d.TP2Price(); protectiveSide(snap.Side, mark, tp) {
			pos.TP2 = tp
		}
		source = "decision"
	}
	if pos.SL <= 0 {
		pos.SL = fallbackSL(snap.Side, snap.EntryPrice, mark, e.cfg.Protection.FallbackSLPct)
	}

	f := models.Finding{
		Kind:   models.FindingOrphanPosition,
		Level:  models.LevelCritical,
		Detail: "exchange position without local record adopted, protection requested",
		Context: map[string]any{
			"side":        string(pos.Side),
			"size":        pos.Size,
			"entry":       pos.EntryPrice,
			"sl":          pos.SL,
			"sl_source":   source,
			"decision_id": pos.DecisionID,
		},
	}
	if _, err := e.store.UpdatePosition(ctx, func(p *models.Position) { *p = pos }); err != nil {
		f.Error = err.Error()
		return f
	}
	e.entry = entryState{}
	e.trail = trailState{}

	var errs error
	for _, role := range models.ProtectiveRoles {
		errs = multierr.Append(errs, e.guard("protect "+string(role), func() error {
			return e.protect(ctx, role, false)
		}))
	}
	_, live := e.store.LiveOrder(models.RoleSL)
	f.Repaired = live
	if errs != nil {
		f.Error = errs.Error()
	}
	return f
}

func (e *Engine) repairSizeMismatch(ctx context.Context, local models.Position, snap gateway.PositionSnapshot) models.Finding {
	f := models.Finding{
		Kind:   models.FindingSizeMismatch,
		Level:  models.LevelWarning,
		Detail: "local size differs from exchange, exchange size adopted",
		Context: map[string]any{
			"local":    local.Size,
			"exchange": snap.Size,
		},
	}
	_, err := e.store.UpdatePosition(ctx, func(p *models.Position) {
		p.Size = snap.Size
		if snap.EntryPrice > 0 {
			p.EntryPrice = snap.EntryPrice
		}
		if p.InitialSize < p.Size {
			p.InitialSize = p.Size
		}
	})
	f.Repaired = err == nil
	if err != nil {
		f.Error = err.Error()
	}
	return f
}

// repairOrphanOrders снимает открытые ордера без локальной записи.
// Ордер ядра с ожидаемым id текущей позиции подбирается, а не снимается:
// это ответ на размещение, потерянный до записи в журнал.
func (e *Engine) repairOrphanOrders(ctx context.Context, open []gateway.ExchangeOrder) []models.Finding {
	known := make(map[string]bool)
	for _, o := range e.store.LiveOrders() {
		known[o.ClientID] = true
	}
	p := e.store.Position()

	var out []models.Finding
	for _, ex := range open {
		if known[ex.ClientID] {
			continue
		}
		f := models.Finding{
			Kind:  models.FindingOrphanOrder,
			Level: models.LevelWarning,
			Context: map[string]any{
				"client_id": ex.ClientID,
				"type":      string(ex.Type),
				"side":      string(ex.Side),
				"qty":       ex.Quantity,
			},
		}
		if role, ok := e.expected(p, ex.ClientID); ok {
			_, err := e.store.PutOrder(ctx, models.Order{
				Role:        role,
				ClientID:    ex.ClientID,
				ExchangeID:  ex.ExchangeID,
				DecisionID:  p.DecisionID,
				Side:        ex.Side,
				Type:        ex.Type,
				Price:       ex.Price,
				StopPrice:   ex.StopPrice,
				Quantity:    ex.Quantity,
				ExecutedQty: ex.ExecutedQty,
				AvgPrice:    ex.AvgPrice,
				Status:      ex.Status,
				ReduceOnly:  ex.ReduceOnly,
			})
			f.Detail = "untracked order of the current position adopted"
			f.Repaired = err == nil
			if err != nil {
				f.Error = err.Error()
			}
			known[ex.ClientID] = true
			out = append(out, f)
			continue
		}

		err := e.gw.CancelOrder(ctx, e.cfg.Symbol, ex.ClientID)
		if gateway.IsNotFound(err) {
			err = nil
		}
		f.Context["owned"] = identity.Owned(ex.ClientID)
		f.Detail = "order without local record canceled"
		if !identity.Owned(ex.ClientID) {
			f.Detail = "foreign order canceled"
		}
		f.Repaired = err == nil
		if err != nil {
			f.Error = err.Error()
			e.escalate(ctx, "cancel orphan order", err)
		} else {
			metrics.OrdersCanceled.WithLabelValues("orphan").Inc()
		}
		out = append(out, f)
	}
	return out
}

// expected: id совпадает с тем, что ядро выдало бы текущей позиции для этой роли,
// а у роли нет живой записи.
func (e *Engine) expected(p models.Position, clientID string) (models.Role, bool) {
	role, ok := identity.Parse(clientID)
	if !ok || p.DecisionID == "" || identity.ClientID(p.DecisionID, role) != clientID {
		return "", false
	}
	if _, live := e.store.LiveOrder(role); live {
		return "", false
	}
	switch {
	case role == models.RoleEntry:
		return role, p.Status == models.PositionEntryPending
	default:
		return role, p.HasExposure()
	}
}

// repairProtection ставит недостающие SL/TP открытой позиции и подгоняет остальные.
func (e *Engine) repairProtection(ctx context.Context) []models.Finding {
	var out []models.Finding
	for _, role := range models.ProtectiveRoles {
		p := e.store.Position()
		t := e.protectionFor(p, role)
		_, live := e.store.LiveOrder(role)
		if !t.need || live {
			if err := e.guard("protect "+string(role), func() error { return e.protect(ctx, role, false) }); err != nil {
				e.log.Warn("protective resize failed", zap.String("role", string(role)), zap.Error(err))
			}
			continue
		}

		level := models.LevelError
		if role == models.RoleSL {
			level = models.LevelCritical
		}
		f := models.Finding{
			Kind:   models.FindingMissingProtect,
			Level:  level,
			Detail: string(role) + " missing on exchange, placed",
			Context: map[string]any{
				"role":        string(role),
				"price":       t.price,
				"qty":         t.qty,
				"decision_id": p.DecisionID,
			},
		}
		err := e.guard("protect "+string(role), func() error { return e.protect(ctx, role, false) })
		_, live = e.store.LiveOrder(role)
		f.Repaired = err == nil && live
		if err != nil {
			f.Error = err.Error()
		}
		out = append(out, f)
	}
	return out
}

func (e *Engine) notifyReport(r models.ReconciliationReport) {
	msg := "reconciliation ok"
	if len(r.Findings) > 0 || r.Status == models.ReconcileFailed {
		msg = fmt.Sprintf("reconciliation %s: %d finding(s)", r.Status, len(r.Findings))
	}
	items := make([]map[string]any, 0, len(r.Findings))
	for _, f := range r.Findings {
		items = append(items, map[string]any{
			"kind":     string(f.Kind),
			"level":    string(f.Level),
			"detail":   f.Detail,
			"repaired": f.Repaired,
		})
	}
	kv := map[string]any{
		"run_id":   r.RunID,
		"trigger":  string(r.Trigger),
		"status":   string(r.Status),
		"findings": items,
	}
	if r.Error != "" {
		kv["error"] = r.Error
	}
	e.emit(r.MaxLevel(), models.CategoryReconciliation, msg, kv)
}

// protectiveSide: стоп sl лежит на защитной стороне от цены px.
func protectiveSide(side models.Side, sl, px float64) bool {
	if sl <= 0 || px <= 0 {
		return false
	}
	if side == models.SideShort {
		return sl > px
	}
	return sl < px
}

// fallbackSL: консервативный стоп от худшей из цен входа и марка.
func fallbackSL(side models.Side, entry, mark, pct float64) float64 {
	if pct <= 0 {
		pct = 0.01
	}
	if side == models.SideShort {
		ref := math.Max(entry, mark)
		return ref * (1 + pct)
	}
	ref := entry
	if mark > 0 && (ref <= 0 || mark < ref) {
		ref = mark
	}
	return ref * (1 - pct)
}
