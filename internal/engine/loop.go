package engine

import (
	"context"
	"fmt"
	"time"

	"liq_engine/internal/gateway"
	"liq_engine/internal/metrics"
	"liq_engine/internal/models"
	"liq_engine/pkg/tracing"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Step: одна итерация цикла. Если идёт сверка, итерация пропускается с ErrBusy.
func (e *Engine) Step(ctx context.Context) error {
	if !e.phase.TryLock() {
		metrics.IterationsSkipped.Inc()
		return ErrBusy
	}
	defer e.phase.Unlock()
	return e.iterate(ctx)
}

func (e *Engine) iterate(ctx context.Context) (err error) {
	span, ctx := tracing.StartSpan(ctx, "engine.iteration")
	start := e.clock.Now()
	e.iterHard = false
	defer func() {
		metrics.IterationSeconds.Observe(e.clock.Now().Sub(start).Seconds())
		e.setLoopMetrics()
		tracing.Finish(span, err)
	}()

	// 1. решение: снимок на всю итерацию
	snap := e.decisions.Refresh(ctx, start)
	if snap.Present && snap.Decision.Action != models.ActionFlat && snap.Stale(start, e.cfg.DecisionMaxAge) {
		e.emitOnce("stale", snap.Version, models.LevelWarning, models.CategoryStaleDecision,
			"decision is stale, new entries suppressed", map[string]any{
				"decision_id": snap.Decision.ID,
				"age":         snap.Decision.Age(start).Round(time.Second).String(),
			})
	}

	// 2. биржа: ордера, исполнения, позиция
	if _, err := e.instrument(ctx); err != nil {
		e.escalate(ctx, "instrument", err)
		return err
	}
	open, err := e.gw.OpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		e.escalate(ctx, "open orders", err)
		return err
	}
	fills, serr := e.syncOrders(ctx, open)
	err = multierr.Combine(serr, e.applyFills(ctx, fills))
	err = multierr.Append(err, e.guard("settle entry", func() error { return e.settleEntry(ctx) }))

	exch, perr := e.gw.Position(ctx, e.cfg.Symbol)
	if perr != nil {
		e.escalate(ctx, "position", perr)
		return multierr.Append(err, perr)
	}
	if uerr := e.interpret(exch); uerr != nil {
		e.hard(ctx, "position", uerr)
		return multierr.Append(err, uerr)
	}

	q, qerr := e.quotes.Quote(ctx, e.cfg.Symbol)
	if qerr != nil {
		e.escalate(ctx, "quote", qerr)
		q = models.Quote{}
	} else if q.Valid() {
		e.vol.Observe(start, q.Mid())
	}

	// 3. диспетчеризация по состоянию; SAFE_MODE блокирует только новые входы
	p := e.store.Position()
	switch p.Status {
	case models.PositionClosing:
		err = multierr.Append(err, e.guard("closing", func() error { return e.finishClosing(ctx) }))
	case models.PositionOpen:
		err = multierr.Append(err, e.ensureProtection(ctx))
		err = multierr.Append(err, e.guard("trailing", func() error { return e.trailStop(ctx, q) }))
	case models.PositionEntryPending:
		if p.Size > 0 {
			err = multierr.Append(err, e.ensureProtection(ctx))
		}
		fallthrough
	default:
		err = multierr.Append(err, e.guard("entry", func() error { return e.manageEntry(ctx, snap, q) }))
		// вход мог исполниться в том же проходе: защита без ожидания следующего
		if p = e.store.Position(); p.HasExposure() {
			err = multierr.Append(err, e.ensureProtection(ctx))
		}
	}

	if !e.iterHard {
		e.safety.RecordSuccess(ctx)
	}
	return err
}

// interpret проверяет, что позицию биржи можно сопоставить с локальной.
func (e *Engine) interpret(exch gateway.PositionSnapshot) error {
	tol := e.lotTolerance()
	if exch.Size > tol && exch.Side == models.SideNone {
		return fmt.Errorf("exchange position %.8f without side", exch.Size)
	}
	p := e.store.Position()
	if p.HasExposure() && exch.Size > tol && exch.Side != p.Side {
		return fmt.Errorf("exchange position is %s, local is %s", exch.Side, p.Side)
	}
	return nil
}

// Restore поднимает позицию, ордера и состояние безопасности из журнала.
func (e *Engine) Restore(ctx context.Context) error {
	st, err := e.store.Restore(ctx)
	if err != nil {
		return errors.Wrap(err, "restore")
	}
	e.safety.Restore(st)
	return nil
}

// Start поднимает состояние из журнала и проводит стартовую сверку.
// Ошибка сверки не мешает запуску: отчёт записан, следующая сверка по таймеру.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Restore(ctx); err != nil {
		return err
	}
	if _, err := e.Reconcile(ctx, models.TriggerStartup); err != nil {
		e.log.Error("startup reconciliation failed", zap.Error(err))
	}
	return nil
}

// Run крутит цикл до отмены ctx. Итерации не перекрываются: если шаг
// дольше интервала, следующий начинается сразу.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("execution loop started",
		zap.Duration("interval", e.cfg.Interval),
		zap.Duration("reconcile_interval", e.cfg.ReconcileInterval),
	)
	defer e.log.Info("execution loop stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		start := e.clock.Now()
		if e.reconcileDue(start) {
			if _, err := e.Reconcile(ctx, models.TriggerPeriodic); err != nil {
				e.log.Warn("periodic reconciliation failed", zap.Error(err))
			}
		}
		if err := e.Step(ctx); err != nil && !errors.Is(err, ErrBusy) {
			e.log.Warn("iteration finished with errors", zap.Error(err))
		}

		wait := e.cfg.Interval - e.clock.Now().Sub(start)
		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-e.clock.After(wait):
		}
	}
}

func (e *Engine) reconcileDue(now time.Time) bool {
	if e.cfg.ReconcileInterval <= 0 {
		return false
	}
	last := e.lastReconcile.Load()
	return last == 0 || now.Sub(time.Unix(0, last)) >= e.cfg.ReconcileInterval
}
