package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"liq_engine/internal/metrics"
	"liq_engine/internal/models"
	"liq_engine/internal/notify"
	"liq_engine/internal/store"

	"go.uber.org/zap"
)

// Коды отказа локального риск-гарда.
const (
	GuardUnresolved = "unresolved_critical"
	GuardDeviation  = "price_deviation"
	GuardLeverage   = "effective_leverage"
	GuardEquity     = "equity_drift"
	GuardNoEquity   = "equity_unknown"
)

// GuardError: отказ гарда перед выставлением входа.
type GuardError struct {
	Code   string
	Detail string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("entry guard %s: %s", e.Code, e.Detail)
}

// Safety: счётчик hard-ошибок, SAFE_MODE и локальный риск-гард.
// Состояние переживает рестарт через журнал.
type Safety struct {
	cfg      SafetyConfig
	store    *store.Store
	notifier notify.Notifier
	now      func() time.Time
	log      *zap.Logger

	mu    sync.Mutex
	state models.SafetyState
}

func NewSafety(cfg SafetyConfig, st *store.Store, n notify.Notifier, now func() time.Time, log *zap.Logger) *Safety {
	if cfg.HardErrorThreshold <= 0 {
		cfg.HardErrorThreshold = 3
	}
	return &Safety{cfg: cfg, store: st, notifier: n, now: now, log: log.Named("safety")}
}

// Restore поднимает состояние из журнала.
func (s *Safety) Restore(st models.SafetyState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.gauge(st.SafeMode)
	if st.SafeMode {
		s.log.Warn("starting in SAFE_MODE", zap.String("reason", st.Reason), zap.Time("since", st.Since))
	}
}

func (s *Safety) State() models.SafetyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Safety) SafeMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SafeMode
}

// RecordHard считает подряд идущие hard-ошибки и на пороге включает SAFE_MODE.
func (s *Safety) RecordHard(ctx context.Context, what string, err error) {
	s.mu.Lock()
	s.state.ConsecutiveHard++
	n := s.state.ConsecutiveHard
	tripped := !s.state.SafeMode && n >= s.cfg.HardErrorThreshold
	if tripped {
		s.state.SafeMode = true
		s.state.Reason = fmt.Sprintf("%d consecutive hard errors, last %s: %v", n, what, err)
		s.state.Since = s.now()
	}
	st := s.state
	s.mu.Unlock()

	s.log.Error("hard error", zap.String("action", what), zap.Int("consecutive", n), zap.Error(err))
	if tripped {
		s.gauge(true)
		s.notify(models.LevelCritical, "SAFE_MODE entered: new entries suspended", map[string]any{
			"reason":      st.Reason,
			"consecutive": n,
		})
	}
	s.persist(ctx, st)
}

// RecordSuccess сбрасывает счётчик после итерации без hard-ошибок.
func (s *Safety) RecordSuccess(ctx context.Context) {
	s.mu.Lock()
	if s.state.ConsecutiveHard == 0 {
		s.mu.Unlock()
		return
	}
	s.state.ConsecutiveHard = 0
	st := s.state
	s.mu.Unlock()
	s.persist(ctx, st)
}

// Acknowledge: выход из SAFE_MODE по команде оператора. false: режим не был включён.
func (s *Safety) Acknowledge(ctx context.Context, operator string) bool {
	return s.exit(ctx, "acknowledged by "+operator)
}

// OnReconciliation запоминает нерешённые CRITICAL находки и при настройке
// снимает SAFE_MODE после чистой сверки.
func (s *Safety) OnReconciliation(ctx context.Context, r models.ReconciliationReport) {
	s.mu.Lock()
	if r.HasUnresolvedCritical() {
		s.state.UnresolvedRunID = r.RunID
	} else if r.Status != models.ReconcileFailed {
		s.state.UnresolvedRunID = ""
	}
	st := s.state
	s.mu.Unlock()
	s.persist(ctx, st)

	if s.cfg.AutoResolveOnCleanReconcile && r.Clean() {
		s.exit(ctx, "clean reconciliation "+r.RunID)
	}
}

func (s *Safety) exit(ctx context.Context, how string) bool {
	s.mu.Lock()
	if !s.state.SafeMode {
		s.mu.Unlock()
		return false
	}
	was := s.state.Reason
	s.state.SafeMode = false
	s.state.Reason = ""
	s.state.Since = time.Time{}
	s.state.ConsecutiveHard = 0
	st := s.state
	s.mu.Unlock()

	s.gauge(false)
	s.notify(models.LevelInfo, "SAFE_MODE cleared", map[string]any{"how": how, "was": was})
	s.persist(ctx, st)
	return true
}

// UpdateBaseline запоминает equity, с которой сравнивается следующий вход.
func (s *Safety) UpdateBaseline(ctx context.Context, equity float64) {
	if equity <= 0 {
		return
	}
	s.mu.Lock()
	s.state.EquityBaseline = equity
	st := s.state
	s.mu.Unlock()
	s.persist(ctx, st)
}

// CheckEntry: локальный гард перед любым выставлением входа.
// mid: текущая цена, equity: только что прочитанная с биржи.
func (s *Safety) CheckEntry(ctx context.Context, d models.Decision, mid, equity float64) error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	if st.UnresolvedRunID != "" {
		return &GuardError{Code: GuardUnresolved, Detail: "reconciliation " + st.UnresolvedRunID}
	}
	ref := d.EntryMid()
	if ref <= 0 || mid <= 0 {
		return &GuardError{Code: GuardDeviation, Detail: "no reference price"}
	}
	if limit := s.cfg.MaxPriceDeviationPct; limit > 0 {
		if dev := math.Abs(mid-ref) / ref; dev > limit {
			return &GuardError{Code: GuardDeviation, Detail: fmt.Sprintf("%.4f%% from decision mid, cap %.4f%%", dev*100, limit*100)}
		}
	}
	if equity <= 0 {
		return &GuardError{Code: GuardNoEquity, Detail: fmt.Sprintf("equity %.2f", equity)}
	}
	if limit := s.cfg.MaxEffectiveLeverage; limit > 0 {
		if lev := d.PositionSizeUSDT * (mid / ref) / equity; lev > limit {
			return &GuardError{Code: GuardLeverage, Detail: fmt.Sprintf("%.2fx over cap %.2fx", lev, limit)}
		}
	}
	if tol := s.cfg.EquityTolerancePct; tol > 0 && st.EquityBaseline > 0 {
		if drift := math.Abs(equity-st.EquityBaseline) / st.EquityBaseline; drift > tol {
			return &GuardError{Code: GuardEquity, Detail: fmt.Sprintf("equity %.2f vs baseline %.2f", equity, st.EquityBaseline)}
		}
	}
	s.UpdateBaseline(ctx, equity)
	return nil
}

func (s *Safety) notify(level models.Level, msg string, kv map[string]any) {
	s.notifier.Notify(models.Event{
		Level:    level,
		Category: models.CategorySafeMode,
		Message:  msg,
		Context:  kv,
		At:       s.now(),
	})
}

func (s *Safety) gauge(on bool) {
	if on {
		metrics.SafeMode.Set(1)
		return
	}
	metrics.SafeMode.Set(0)
}

func (s *Safety) persist(ctx context.Context, st models.SafetyState) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveSafety(ctx, st); err != nil {
		s.log.Error("safety state not persisted", zap.Error(err))
	}
}
