// Package engine: ядро исполнения: вход, защита позиции, трейлинг, сверка и SAFE_MODE.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"liq_engine/internal/decision"
	"liq_engine/internal/gateway"
	"liq_engine/internal/marketdata"
	"liq_engine/internal/metrics"
	"liq_engine/internal/models"
	"liq_engine/internal/notify"
	"liq_engine/internal/store"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Состояния цикла исполнения.
const (
	StateNoPosition   = "NO_POSITION"
	StateEntryPending = "ENTRY_PENDING"
	StateInPosition   = "IN_POSITION"
	StateClosing      = "CLOSING"
	StateSafeMode     = "SAFE_MODE"
)

// ErrBusy: итерация пропущена: идёт сверка.
var ErrBusy = errors.New("engine: reconciliation in progress")

type Deps struct {
	Gateway gateway.Gateway
	// Quotes по умолчанию Gateway; в проде: marketdata.Quoter поверх websocket.
	Quotes    marketdata.QuoteSource
	Candles   gateway.CandleSource
	Zones     decision.ZoneSource
	Decisions *decision.Cache
	Store     *store.Store
	Notifier  notify.Notifier
	Clock     Clock
	Log       *zap.Logger
}

type entryState struct {
	decisionID string
	targetQty  float64
	attempts   int
	placedAt   time.Time
	market     bool
}

type trailState struct {
	lastEval time.Time
	zoneID   string
	zone     models.LiqZone
	zoneOK   bool
}

type Engine struct {
	cfg       Config
	gw        gateway.Gateway
	quotes    marketdata.QuoteSource
	candles   gateway.CandleSource
	zones     decision.ZoneSource
	decisions *decision.Cache
	store     *store.Store
	notifier  notify.Notifier
	clock     Clock
	log       *zap.Logger

	orders *OrderFactory
	safety *Safety
	vol    *marketdata.Volatility

	// phase: эксклюзивная фаза: итерация цикла или сверка целиком.
	phase sync.Mutex

	inst     models.Instrument
	instOK   bool
	entry    entryState
	trail    trailState
	notified map[string]uint64

	// lastReconcile: unix nanos последней сверки; пишется из фазы сверки, читается циклом
	lastReconcile atomic.Int64
	iterHard      bool
	beDue         bool
}

func New(cfg Config, deps Deps) *Engine {
	if deps.Clock == nil {
		deps.Clock = RealClock()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Quotes == nil {
		deps.Quotes = deps.Gateway
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewRecorder()
	}
	log := deps.Log.Named("engine").With(zap.String("symbol", cfg.Symbol))
	e := &Engine{
		cfg:       cfg,
		gw:        deps.Gateway,
		quotes:    deps.Quotes,
		candles:   deps.Candles,
		zones:     deps.Zones,
		decisions: deps.Decisions,
		store:     deps.Store,
		notifier:  deps.Notifier,
		clock:     deps.Clock,
		log:       log,
		vol:       marketdata.NewVolatility(2 * maxDuration(cfg.Entry.VolatilityWindow, time.Minute)),
		notified:  make(map[string]uint64),
	}
	e.orders = NewOrderFactory(deps.Gateway, deps.Store, log)
	e.safety = NewSafety(cfg.Safety, deps.Store, deps.Notifier, deps.Clock.Now, log)
	return e
}

func (e *Engine) Safety() *Safety { return e.safety }

// Acknowledge: ручной выход из SAFE_MODE оператором.
func (e *Engine) Acknowledge(ctx context.Context, operator string) bool {
	return e.safety.Acknowledge(ctx, operator)
}

// Status: снимок для оператора и health.
type Status struct {
	State         string          `json:"state"`
	SafeMode      bool            `json:"safe_mode"`
	SafeReason    string          `json:"safe_reason,omitempty"`
	Position      models.Position `json:"position"`
	LiveOrders    []models.Order  `json:"live_orders"`
	LastReconcile time.Time       `json:"last_reconcile"`
}

func (e *Engine) Status() Status {
	safety := e.safety.State()
	return Status{
		State:         loopState(e.store.Position()),
		SafeMode:      safety.SafeMode,
		SafeReason:    safety.Reason,
		Position:      e.store.Position(),
		LiveOrders:    e.store.LiveOrders(),
		LastReconcile: e.LastReconcile(),
	}
}

// LastReconcile время окончания последней сверки (zero, если не было).
func (e *Engine) LastReconcile() time.Time {
	if v := e.lastReconcile.Load(); v != 0 {
		return time.Unix(0, v)
	}
	return time.Time{}
}

// State текущее состояние цикла (SAFE_MODE: поверх основного).
func (e *Engine) State() (state string, safeMode bool) {
	return loopState(e.store.Position()), e.safety.SafeMode()
}

func loopState(p models.Position) string {
	switch p.Status {
	case models.PositionEntryPending:
		return StateEntryPending
	case models.PositionOpen:
		return StateInPosition
	case models.PositionClosing:
		return StateClosing
	}
	return StateNoPosition
}

// guard изолирует действие одной роли: паника и ошибка не мешают остальным.
func (e *Engine) guard(what string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", what, r)
			e.log.Error("recovered panic", zap.String("action", what), zap.Any("panic", r))
		}
	}()
	if err = fn(); err != nil {
		return errors.Wrap(err, what)
	}
	return nil
}

// escalate передаёт hard-ошибку в Safety Controller, soft только логирует.
func (e *Engine) escalate(ctx context.Context, what string, err error) {
	if err == nil {
		return
	}
	if gateway.IsHard(err) {
		e.hard(ctx, what, err)
		return
	}
	e.log.Warn("soft failure", zap.String("action", what), zap.Error(err))
}

func (e *Engine) hard(ctx context.Context, what string, err error) {
	e.iterHard = true
	e.safety.RecordHard(ctx, what, err)
}

func (e *Engine) emit(level models.Level, category, msg string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["symbol"] = e.cfg.Symbol
	e.notifier.Notify(models.Event{
		Level:    level,
		Category: category,
		Message:  msg,
		Context:  kv,
		At:       e.clock.Now(),
	})
}

// emitOnce шлёт событие один раз на ключ и версию решения.
func (e *Engine) emitOnce(key string, version uint64, level models.Level, category, msg string, kv map[string]any) {
	if v, ok := e.notified[key]; ok && v == version {
		return
	}
	e.notified[key] = version
	e.emit(level, category, msg, kv)
}

func (e *Engine) instrument(ctx context.Context) (models.Instrument, error) {
	if e.instOK {
		return e.inst, nil
	}
	inst, err := e.gw.Instrument(ctx, e.cfg.Symbol)
	if err != nil {
		return models.Instrument{}, err
	}
	if inst.TickSize <= 0 || inst.LotSize <= 0 {
		return models.Instrument{}, gateway.NewError("instrument", gateway.KindHard, 0,
			fmt.Sprintf("bad filters tick=%v lot=%v", inst.TickSize, inst.LotSize))
	}
	e.inst, e.instOK = inst, true
	return inst, nil
}

func (e *Engine) setLoopMetrics() {
	state, safe := e.State()
	if safe {
		state = StateSafeMode
	}
	metrics.SetLoopState(state)
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
