package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"liq_engine/internal/decision"
	"liq_engine/internal/engine"
	"liq_engine/internal/gateway"
	"liq_engine/internal/gateway/paper"
	"liq_engine/internal/identity"
	"liq_engine/internal/models"
	"liq_engine/internal/notify"
	"liq_engine/internal/store"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const symbol = "BTCUSDT"

var t0 = time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

type stubSource struct {
	mu sync.Mutex
	d  *models.Decision
}

func (s *stubSource) Latest(context.Context, string) (models.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.d == nil {
		return models.Decision{}, decision.ErrNotFound
	}
	return *s.d, nil
}

func (s *stubSource) Set(d models.Decision) {
	s.mu.Lock()
	s.d = &d
	s.mu.Unlock()
}

type stubZones map[string]models.LiqZone

func (z stubZones) Zone(_ context.Context, _, id string) (models.LiqZone, error) {
	if v, ok := z[id]; ok {
		return v, nil
	}
	return models.LiqZone{}, decision.ErrNotFound
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	cfg     engine.Config
	ex      *paper.Exchange
	clock   *engine.ManualClock
	src     *stubSource
	zones   stubZones
	rec     *notify.Recorder
	journal *store.Memory
	st      *store.Store
	eng     *engine.Engine
}

// testConfig: дефолты с отключённым интервалом трейлинга и широким трейлом,
// чтобы сценарии без трейлинга не двигали стоп.
func testConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Symbol = symbol
	cfg.Trailing.MinInterval = 0
	cfg.Trailing.TrailPct = 0.02
	cfg.Trailing.MinTrailPct = 0.01
	return cfg
}

func newHarness(t *testing.T, tune ...func(*engine.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	for _, f := range tune {
		f(&cfg)
	}
	ex := paper.New(models.Instrument{Symbol: symbol, TickSize: 0.1, LotSize: 0.001, MinQty: 0.001}, 10_000)
	ex.SetQuote(90849.9, 90850.1)

	h := &harness{
		t:       t,
		ctx:     context.Background(),
		cfg:     cfg,
		ex:      ex,
		clock:   engine.NewManualClock(t0),
		src:     &stubSource{},
		zones:   stubZones{},
		rec:     notify.NewRecorder(),
		journal: store.NewMemory(),
	}
	h.restart()
	return h
}

// restart собирает новый движок поверх того же журнала и биржи, как после падения процесса.
func (h *harness) restart() {
	h.st = store.New(symbol, h.journal, zap.NewNop()).WithClock(h.clock.Now)
	h.eng = engine.New(h.cfg, engine.Deps{
		Gateway:   h.ex,
		Candles:   h.ex,
		Zones:     h.zones,
		Decisions: decision.NewCache(h.src, symbol, time.Second, zap.NewNop()),
		Store:     h.st,
		Notifier:  h.rec,
		Clock:     h.clock,
		Log:       zap.NewNop(),
	})
}

func (h *harness) step() error {
	return h.eng.Step(h.ctx)
}

func (h *harness) mustStep() {
	h.t.Helper()
	require.NoError(h.t, h.step())
}

func (h *harness) reconcile() models.ReconciliationReport {
	h.t.Helper()
	r, err := h.eng.Reconcile(h.ctx, models.TriggerManual)
	require.NoError(h.t, err)
	return r
}

// open проводит вход по решению с немедленным исполнением лимитки по 90800.
func (h *harness) open(d models.Decision) {
	h.t.Helper()
	h.src.Set(d)
	h.ex.SetQuote(90799.9, 90800.0)
	h.mustStep()
	p := h.st.Position()
	require.Equal(h.t, models.PositionOpen, p.Status)
	require.InDelta(h.t, 0.1, p.Size, 1e-9)
}

func (h *harness) liveOnExchange(typ models.OrderType) []gateway.ExchangeOrder {
	open, err := h.ex.OpenOrders(h.ctx, symbol)
	require.NoError(h.t, err)
	var out []gateway.ExchangeOrder
	for _, o := range open {
		if o.Type == typ {
			out = append(out, o)
		}
	}
	return out
}

func (h *harness) placedTypes() []models.OrderType {
	var out []models.OrderType
	for _, r := range h.ex.Placed() {
		out = append(out, r.Type)
	}
	return out
}

func clientID(decisionID string, role models.Role) string {
	return identity.ClientID(decisionID, role)
}

func ptr(v float64) *float64 { return &v }

// longDecision: long 0.1 BTC с входом 90800, SL 90000, TP 91500/92500.
func longDecision(id string, issued time.Time) models.Decision {
	return models.Decision{
		ID:               id,
		Symbol:           symbol,
		IssuedAt:         issued,
		Action:           models.ActionLong,
		EntryMin:         90700,
		EntryMax:         90900,
		SL:               90000,
		TP1:              ptr(91500),
		TP2:              ptr(92500),
		RiskLevel:        2,
		PositionSizeUSDT: 9080,
		Leverage:         5,
		Confidence:       0.76,
		Management:       models.DefaultManagement(),
	}
}

// shortDecision: зеркальный short 0.1 BTC с входом 90800.
func shortDecision(id string, issued time.Time) models.Decision {
	d := longDecision(id, issued)
	d.Action = models.ActionShort
	d.SL = 91600
	d.TP1 = ptr(90100)
	d.TP2 = ptr(89100)
	return d
}

func hardErr(op string) error {
	return gateway.NewError(op, gateway.KindHard, -2015, "Invalid API-key, IP, or permissions for action")
}
