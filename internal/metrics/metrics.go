// Package metrics: prometheus-метрики ядра исполнения.
// Регистрируются в init() и отдаются health-модулем на /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liq_orders_placed_total",
			Help: "Orders placed by role and type",
		},
		[]string{"role", "type"},
	)

	OrdersCanceled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liq_orders_canceled_total",
			Help: "Orders canceled by role",
		},
		[]string{"role"},
	)

	Fills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liq_fills_total",
			Help: "Fills observed by role",
		},
		[]string{"role"},
	)

	GatewayErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liq_gateway_errors_total",
			Help: "Gateway call failures by operation and kind",
		},
		[]string{"op", "kind"},
	)

	Chases = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "liq_entry_chases_total",
			Help: "Entry order re-pricings",
		},
	)

	MarketEntries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "liq_failsafe_market_entries_total",
			Help: "Fail-safe market entries",
		},
	)

	Events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liq_events_total",
			Help: "Notification events by level and category",
		},
		[]string{"level", "category"},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "liq_events_dropped_total",
			Help: "Events dropped because the notifier queue was full",
		},
	)

	Reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liq_reconciliations_total",
			Help: "Reconciliation runs by trigger and status",
		},
		[]string{"trigger", "status"},
	)

	Findings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liq_reconciliation_findings_total",
			Help: "Reconciliation findings by kind",
		},
		[]string{"kind"},
	)

	SafeMode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "liq_safe_mode",
			Help: "1 while the engine is in SAFE_MODE",
		},
	)

	LoopState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "liq_loop_state",
			Help: "Current execution loop state (one series set to 1)",
		},
		[]string{"state"},
	)

	IterationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "liq_iteration_seconds",
			Help:    "Execution loop iteration duration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	IterationsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "liq_iterations_skipped_total",
			Help: "Loop iterations skipped while reconciliation held the phase lock",
		},
	)

	TradesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liq_trades_closed_total",
			Help: "Closed trades by exit reason and side",
		},
		[]string{"reason", "side"},
	)

	RealizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "liq_realized_pnl_usdt",
			Help: "Realized PnL of the last closed trade",
		},
	)

	Equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "liq_equity_usdt",
			Help: "Account equity snapshot",
		},
	)
)

func init() {
	prometheus.MustRegister(OrdersPlaced, OrdersCanceled, Fills, GatewayErrors)
	prometheus.MustRegister(Chases, MarketEntries)
	prometheus.MustRegister(Events, EventsDropped)
	prometheus.MustRegister(Reconciliations, Findings)
	prometheus.MustRegister(SafeMode, LoopState, IterationSeconds, IterationsSkipped)
	prometheus.MustRegister(TradesClosed, RealizedPnL, Equity)
}

var loopStates = []string{"NO_POSITION", "ENTRY_PENDING", "IN_POSITION", "CLOSING", "SAFE_MODE"}

// SetLoopState выставляет 1 текущему состоянию и 0 остальным.
func SetLoopState(state string) {
	for _, s := range loopStates {
		v := 0.0
		if s == state {
			v = 1
		}
		LoopState.WithLabelValues(s).Set(v)
	}
}
