package engine

import "time"

type EntryConfig struct {
	// дрейф цены от лимитки (доля), после которого лимитка переставляется
	ChaseThresholdPct float64       `yaml:"chase_threshold_pct"`
	ChaseMinDwell     time.Duration `yaml:"chase_min_dwell"`
	VolatilityWindow  time.Duration `yaml:"volatility_window"`
	VolatilityMaxPct  float64       `yaml:"volatility_max_pct"`
	MaxChaseAttempts  int           `yaml:"max_chase_attempts"`
	// минимальная уверенность решения для рыночного входа
	MarketEntryThreshold float64 `yaml:"market_entry_threshold"`
	MaxSpreadPct         float64 `yaml:"max_spread_pct"`
}

type ProtectionConfig struct {
	// стоп для позиции без решения: доля от цены входа/марка
	FallbackSLPct float64 `yaml:"fallback_sl_pct"`
}

type TrailingConfig struct {
	CandleInterval     string        `yaml:"candle_interval"`
	SwingLookback      int           `yaml:"swing_lookback"`
	StructureBufferPct float64       `yaml:"structure_buffer_pct"`
	TrailPct           float64       `yaml:"trail_pct"`
	MinTrailPct        float64       `yaml:"min_trail_pct"`
	LiqApproachPct     float64       `yaml:"liq_approach_pct"`
	MinGapPct          float64       `yaml:"min_gap_pct"`
	MinInterval        time.Duration `yaml:"min_interval"`
}

type SafetyConfig struct {
	HardErrorThreshold          int     `yaml:"hard_error_threshold"`
	MaxEffectiveLeverage        float64 `yaml:"max_effective_leverage"`
	MaxPriceDeviationPct        float64 `yaml:"max_price_deviation_pct"`
	EquityTolerancePct          float64 `yaml:"equity_tolerance_pct"`
	AutoResolveOnCleanReconcile bool    `yaml:"auto_resolve_on_clean_reconcile"`
}

type Config struct {
	Symbol            string        `yaml:"symbol"`
	Interval          time.Duration `yaml:"interval"`
	DecisionMaxAge    time.Duration `yaml:"decision_max_age"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	Entry      EntryConfig      `yaml:"entry"`
	Protection ProtectionConfig `yaml:"protection"`
	Trailing   TrailingConfig   `yaml:"trailing"`
	Safety     SafetyConfig     `yaml:"safety"`
}

func DefaultConfig() Config {
	return Config{
		Symbol:            "BTCUSDT",
		Interval:          2 * time.Second,
		DecisionMaxAge:    10 * time.Minute,
		ReconcileInterval: time.Hour,
		Entry: EntryConfig{
			ChaseThresholdPct:    0.0015,
			ChaseMinDwell:        20 * time.Second,
			VolatilityWindow:     time.Minute,
			VolatilityMaxPct:     0.004,
			MaxChaseAttempts:     3,
			MarketEntryThreshold: 0.75,
			MaxSpreadPct:         0.0005,
		},
		Protection: ProtectionConfig{
			FallbackSLPct: 0.01,
		},
		Trailing: TrailingConfig{
			CandleInterval:     "15m",
			SwingLookback:      10,
			StructureBufferPct: 0.001,
			TrailPct:           0.005,
			MinTrailPct:        0.003,
			LiqApproachPct:     0.01,
			MinGapPct:          0.002,
			MinInterval:        time.Minute,
		},
		Safety: SafetyConfig{
			HardErrorThreshold:          3,
			MaxEffectiveLeverage:        10,
			MaxPriceDeviationPct:        0.01,
			EquityTolerancePct:          0.05,
			AutoResolveOnCleanReconcile: false,
		},
	}
}
