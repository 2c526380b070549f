package models

import "time"

type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

func (l Level) Rank() int {
	switch l {
	case LevelWarning:
		return 1
	case LevelError:
		return 2
	case LevelCritical:
		return 3
	}
	return 0
}

// Категории событий для нотификатора.
const (
	CategoryStaleDecision  = "stale_decision"
	CategoryEntry          = "entry"
	CategoryChase          = "chase"
	CategoryMarketEntry    = "failsafe_market_entry"
	CategoryProtection     = "protective_order_repair"
	CategoryPosition       = "position"
	CategoryTrailing       = "trailing"
	CategoryReconciliation = "reconciliation"
	CategorySafeMode       = "safe_mode"
	CategoryRiskGuard      = "risk_guard"
	CategoryGateway        = "gateway"
)

// Event: структурированное уведомление.
type Event struct {
	Level    Level          `json:"level"`
	Category string         `json:"category"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	At       time.Time      `json:"at"`
}
