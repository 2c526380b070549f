package models

import "time"

// SafetyState: то, что Safety Controller переносит через рестарт.
type SafetyState struct {
	SafeMode        bool      `json:"safe_mode"`
	Reason          string    `json:"reason,omitempty"`
	Since           time.Time `json:"since,omitempty"`
	ConsecutiveHard int       `json:"consecutive_hard"`
	EquityBaseline  float64   `json:"equity_baseline"`
	// Непустой RunID: последняя сверка оставила нерешённую CRITICAL находку.
	UnresolvedRunID string `json:"unresolved_run_id,omitempty"`
}
