package models

import (
	"fmt"
	"time"
)

type Action string

const (
	ActionLong  Action = "long"
	ActionShort Action = "short"
	ActionFlat  Action = "flat"
)

type TrailMode string

const TrailStructurePlusLiq TrailMode = "structure_plus_liq"

// Флаги риск-менеджера: явный false по любому из них: принудительный flat.
var CriticalRiskFlags = []string{
	"daily_dd_ok",
	"weekly_dd_ok",
	"max_trades_per_day_ok",
	"session_ok",
	"no_major_news",
}

// Management: блок position_management из решения.
type Management struct {
	TP1Fraction    float64   `json:"tp1_fraction"`
	EnableTrailing bool      `json:"enable_trailing"`
	TrailMode      TrailMode `json:"trail_mode"`
	LiqTPZoneID    string    `json:"liq_tp_zone_id,omitempty"`
}

func DefaultManagement() Management {
	return Management{
		TP1Fraction:    0.5,
		EnableTrailing: true,
		TrailMode:      TrailStructurePlusLiq,
	}
}

// Decision: неизменяемый снимок решения внешнего Decision Engine.
type Decision struct {
	ID               string          `json:"id"`
	Symbol           string          `json:"symbol"`
	IssuedAt         time.Time       `json:"issued_at"`
	Action           Action          `json:"action"`
	EntryMin         float64         `json:"entry_min_price"`
	EntryMax         float64         `json:"entry_max_price"`
	SL               float64         `json:"sl_price"`
	TP1              *float64        `json:"tp1_price,omitempty"`
	TP2              *float64        `json:"tp2_price,omitempty"`
	RiskLevel        int             `json:"risk_level"`
	PositionSizeUSDT float64         `json:"position_size_usdt"`
	Leverage         float64         `json:"leverage"`
	Confidence       float64         `json:"confidence"`
	RiskFlags        map[string]bool `json:"risk_flags"`
	Management       Management      `json:"position_management"`
}

// ValidationError: типизированная ошибка валидации решения.
type ValidationError struct {
	DecisionID string
	Field      string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("decision %s invalid: %s %s", e.DecisionID, e.Field, e.Reason)
}

// Validate проверяет обязательные поля. Невалидное решение трактуется как flat.
func (d *Decision) Validate() error {
	bad := func(field, reason string) error {
		return &ValidationError{DecisionID: d.ID, Field: field, Reason: reason}
	}
	if d.ID == "" {
		return bad("id", "is empty")
	}
	switch d.Action {
	case ActionLong, ActionShort:
	case ActionFlat:
		return nil
	default:
		return bad("action", fmt.Sprintf("unknown %q", d.Action))
	}
	if d.IssuedAt.IsZero() {
		return bad("issued_at", "is missing")
	}
	if d.EntryMin <= 0 || d.EntryMax <= 0 {
		return bad("entry band", "is missing")
	}
	if d.EntryMin > d.EntryMax {
		return bad("entry band", fmt.Sprintf("min %.8f > max %.8f", d.EntryMin, d.EntryMax))
	}
	if d.SL <= 0 {
		return bad("sl_price", "is missing")
	}
	if d.Action == ActionLong && d.SL >= d.EntryMin {
		return bad("sl_price", "must be below the entry band for long")
	}
	if d.Action == ActionShort && d.SL <= d.EntryMax {
		return bad("sl_price", "must be above the entry band for short")
	}
	if d.PositionSizeUSDT <= 0 {
		return bad("position_size_usdt", "must be > 0")
	}
	if d.Leverage <= 0 {
		return bad("leverage", "must be > 0")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return bad("confidence", "must be within [0,1]")
	}
	if f := d.Management.TP1Fraction; f < 0 || f > 1 {
		return bad("tp1_fraction", "must be within [0,1]")
	}
	return nil
}

// Side направление позиции, которую открывает решение.
func (d *Decision) Side() Side {
	switch d.Action {
	case ActionLong:
		return SideLong
	case ActionShort:
		return SideShort
	}
	return SideNone
}

// EntryMid середина коридора входа.
func (d *Decision) EntryMid() float64 {
	return (d.EntryMin + d.EntryMax) / 2
}

// InBand: цена внутри исходного коридора входа.
func (d *Decision) InBand(px float64) bool {
	return px >= d.EntryMin && px <= d.EntryMax
}

// ClampToBand не даёт цене выйти за коридор.
func (d *Decision) ClampToBand(px float64) float64 {
	if px < d.EntryMin {
		return d.EntryMin
	}
	if px > d.EntryMax {
		return d.EntryMax
	}
	return px
}

// Age возраст решения по часам ядра.
func (d *Decision) Age(now time.Time) time.Duration {
	return now.Sub(d.IssuedAt)
}

// FailedRiskFlags возвращает критичные флаги, выставленные в false.
// Отсутствующий флаг считается пройденным: риск-менеджер пишет только то, что проверял.
func (d *Decision) FailedRiskFlags() []string {
	var out []string
	for _, name := range CriticalRiskFlags {
		if ok, present := d.RiskFlags[name]; present && !ok {
			out = append(out, name)
		}
	}
	return out
}

func (d *Decision) TP1Price() float64 {
	if d.TP1 == nil {
		return 0
	}
	return *d.TP1
}

func (d *Decision) TP2Price() float64 {
	if d.TP2 == nil {
		return 0
	}
	return *d.TP2
}

// Normalize подставляет дефолты блока управления позицией.
func (d *Decision) Normalize() {
	def := DefaultManagement()
	if d.Management.TP1Fraction == 0 {
		d.Management.TP1Fraction = def.TP1Fraction
	}
	if d.Management.TrailMode == "" {
		d.Management.TrailMode = def.TrailMode
	}
}
