package models

import "time"

type PositionStatus string

const (
	PositionNone         PositionStatus = "NONE"
	PositionEntryPending PositionStatus = "ENTRY_PENDING"
	PositionOpen         PositionStatus = "OPEN"
	PositionClosing      PositionStatus = "CLOSING"
)

// Position: нетто-позиция по символу. Хедж-режим не поддерживается.
type Position struct {
	Symbol      string         `json:"symbol"`
	Side        Side           `json:"side"`
	Status      PositionStatus `json:"status"`
	Size        float64        `json:"size"`
	InitialSize float64        `json:"initial_size"`
	EntryPrice  float64        `json:"entry_price"`
	SL          float64        `json:"sl_price"`
	TP1         float64        `json:"tp1_price"`
	TP2         float64        `json:"tp2_price"`
	TP1Hit      bool           `json:"tp1_hit"`
	TP2Hit      bool           `json:"tp2_hit"`
	DecisionID  string         `json:"decision_id"`
	Management  Management     `json:"position_management"`
	RealizedPnL float64        `json:"realized_pnl"`
	ExitReason  string         `json:"exit_reason,omitempty"`
	OpenedAt    time.Time      `json:"opened_at"`
	ClosedAt    time.Time      `json:"closed_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// HasExposure: на бирже есть объём, который надо защищать.
func (p Position) HasExposure() bool {
	return p.Status != PositionNone && p.Size > 0
}

// Flat: позиции нет и вход не выставлен.
func (p Position) Flat() bool {
	return p.Status == PositionNone
}

// PnL реализованный результат закрытия qty по цене px.
func (p Position) PnL(qty, px float64) float64 {
	return (px - p.EntryPrice) * qty * p.Side.Sign()
}
