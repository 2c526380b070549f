package models

import "strings"

// Side направление позиции.
type Side string

const (
	SideNone  Side = ""
	SideLong  Side = "long"
	SideShort Side = "short"
)

func ParseSide(s string) Side {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return SideLong
	case "short", "sell":
		return SideShort
	}
	return SideNone
}

// OrderSide сторона ордера на бирже.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OpenSide сторона ордера, открывающего позицию.
func (s Side) OpenSide() OrderSide {
	if s == SideShort {
		return Sell
	}
	return Buy
}

// CloseSide сторона reduce-only ордера (SL/TP).
func (s Side) CloseSide() OrderSide {
	if s == SideShort {
		return Buy
	}
	return Sell
}

// Sign +1 для long, -1 для short.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Tightens: true, если newSL уменьшает риск относительно oldSL.
// Для long стоп двигается только вверх, для short: только вниз.
// Нулевой oldSL означает «стопа ещё не было».
func Tightens(side Side, oldSL, newSL float64) bool {
	if newSL <= 0 {
		return false
	}
	if oldSL <= 0 {
		return true
	}
	if side == SideShort {
		return newSL < oldSL
	}
	return newSL > oldSL
}
