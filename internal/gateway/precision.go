package gateway

import (
	"github.com/shopspring/decimal"
)

// FloorToStep округляет вниз к шагу (лот/тик). step <= 0: без изменений.
func FloorToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	d := decimal.NewFromFloat(v)
	s := decimal.NewFromFloat(step)
	return d.Div(s).Floor().Mul(s).InexactFloat64()
}

// CeilToStep округляет вверх к шагу.
func CeilToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	d := decimal.NewFromFloat(v)
	s := decimal.NewFromFloat(step)
	return d.Div(s).Ceil().Mul(s).InexactFloat64()
}

// RoundToStep округляет к ближайшему шагу.
func RoundToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	d := decimal.NewFromFloat(v)
	s := decimal.NewFromFloat(step)
	return d.Div(s).Round(0).Mul(s).InexactFloat64()
}

// FormatStep печатает значение с точностью шага, без экспоненты (для тела запроса).
func FormatStep(v, step float64) string {
	d := decimal.NewFromFloat(v)
	if step <= 0 {
		return d.String()
	}
	places := -decimal.NewFromFloat(step).Exponent()
	if places < 0 {
		places = 0
	}
	return d.StringFixed(places)
}

// ProtectiveStopPrice округляет стоп в безопасную сторону:
// для long (стоп продаёт): вниз, для short: вверх, чтобы не сузить дистанцию случайно.
func ProtectiveStopPrice(px, tick float64, long bool) float64 {
	if long {
		return FloorToStep(px, tick)
	}
	return CeilToStep(px, tick)
}

// SameStep: значения совпадают с точностью до половины шага.
func SameStep(a, b, step float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	if step <= 0 {
		return diff < 1e-9
	}
	return diff < step/2
}
