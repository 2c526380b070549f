// Package decision читает решения внешнего Decision Engine и держит их
// версионированный кэш для цикла исполнения.
package decision

import (
	"context"
	"errors"

	"liq_engine/internal/models"
)

// ErrNotFound: источник пуст или зона не найдена.
var ErrNotFound = errors.New("decision: not found")

// Source отдаёт последнее решение по символу.
type Source interface {
	Latest(ctx context.Context, symbol string) (models.Decision, error)
}

// ZoneSource отдаёт кластер ликвидаций по id.
type ZoneSource interface {
	Zone(ctx context.Context, symbol, id string) (models.LiqZone, error)
}

// flagsFrom оставляет только булевы значения из чек-листа риск-менеджера.
func flagsFrom(raw map[string]any) map[string]bool {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]bool, len(raw))
	for k, v := range raw {
		if b, ok := v.(bool); ok {
			out[k] = b
		}
	}
	return out
}

// rawManagement: блок position_management как он пришёл; отсутствующие ключи берутся из дефолтов.
type rawManagement struct {
	TP1Fraction    *float64         `json:"tp1_fraction"`
	EnableTrailing *bool            `json:"enable_trailing"`
	TrailMode      models.TrailMode `json:"trail_mode"`
	LiqTPZoneID    string           `json:"liq_tp_zone_id"`
}

func (r *rawManagement) management() models.Management {
	m := models.DefaultManagement()
	if r == nil {
		return m
	}
	if r.TP1Fraction != nil {
		m.TP1Fraction = *r.TP1Fraction
	}
	if r.EnableTrailing != nil {
		m.EnableTrailing = *r.EnableTrailing
	}
	if r.TrailMode != "" {
		m.TrailMode = r.TrailMode
	}
	m.LiqTPZoneID = r.LiqTPZoneID
	return m
}
