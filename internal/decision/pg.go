package decision

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"liq_engine/internal/models"
	"liq_engine/pkg/db"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
)

// PgSource читает таблицы decisions и liquidation_zones, которые ведёт Decision Engine.
type PgSource struct {
	db db.TxManager
}

var (
	_ Source     = (*PgSource)(nil)
	_ ZoneSource = (*PgSource)(nil)
)

func NewPgSource(tx db.TxManager) *PgSource {
	return &PgSource{db: tx}
}

const latestDecisionSQL = `
SELECT id, symbol, created_at, action,
       COALESCE(entry_min_price, 0), COALESCE(entry_max_price, 0), COALESCE(sl_price, 0),
       tp1_price, tp2_price, COALESCE(risk_level, 0), COALESCE(position_size_usdt, 0),
       COALESCE(leverage, 0), COALESCE(confidence, 0),
       risk_checks_json, position_management_json, liq_tp_zone_id
FROM decisions
WHERE symbol = $1
ORDER BY created_at DESC
LIMIT 1`

func (s *PgSource) Latest(ctx context.Context, symbol string) (d models.Decision, err error) {
	defer func() {
		if err != nil && !errors.Is(err, ErrNotFound) {
			err = fmt.Errorf("pg.LatestDecision: %w", err)
		}
	}()

	var (
		id        int64
		action    string
		tp1, tp2  *float64
		flagsRaw  []byte
		manageRaw []byte
		zoneID    *int64
	)
	err = s.db.Conn().QueryRow(ctx, latestDecisionSQL, symbol).Scan(
		&id, &d.Symbol, &d.IssuedAt, &action,
		&d.EntryMin, &d.EntryMax, &d.SL,
		&tp1, &tp2, &d.RiskLevel, &d.PositionSizeUSDT,
		&d.Leverage, &d.Confidence,
		&flagsRaw, &manageRaw, &zoneID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Decision{}, ErrNotFound
	}
	if err != nil {
		return models.Decision{}, err
	}

	d.ID = strconv.FormatInt(id, 10)
	d.Action = models.Action(action)
	d.TP1, d.TP2 = tp1, tp2

	if len(flagsRaw) > 0 {
		var raw map[string]any
		if err = sonic.Unmarshal(flagsRaw, &raw); err != nil {
			return models.Decision{}, fmt.Errorf("risk_checks_json: %w", err)
		}
		d.RiskFlags = flagsFrom(raw)
	}
	var manage *rawManagement
	if len(manageRaw) > 0 {
		if err = sonic.Unmarshal(manageRaw, &manage); err != nil {
			return models.Decision{}, fmt.Errorf("position_management_json: %w", err)
		}
	}
	d.Management = manage.management()
	if zoneID != nil && d.Management.LiqTPZoneID == "" {
		d.Management.LiqTPZoneID = strconv.FormatInt(*zoneID, 10)
	}
	return d, nil
}

func (s *PgSource) Zone(ctx context.Context, symbol, id string) (z models.LiqZone, err error) {
	zid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return models.LiqZone{}, ErrNotFound
	}
	var side string
	err = s.db.Conn().QueryRow(ctx, `
		SELECT id, symbol, side, price, strength
		FROM liquidation_zones
		WHERE id = $1 AND symbol = $2`, zid, symbol).Scan(&zid, &z.Symbol, &side, &z.Price, &z.Strength)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LiqZone{}, ErrNotFound
	}
	if err != nil {
		return models.LiqZone{}, fmt.Errorf("pg.Zone: %w", err)
	}
	z.ID = strconv.FormatInt(zid, 10)
	z.Side = models.ParseSide(side)
	return z, nil
}
