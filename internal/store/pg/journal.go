// Package pg: журнал состояния ядра в Postgres поверх pkg/db.
package pg

import (
	"context"
	_ "embed"
	"fmt"

	"liq_engine/internal/models"
	"liq_engine/internal/store"
	"liq_engine/pkg/db"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
)

//go:embed schema.sql
var schema string

type Journal struct {
	db db.TxManager
}

var _ store.Journal = (*Journal)(nil)

func New(tx db.TxManager) *Journal {
	return &Journal{db: tx}
}

// Migrate создаёт таблицы, если их нет.
func (j *Journal) Migrate(ctx context.Context) error {
	if _, err := j.db.Conn().Exec(ctx, schema); err != nil {
		return fmt.Errorf("pg.Migrate: %w", err)
	}
	return nil
}

func (j *Journal) SavePosition(ctx context.Context, p models.Position) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.SavePosition: %w", err)
		}
	}()
	data, err := sonic.Marshal(p)
	if err != nil {
		return err
	}
	_, err = j.db.Conn().Exec(ctx, `
		INSERT INTO exec_positions (symbol, status, decision_id, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (symbol) DO UPDATE
		SET status = EXCLUDED.status, decision_id = EXCLUDED.decision_id,
		    payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		p.Symbol, string(p.Status), p.DecisionID, data, p.UpdatedAt)
	return err
}

func (j *Journal) SaveOrder(ctx context.Context, o models.Order) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.SaveOrder: %w", err)
		}
	}()
	data, err := sonic.Marshal(o)
	if err != nil {
		return err
	}
	_, err = j.db.Conn().Exec(ctx, `
		INSERT INTO exec_orders (client_id, symbol, role, status, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (client_id) DO UPDATE
		SET status = EXCLUDED.status, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		o.ClientID, o.Symbol, string(o.Role), string(o.Status), data, o.UpdatedAt)
	return err
}

// SaveReconciliation пишет отчёт и его находки одной транзакцией вместе с событием-сводкой.
func (j *Journal) SaveReconciliation(ctx context.Context, r models.ReconciliationReport) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.SaveReconciliation: %w", err)
		}
	}()
	data, err := sonic.Marshal(r)
	if err != nil {
		return err
	}
	return j.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctxTx, `
			INSERT INTO exec_reconciliations (run_id, symbol, trigger_kind, status, payload, started_at, finished_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (run_id) DO NOTHING`,
			r.RunID, r.Symbol, string(r.Trigger), string(r.Status), data, r.StartedAt, r.FinishedAt)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctxTx, `
			INSERT INTO exec_events (level, category, message, context, at)
			VALUES ($1, $2, $3, $4, $5)`,
			string(r.MaxLevel()), models.CategoryReconciliation,
			fmt.Sprintf("reconciliation %s: %s, findings=%d", r.RunID, r.Status, len(r.Findings)),
			nil, r.FinishedAt)
		return err
	})
}

func (j *Journal) SaveEvent(ctx context.Context, e models.Event) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.SaveEvent: %w", err)
		}
	}()
	var ctxData []byte
	if len(e.Context) > 0 {
		if ctxData, err = sonic.Marshal(e.Context); err != nil {
			return err
		}
	}
	_, err = j.db.Conn().Exec(ctx, `
		INSERT INTO exec_events (level, category, message, context, at)
		VALUES ($1, $2, $3, $4, $5)`,
		string(e.Level), e.Category, e.Message, ctxData, e.At)
	return err
}

func (j *Journal) SaveSafety(ctx context.Context, symbol string, s models.SafetyState) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.SaveSafety: %w", err)
		}
	}()
	data, err := sonic.Marshal(s)
	if err != nil {
		return err
	}
	_, err = j.db.Conn().Exec(ctx, `
		INSERT INTO exec_safety (symbol, payload, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (symbol) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`,
		symbol, data)
	return err
}

func (j *Journal) Load(ctx context.Context, symbol string) (snap store.Snapshot, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.Load: %w", err)
		}
	}()

	var raw []byte
	err = j.db.Conn().QueryRow(ctx, `SELECT payload FROM exec_positions WHERE symbol = $1`, symbol).Scan(&raw)
	switch {
	case err == pgx.ErrNoRows:
		err = nil
	case err != nil:
		return snap, err
	default:
		var p models.Position
		if err = sonic.Unmarshal(raw, &p); err != nil {
			return snap, err
		}
		snap.Position = &p
	}

	rows, err := j.db.Conn().Query(ctx, `
		SELECT DISTINCT ON (role) payload FROM exec_orders
		WHERE symbol = $1
		ORDER BY role, updated_at DESC`, symbol)
	if err != nil {
		return snap, err
	}
	defer rows.Close()
	var orders []models.Order
	for rows.Next() {
		var b []byte
		if err = rows.Scan(&b); err != nil {
			return snap, err
		}
		var o models.Order
		if err = sonic.Unmarshal(b, &o); err != nil {
			return snap, err
		}
		orders = append(orders, o)
	}
	if err = rows.Err(); err != nil {
		return snap, err
	}
	snap.Orders = store.LatestByRole(orders)

	err = j.db.Conn().QueryRow(ctx, `SELECT payload FROM exec_safety WHERE symbol = $1`, symbol).Scan(&raw)
	switch {
	case err == pgx.ErrNoRows:
		err = nil
	case err != nil:
		return snap, err
	default:
		if err = sonic.Unmarshal(raw, &snap.Safety); err != nil {
			return snap, err
		}
	}
	return snap, nil
}
