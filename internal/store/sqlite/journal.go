// Package sqlite: журнал состояния ядра в SQLite для установки на одном хосте.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"liq_engine/internal/models"
	"liq_engine/internal/store"

	"github.com/bytedance/sonic"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS exec_positions (
	symbol      TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	decision_id TEXT NOT NULL DEFAULT '',
	payload     TEXT NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS exec_orders (
	client_id  TEXT PRIMARY KEY,
	symbol     TEXT NOT NULL,
	role       TEXT NOT NULL,
	status     TEXT NOT NULL,
	payload    TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS exec_orders_symbol_idx ON exec_orders (symbol, updated_at);

CREATE TABLE IF NOT EXISTS exec_reconciliations (
	run_id      TEXT PRIMARY KEY,
	symbol      TEXT NOT NULL,
	trigger_kind   TEXT NOT NULL,
	status      TEXT NOT NULL,
	payload     TEXT NOT NULL,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS exec_events (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	level    TEXT NOT NULL,
	category TEXT NOT NULL,
	message  TEXT NOT NULL,
	context  TEXT,
	at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS exec_safety (
	symbol     TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
`

type Journal struct {
	db *sql.DB
}

var _ store.Journal = (*Journal)(nil)

// Open открывает (или создаёт) базу по пути. ":memory:": для тестов.
func Open(path string) (*Journal, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// один писатель: ядро пишет последовательно, а :memory: живёт в одном соединении
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) SavePosition(ctx context.Context, p models.Position) error {
	data, err := sonic.MarshalString(p)
	if err != nil {
		return fmt.Errorf("sqlite.SavePosition: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO exec_positions (symbol, status, decision_id, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			status = excluded.status, decision_id = excluded.decision_id,
			payload = excluded.payload, updated_at = excluded.updated_at`,
		p.Symbol, string(p.Status), p.DecisionID, data, p.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("sqlite.SavePosition: %w", err)
	}
	return nil
}

func (j *Journal) SaveOrder(ctx context.Context, o models.Order) error {
	data, err := sonic.MarshalString(o)
	if err != nil {
		return fmt.Errorf("sqlite.SaveOrder: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO exec_orders (client_id, symbol, role, status, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			status = excluded.status, payload = excluded.payload, updated_at = excluded.updated_at`,
		o.ClientID, o.Symbol, string(o.Role), string(o.Status), data, o.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("sqlite.SaveOrder: %w", err)
	}
	return nil
}

func (j *Journal) SaveReconciliation(ctx context.Context, r models.ReconciliationReport) error {
	data, err := sonic.MarshalString(r)
	if err != nil {
		return fmt.Errorf("sqlite.SaveReconciliation: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO exec_reconciliations (run_id, symbol, trigger_kind, status, payload, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Symbol, string(r.Trigger), string(r.Status), data, r.StartedAt.UTC(), r.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("sqlite.SaveReconciliation: %w", err)
	}
	return nil
}

func (j *Journal) SaveEvent(ctx context.Context, e models.Event) error {
	var ctxData sql.NullString
	if len(e.Context) > 0 {
		s, err := sonic.MarshalString(e.Context)
		if err != nil {
			return fmt.Errorf("sqlite.SaveEvent: %w", err)
		}
		ctxData = sql.NullString{String: s, Valid: true}
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO exec_events (level, category, message, context, at) VALUES (?, ?, ?, ?, ?)`,
		string(e.Level), e.Category, e.Message, ctxData, e.At.UTC())
	if err != nil {
		return fmt.Errorf("sqlite.SaveEvent: %w", err)
	}
	return nil
}

func (j *Journal) SaveSafety(ctx context.Context, symbol string, s models.SafetyState) error {
	data, err := sonic.MarshalString(s)
	if err != nil {
		return fmt.Errorf("sqlite.SaveSafety: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO exec_safety (symbol, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		symbol, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sqlite.SaveSafety: %w", err)
	}
	return nil
}

func (j *Journal) Load(ctx context.Context, symbol string) (store.Snapshot, error) {
	var snap store.Snapshot

	var raw string
	err := j.db.QueryRowContext(ctx, `SELECT payload FROM exec_positions WHERE symbol = ?`, symbol).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return snap, fmt.Errorf("sqlite.Load position: %w", err)
	default:
		var p models.Position
		if err := sonic.UnmarshalString(raw, &p); err != nil {
			return snap, fmt.Errorf("sqlite.Load position: %w", err)
		}
		snap.Position = &p
	}

	rows, err := j.db.QueryContext(ctx, `SELECT payload FROM exec_orders WHERE symbol = ? ORDER BY updated_at`, symbol)
	if err != nil {
		return snap, fmt.Errorf("sqlite.Load orders: %w", err)
	}
	defer rows.Close()
	var orders []models.Order
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return snap, fmt.Errorf("sqlite.Load orders: %w", err)
		}
		var o models.Order
		if err := sonic.UnmarshalString(s, &o); err != nil {
			return snap, fmt.Errorf("sqlite.Load orders: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("sqlite.Load orders: %w", err)
	}
	snap.Orders = store.LatestByRole(orders)

	err = j.db.QueryRowContext(ctx, `SELECT payload FROM exec_safety WHERE symbol = ?`, symbol).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return snap, fmt.Errorf("sqlite.Load safety: %w", err)
	default:
		if err := sonic.UnmarshalString(raw, &snap.Safety); err != nil {
			return snap, fmt.Errorf("sqlite.Load safety: %w", err)
		}
	}
	return snap, nil
}

// Reports последние count отчётов сверки (для CLI и тестов).
func (j *Journal) Reports(ctx context.Context, symbol string, count int) ([]models.ReconciliationReport, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT payload FROM exec_reconciliations WHERE symbol = ?
		ORDER BY started_at DESC LIMIT ?`, symbol, count)
	if err != nil {
		return nil, fmt.Errorf("sqlite.Reports: %w", err)
	}
	defer rows.Close()
	var out []models.ReconciliationReport
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("sqlite.Reports: %w", err)
		}
		var r models.ReconciliationReport
		if err := sonic.UnmarshalString(s, &r); err != nil {
			return nil, fmt.Errorf("sqlite.Reports: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
