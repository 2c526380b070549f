// Package storage выбирает журнал состояния по конфигу и собирает Store ядра.
package storage

import (
	"context"

	"liq_engine/internal/modules/config"
	"liq_engine/internal/store"
	"liq_engine/internal/store/pg"
	"liq_engine/internal/store/sqlite"
	"liq_engine/pkg/db"

	"github.com/pkg/errors"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type JournalParams struct {
	fx.In

	Ctx context.Context
	LC  fx.Lifecycle
	Cfg *config.Config
	Log *zap.Logger
	// есть только при подключённом модуле postgres
	Tx db.TxManager `optional:"true"`
}

func NewJournal(p JournalParams) (store.Journal, error) {
	switch p.Cfg.Journal.Driver {
	case config.JournalPostgres:
		if p.Tx == nil {
			return nil, errors.New("postgres journal needs the postgres module")
		}
		j := pg.New(p.Tx)
		if err := j.Migrate(p.Ctx); err != nil {
			return nil, err
		}
		return j, nil
	case config.JournalSQLite:
		j, err := sqlite.Open(p.Cfg.Journal.SQLitePath)
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite journal")
		}
		p.LC.Append(fx.StopHook(j.Close))
		return j, nil
	case config.JournalMemory:
		p.Log.Warn("memory journal: state is lost on restart")
		return store.NewMemory(), nil
	}
	return nil, errors.Errorf("unknown journal driver %q", p.Cfg.Journal.Driver)
}

func NewStore(cfg *config.Config, j store.Journal, log *zap.Logger) *store.Store {
	return store.New(cfg.Engine.Symbol, j, log)
}

func Module() fx.Option {
	return fx.Module("storage",
		fx.Provide(
			NewJournal,
			NewStore,
		),
	)
}
