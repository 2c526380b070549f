package postgres

import (
	"context"
	"fmt"

	"liq_engine/internal/modules/config"
	"liq_engine/pkg/db"

	"go.uber.org/fx"
)

// Module подключается, только если журнал или источник решений в Postgres.
func Module() fx.Option {
	return fx.Module("postgres",
		fx.Provide(
			func(ctx context.Context, lc fx.Lifecycle, cfg *config.Config) (*db.PgTxManager, error) {
				poolMaster, err := db.NewPool(ctx, db.PoolConfig{
					DSN:      cfg.DB,
					MaxConns: 4,
				})
				if err != nil {
					return nil, fmt.Errorf("failed to create poolMaster: %w", err)
				}

				err = poolMaster.Ping(ctx)
				if err != nil {
					poolMaster.Close()
					return nil, err
				}

				tx := db.NewPgTxManager(poolMaster)
				lc.Append(fx.StopHook(tx.Close))
				return tx, nil
			},
			func(tx *db.PgTxManager) db.TxManager { return tx },
		),
	)
}
