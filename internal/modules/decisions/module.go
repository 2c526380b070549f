// Package decisions подключает источник решений Decision Engine и их кэш.
package decisions

import (
	"liq_engine/internal/decision"
	"liq_engine/internal/modules/config"
	"liq_engine/pkg/db"

	"github.com/pkg/errors"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type SourceParams struct {
	fx.In

	Cfg *config.Config
	Tx  db.TxManager `optional:"true"`
}

// Sources: решения и зоны ликвидаций из одного хранилища.
type Sources struct {
	fx.Out

	Decisions decision.Source
	Zones     decision.ZoneSource
}

func NewSources(p SourceParams) (Sources, error) {
	switch p.Cfg.Decisions.Source {
	case config.SourcePostgres:
		if p.Tx == nil {
			return Sources{}, errors.New("postgres decision source needs the postgres module")
		}
		src := decision.NewPgSource(p.Tx)
		return Sources{Decisions: src, Zones: src}, nil
	case config.SourceFile:
		src := decision.NewFileSource(p.Cfg.Decisions.File)
		return Sources{Decisions: src, Zones: src}, nil
	}
	return Sources{}, errors.Errorf("unknown decision source %q", p.Cfg.Decisions.Source)
}

func NewCache(cfg *config.Config, src decision.Source, log *zap.Logger) *decision.Cache {
	return decision.NewCache(src, cfg.Engine.Symbol, cfg.Decisions.Timeout, log)
}

func Module() fx.Option {
	return fx.Module("decisions",
		fx.Provide(
			NewSources,
			NewCache,
		),
	)
}
