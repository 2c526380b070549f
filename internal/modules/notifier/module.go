// Package notifier собирает Dispatcher из синков группы "sinks".
package notifier

import (
	"context"

	"liq_engine/internal/notify"
	"liq_engine/internal/store"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// AsSink кладёт конструктор синка в группу.
func AsSink(f any) any {
	return fx.Annotate(f, fx.As(new(notify.Sink)), fx.ResultTags(`group:"sinks"`))
}

type DispatcherParams struct {
	fx.In

	Log   *zap.Logger
	Sinks []notify.Sink `group:"sinks"`
}

func NewDispatcher(p DispatcherParams) *notify.Dispatcher {
	names := make([]string, 0, len(p.Sinks))
	for _, s := range p.Sinks {
		names = append(names, s.Name())
	}
	p.Log.Info("notification sinks", zap.Strings("sinks", names))
	return notify.NewDispatcher(p.Log, 512, p.Sinks...)
}

func Module() fx.Option {
	return fx.Module("notifier",
		fx.Provide(
			AsSink(notify.NewLogSink),
			AsSink(func(j store.Journal) *notify.JournalSink { return notify.NewJournalSink(j) }),
			NewDispatcher,
			func(d *notify.Dispatcher) notify.Notifier { return d },
		),
		fx.Invoke(func(lc fx.Lifecycle, d *notify.Dispatcher) {
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					d.Start()
					return nil
				},
				OnStop: func(context.Context) error {
					d.Stop()
					return nil
				},
			})
		}),
	)
}
