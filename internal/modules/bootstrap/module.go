// Package bootstrap поднимает общее окружение процесса: логгер, трейсер, базовый контекст.
package bootstrap

import (
	"context"

	"liq_engine/internal/modules/config"
	"liq_engine/pkg/logger"
	"liq_engine/pkg/tracing"

	"github.com/opentracing/opentracing-go"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func NewLogger(lc fx.Lifecycle, cfg *config.Config) (*zap.Logger, error) {
	logger.SetServiceName(cfg.Service.Name)
	l, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func() { _ = l.Sync() }))
	return l, nil
}

func NewTracer(lc fx.Lifecycle, cfg *config.Config) (opentracing.Tracer, error) {
	tracing.SetServiceName(cfg.Service.Name)
	tracer, closer, err := tracing.InitTracer(cfg.Tracing)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(closer))
	return tracer, nil
}

func Module() fx.Option {
	return fx.Options(
		fx.Module("bootstrap",
			fx.Provide(
				func() context.Context {
					return context.Background()
				},
				NewLogger,
				NewTracer,
			),
			// трейсер должен встать глобальным до первых span
			fx.Invoke(func(opentracing.Tracer) {}),
		),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
	)
}
