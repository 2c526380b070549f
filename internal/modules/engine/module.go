// Package engine: fx-обвязка ядра исполнения.
package engine

import (
	"context"
	"time"

	"liq_engine/internal/decision"
	"liq_engine/internal/engine"
	"liq_engine/internal/gateway"
	"liq_engine/internal/marketdata"
	hsvc "liq_engine/internal/modules/health/service"
	"liq_engine/internal/notify"
	"liq_engine/internal/store"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Cfg       engine.Config
	Gateway   gateway.Gateway
	Quotes    marketdata.QuoteSource
	Candles   gateway.CandleSource
	Zones     decision.ZoneSource
	Decisions *decision.Cache
	Store     *store.Store
	Notifier  notify.Notifier
	Log       *zap.Logger
}

func New(p Params) *engine.Engine {
	return engine.New(p.Cfg, engine.Deps{
		Gateway:   p.Gateway,
		Quotes:    p.Quotes,
		Candles:   p.Candles,
		Zones:     p.Zones,
		Decisions: p.Decisions,
		Store:     p.Store,
		Notifier:  p.Notifier,
		Clock:     engine.RealClock(),
		Log:       p.Log,
	})
}

type LoopParams struct {
	fx.In

	LC     fx.Lifecycle
	Engine *engine.Engine
	Log    *zap.Logger
	Health *hsvc.State `optional:"true"`
}

// RunLoop: на старте восстановление и стартовая сверка, затем цикл до остановки приложения.
func RunLoop(p LoopParams) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.LC.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if err := p.Engine.Start(startCtx); err != nil {
				cancel()
				return err
			}
			go func() {
				defer close(done)
				if err := p.Engine.Run(ctx); err != nil {
					p.Log.Error("execution loop failed", zap.Error(err))
				}
			}()
			if p.Health != nil {
				p.Health.SetReady(true)
			}
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			if p.Health != nil {
				p.Health.SetReady(false)
			}
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
				p.Log.Warn("execution loop did not stop in time")
			}
			return nil
		},
	})
}

// StartTimeout: стартовая сверка ходит в биржу с ретраями.
const StartTimeout = 2 * time.Minute

// Module. loop=false: только провайдеры (CLI-команды разового прогона).
func Module(loop bool) fx.Option {
	opts := []fx.Option{fx.Provide(New)}
	if loop {
		opts = append(opts, fx.Invoke(RunLoop))
	}
	return fx.Module("engine", opts...)
}
