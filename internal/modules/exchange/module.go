// Package exchange собирает биржевой шлюз ядра: Binance или бумажная биржа,
// ретраи, фолбэк инструмента, поток котировок и свечи.
package exchange

import (
	"context"
	"time"

	"liq_engine/internal/gateway"
	"liq_engine/internal/gateway/binance"
	"liq_engine/internal/gateway/paper"
	"liq_engine/internal/marketdata"
	"liq_engine/internal/models"
	"liq_engine/internal/modules/config"
	hsvc "liq_engine/internal/modules/health/service"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Venue: сырые клиенты до обёрток.
type Venue struct {
	Raw     gateway.Gateway
	Candles gateway.CandleSource
	// только в режиме paper
	Paper *paper.Exchange
}

func NewVenue(cfg *config.Config, log *zap.Logger) Venue {
	// свечи публичные: в режиме paper ключи не нужны
	rest := binance.NewClient(cfg.Exchange.Binance)
	if cfg.Exchange.Mode == config.ExchangePaper {
		inst := cfg.Exchange.Instrument
		if inst.Symbol == "" {
			inst.Symbol = cfg.Engine.Symbol
		}
		ex := paper.New(inst, cfg.Exchange.PaperEquity)
		log.Warn("paper exchange: orders are simulated against the live quote stream",
			zap.String("symbol", inst.Symbol),
			zap.Float64("equity", cfg.Exchange.PaperEquity),
		)
		return Venue{Raw: ex, Candles: rest, Paper: ex}
	}
	return Venue{Raw: rest, Candles: rest}
}

func NewGateway(cfg *config.Config, v Venue, log *zap.Logger) gateway.Gateway {
	g := gateway.Gateway(gateway.NewRetrying(v.Raw, cfg.Exchange.Retry, log))
	return gateway.WithInstrumentFallback(g, cfg.Exchange.Instrument, log)
}

func NewCandles(v Venue) gateway.CandleSource { return v.Candles }

type FeedParams struct {
	fx.In

	Cfg    *config.Config
	Venue  Venue
	Log    *zap.Logger
	Health *hsvc.State `optional:"true"`
}

func NewFeed(p FeedParams) *marketdata.Feed {
	f := marketdata.NewFeed(p.Cfg.Exchange.StreamURL, p.Cfg.Engine.Symbol, p.Log)
	if p.Health != nil {
		f.OnConnected = p.Health.SetFeedConnected
	}
	ex := p.Venue.Paper
	f.OnQuote = func(q models.Quote) {
		if ex != nil {
			ex.SetQuote(q.Bid, q.Ask)
		}
		if p.Health != nil {
			p.Health.TouchQuote(time.Now())
		}
	}
	return f
}

func NewQuotes(cfg *config.Config, g gateway.Gateway, f *marketdata.Feed) marketdata.QuoteSource {
	return marketdata.NewQuoter(g, f, cfg.Exchange.QuoteMaxAge)
}

// RunFeed держит поток котировок, пока живёт приложение.
func RunFeed(lc fx.Lifecycle, f *marketdata.Feed) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				f.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

// Module. stream=false: без потока котировок (разовые команды), только REST.
func Module(stream bool) fx.Option {
	opts := []fx.Option{
		fx.Provide(
			NewVenue,
			NewGateway,
			NewCandles,
			NewFeed,
			NewQuotes,
		),
	}
	if stream {
		opts = append(opts, fx.Invoke(RunFeed))
	}
	return fx.Module("exchange", opts...)
}
