package config

import (
	"liq_engine/internal/engine"
	"liq_engine/internal/gateway/binance"

	"go.uber.org/fx"
)

// Module отдаёт уже загруженный конфиг и его разделы как fx-провайдеры.
func Module(cfg *Config) fx.Option {
	return fx.Module("config",
		fx.Supply(cfg),
		fx.Provide(
			func(c *Config) engine.Config { return c.Engine },
			func(c *Config) binance.Config { return c.Exchange.Binance },
		),
	)
}
