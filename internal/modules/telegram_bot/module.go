package telegram

import (
	"context"
	"strings"

	"liq_engine/internal/engine"
	"liq_engine/internal/models"
	"liq_engine/internal/modules/config"
	"liq_engine/internal/modules/notifier"
	"liq_engine/internal/modules/telegram_bot/service"
	"liq_engine/internal/notify"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module подключается, если заданы токен и чат: алерты в чат и команды оператора.
func Module() fx.Option {
	return fx.Module("telegram",
		fx.Provide(
			func(cfg *config.Config) (*tgbot.BotAPI, error) {
				return tgbot.NewBotAPI(cfg.Telegram.Token)
			},
			notifier.AsSink(func(bot *tgbot.BotAPI, cfg *config.Config) *notify.Telegram {
				level := models.Level(strings.ToUpper(cfg.Telegram.MinLevel))
				return notify.NewTelegram(bot, cfg.Telegram.ChatID, level, cfg.Telegram.Window)
			}),
			func(bot *tgbot.BotAPI, cfg *config.Config, eng *engine.Engine, log *zap.Logger) *service.Operator {
				return service.NewOperator(bot, cfg.Telegram.ChatID, eng, log)
			},
		),
		fx.Invoke(
			func(lc fx.Lifecycle, o *service.Operator) {
				lc.Append(fx.Hook{
					OnStart: func(ctx context.Context) error {
						o.Start()
						return nil
					},
					OnStop: func(ctx context.Context) error {
						o.Stop()
						return nil
					},
				})
			},
		),
	)
}
