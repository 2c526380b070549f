package main

import (
	"liq_engine/internal/modules/bootstrap"
	"liq_engine/internal/modules/config"
	"liq_engine/internal/modules/decisions"
	modengine "liq_engine/internal/modules/engine"
	"liq_engine/internal/modules/exchange"
	"liq_engine/internal/modules/health"
	"liq_engine/internal/modules/notifier"
	"liq_engine/internal/modules/postgres"
	"liq_engine/internal/modules/storage"
	telegram "liq_engine/internal/modules/telegram_bot"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

type app struct {
	cfgPath string
	cfg     *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "liq-engine",
		Short: "Execution core: turns decisions into protected futures positions",
		Long: `liq-engine polls the latest decision, places and chases the entry,
keeps SL/TP1/TP2 on the exchange, trails the stop and reconciles local state
with the exchange. Repeated hard errors switch it into SAFE_MODE.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.cfgPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "config file (default: $CONFIG_FILE or configs/values_local.yaml)")

	root.AddCommand(
		newRunCmd(a),
		newReconcileCmd(a),
		newAckCmd(a),
		newStatusCmd(a),
	)
	return root
}

// options собирает приложение. daemon=false: разовый прогон без цикла, HTTP и Telegram.
func (a *app) options(daemon bool, extra ...fx.Option) []fx.Option {
	opts := []fx.Option{
		fx.StartTimeout(modengine.StartTimeout),
		config.Module(a.cfg),
		bootstrap.Module(),
		storage.Module(),
		decisions.Module(),
		exchange.Module(daemon),
		notifier.Module(),
		modengine.Module(daemon),
	}
	if a.cfg.NeedsPostgres() {
		opts = append(opts, postgres.Module())
	}
	if daemon {
		opts = append(opts, health.Module())
		if a.cfg.Telegram.Token != "" && a.cfg.Telegram.ChatID != 0 {
			opts = append(opts, telegram.Module())
		}
	}
	return append(opts, extra...)
}
