package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"liq_engine/internal/engine"
	"liq_engine/internal/models"
	"liq_engine/pkg/logger"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the execution loop until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			fxApp := fx.New(a.options(true)...)
			if err := fxApp.Err(); err != nil {
				return err
			}

			startCtx, cancel := context.WithTimeout(context.Background(), fxApp.StartTimeout())
			defer cancel()
			if err := fxApp.Start(startCtx); err != nil {
				return errors.Wrap(err, "start")
			}
			logger.Info("%s started: symbol=%s exchange=%s", a.cfg.Service.Name, a.cfg.Engine.Symbol, a.cfg.Exchange.Mode)

			sig := <-fxApp.Wait()
			logger.Warn("signal %s received, stopping", sig.Signal)

			stopCtx, cancelStop := context.WithTimeout(context.Background(), fxApp.StopTimeout())
			defer cancelStop()
			if err := fxApp.Stop(stopCtx); err != nil {
				return errors.Wrap(err, "stop")
			}
			if sig.ExitCode != 0 {
				return errors.Errorf("exit code %d", sig.ExitCode)
			}
			return nil
		},
	}
}

func newReconcileCmd(a *app) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass and print the report",
		Long: `Without --remote the command restores state from the journal and reconciles
once in this process. Do not run it locally while a daemon trades the same symbol:
use --remote to ask the running daemon instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote {
				return adminCall(cmd.OutOrStdout(), a.cfg.Service.AdminAddr, http.MethodPost, "/reconcile", nil)
			}

			var eng *engine.Engine
			fxApp := fx.New(a.options(false, fx.Populate(&eng))...)
			if err := fxApp.Err(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), fxApp.StartTimeout())
			defer cancel()
			if err := fxApp.Start(ctx); err != nil {
				return errors.Wrap(err, "start")
			}
			defer func() { _ = fxApp.Stop(context.Background()) }()

			if err := eng.Restore(ctx); err != nil {
				return err
			}
			r, rerr := eng.Reconcile(ctx, models.TriggerManual)
			if err := printJSON(cmd.OutOrStdout(), r); err != nil {
				return err
			}
			if rerr != nil {
				return rerr
			}
			if r.HasUnresolvedCritical() {
				return errors.New("unresolved critical findings")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "ask the running daemon over the admin API")
	return cmd
}

func newAckCmd(a *app) *cobra.Command {
	var operator string
	cmd := &cobra.Command{
		Use:   "ack",
		Short: "Acknowledge SAFE_MODE on the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("operator", operator)
			return adminCall(cmd.OutOrStdout(), a.cfg.Service.AdminAddr, http.MethodPost, "/safe-mode/ack", q)
		},
	}
	cmd.Flags().StringVar(&operator, "operator", os.Getenv("USER"), "operator name recorded with the acknowledgement")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the running daemon's state, position and live orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminCall(cmd.OutOrStdout(), a.cfg.Service.AdminAddr, http.MethodGet, "/status", nil)
		},
	}
}

// adminBase: ":8080" -> http://localhost:8080.
func adminBase(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func adminCall(out io.Writer, addr, method, path string, q url.Values) error {
	u := adminBase(addr) + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "admin api")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 300 {
		return errors.Errorf("admin api: %s", resp.Status)
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
