package health

import (
	"context"
	"net"
	"net/http"
	"time"

	"liq_engine/internal/engine"
	"liq_engine/internal/models"
	"liq_engine/internal/modules/config"
	"liq_engine/internal/modules/health/service"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	Addr string // например ":8080"
}

func NewState(cfg *config.Config) *service.State {
	return service.NewState(cfg.Exchange.QuoteMaxAge)
}

func NewConfig(cfg *config.Config) Config {
	if cfg.Service.AdminAddr == "" {
		return Config{Addr: ":8080"}
	}
	return Config{Addr: cfg.Service.AdminAddr}
}

// Controller: ручки оператора поверх ядра.
type Controller interface {
	Status() engine.Status
	Acknowledge(ctx context.Context, operator string) bool
	Reconcile(ctx context.Context, trigger models.ReconcileTrigger) (models.ReconciliationReport, error)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func NewMux(state *service.State, ctl Controller, log *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		// liveness: процесс жив
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		// readiness: стартовая сверка пройдена, цикл крутится
		if !state.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		st := ctl.Status()
		resp := map[string]any{
			"ready":         state.Ready(),
			"feedConnected": state.FeedConnected(),
			"quoteStale":    state.QuoteStale(time.Now()),
			"uptimeSec":     int64(state.Uptime().Seconds()),
			"lastQuoteUnix": func() int64 {
				t := state.LastQuote()
				if t.IsZero() {
					return 0
				}
				return t.Unix()
			}(),
			"state":    st.State,
			"safeMode": st.SafeMode,
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ctl.Status())
	})

	mux.HandleFunc("POST /safe-mode/ack", func(w http.ResponseWriter, r *http.Request) {
		operator := r.URL.Query().Get("operator")
		if operator == "" {
			operator = "http"
		}
		ok := ctl.Acknowledge(r.Context(), operator)
		log.Info("safe mode acknowledge requested", zap.String("operator", operator), zap.Bool("cleared", ok))
		writeJSON(w, http.StatusOK, map[string]any{"cleared": ok})
	})

	mux.HandleFunc("POST /reconcile", func(w http.ResponseWriter, r *http.Request) {
		rep, err := ctl.Reconcile(r.Context(), models.TriggerManual)
		if err != nil {
			log.Warn("manual reconciliation failed", zap.Error(err))
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "report": rep})
			return
		}
		writeJSON(w, http.StatusOK, rep)
	})

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

func RunHTTP(lc fx.Lifecycle, cfg Config, mux *http.ServeMux, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return err
			}
			log.Info("admin http listening", zap.String("addr", cfg.Addr))
			go func() { _ = srv.Serve(ln) }()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func Module() fx.Option {
	return fx.Module("health",
		fx.Provide(
			NewState,
			NewConfig,
			NewMux,
			func(e *engine.Engine) Controller { return e },
		),
		fx.Invoke(RunHTTP),
	)
}
