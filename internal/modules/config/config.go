package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"liq_engine/internal/engine"
	"liq_engine/internal/gateway"
	"liq_engine/internal/gateway/binance"
	"liq_engine/internal/marketdata"
	"liq_engine/internal/models"
	"liq_engine/pkg/logger"
	"liq_engine/pkg/tracing"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

const (
	configFilePathENV = "CONFIG_FILE"
	tokenTelegramENV  = "TELEGRAM_TOKEN"
	chatTelegramENV   = "TELEGRAM_CHAT_ID"
	databaseDSN       = "DATABASE_DSN"
	apiKeyENV         = "BINANCE_API_KEY"
	apiSecretENV      = "BINANCE_API_SECRET"

	envPrefix         = "LIQ"
	defaultConfigFile = "configs/values_local.yaml"
)

const (
	JournalPostgres = "postgres"
	JournalSQLite   = "sqlite"
	JournalMemory   = "memory"

	SourcePostgres = "postgres"
	SourceFile     = "file"

	ExchangeBinance = "binance"
	ExchangePaper   = "paper"
)

// Config ...
type Config struct {
	Service struct {
		Name      string `yaml:"name"`
		AdminAddr string `yaml:"admin_addr"`
	} `yaml:"service"`

	Log     logger.Config  `yaml:"log"`
	Tracing tracing.Config `yaml:"tracing"`

	DB      string `yaml:"db_dsn"`
	Journal struct {
		// postgres | sqlite | memory
		Driver     string `yaml:"driver"`
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"journal"`

	Decisions struct {
		// postgres | file
		Source  string        `yaml:"source"`
		File    string        `yaml:"file"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"decisions"`

	Exchange struct {
		// binance | paper
		Mode        string              `yaml:"mode"`
		Binance     binance.Config      `yaml:"binance"`
		Retry       gateway.RetryPolicy `yaml:"retry"`
		StreamURL   string              `yaml:"stream_url"`
		QuoteMaxAge time.Duration       `yaml:"quote_max_age"`
		// фолбэк, если exchangeInfo недоступен при старте
		Instrument  models.Instrument `yaml:"instrument"`
		PaperEquity float64           `yaml:"paper_equity"`
	} `yaml:"exchange"`

	Telegram struct {
		Token    string        `yaml:"token"`
		ChatID   int64         `yaml:"chat_id"`
		MinLevel string        `yaml:"min_level"`
		Window   time.Duration `yaml:"window"`
	} `yaml:"telegram"`

	Engine engine.Config `yaml:"engine"`
}

// Default: конфиг со всеми дефолтами; файл и окружение накладываются поверх.
func Default() Config {
	var c Config
	c.Service.Name = "liq_engine"
	c.Service.AdminAddr = ":8080"
	c.Log = logger.Config{Level: "info"}
	c.Journal.Driver = JournalPostgres
	c.Journal.SQLitePath = "liq_engine.db"
	c.Decisions.Source = SourcePostgres
	c.Decisions.Timeout = time.Second
	c.Exchange.Mode = ExchangeBinance
	c.Exchange.Retry = gateway.DefaultRetryPolicy()
	c.Exchange.QuoteMaxAge = 3 * time.Second
	c.Exchange.PaperEquity = 10_000
	c.Telegram.MinLevel = string(models.LevelWarning)
	c.Telegram.Window = time.Minute
	c.Engine = engine.DefaultConfig()
	return c
}

// Path: файл конфига: явный аргумент, затем CONFIG_FILE, затем configs/values_local.yaml.
func Path(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if v := os.Getenv(configFilePathENV); v != "" {
		if !strings.Contains(v, "/") {
			return "configs/" + v
		}
		return v
	}
	return defaultConfigFile
}

// Load читает .env, YAML-файл через viper (переопределения LIQ_<SECTION>_<KEY>)
// и секреты из окружения.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(Path(path))
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config %s", v.ConfigFileUsed())
	}

	// viper отдаёт дерево настроек с учётом окружения, yaml.v2 раскладывает его по типам
	raw, err := yaml.Marshal(settings(v))
	if err != nil {
		return nil, errors.Wrap(err, "marshal settings")
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}

	applySecrets(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// settings собирает дерево по всем ключам, чтобы env-переопределения попали внутрь.
func settings(v *viper.Viper) map[string]any {
	out := map[string]any{}
	for _, key := range v.AllKeys() {
		parts := strings.Split(key, ".")
		node := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := node[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				node[p] = next
			}
			node = next
		}
		node[parts[len(parts)-1]] = value(v, key)
	}
	return out
}

// value: значение ключа; строку из окружения приводим к её YAML-типу (bool, число).
func value(v *viper.Viper, key string) any {
	raw := v.Get(key)
	s, ok := raw.(string)
	if !ok || os.Getenv(envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_"))) == "" {
		return raw
	}
	var typed any
	if err := yaml.Unmarshal([]byte(s), &typed); err != nil || typed == nil {
		return raw
	}
	return typed
}

func applySecrets(cfg *Config) {
	if token := os.Getenv(tokenTelegramENV); token != "" {
		cfg.Telegram.Token = token
	}
	cfg.Telegram.ChatID = int64FromEnv(chatTelegramENV, cfg.Telegram.ChatID)
	if dsn := os.Getenv(databaseDSN); dsn != "" {
		cfg.DB = dsn
	}
	cfg.Exchange.Binance.APIKey = getenvDefault(apiKeyENV, cfg.Exchange.Binance.APIKey)
	cfg.Exchange.Binance.APISecret = getenvDefault(apiSecretENV, cfg.Exchange.Binance.APISecret)
}

func (c *Config) Validate() error {
	e := c.Engine
	switch {
	case e.Symbol == "":
		return errors.New("engine.symbol is required")
	case e.Interval <= 0:
		return errors.New("engine.interval must be positive")
	case e.DecisionMaxAge <= 0:
		return errors.New("engine.decision_max_age must be positive")
	case e.Safety.HardErrorThreshold < 1:
		return errors.New("engine.safety.hard_error_threshold must be >= 1")
	case e.Entry.MarketEntryThreshold < 0 || e.Entry.MarketEntryThreshold > 1:
		return errors.New("engine.entry.market_entry_threshold must be within [0,1]")
	}
	interval, ok := marketdata.NormInterval(e.Trailing.CandleInterval)
	if !ok {
		return errors.Errorf("unknown engine.trailing.candle_interval %q", e.Trailing.CandleInterval)
	}
	c.Engine.Trailing.CandleInterval = interval

	switch c.Journal.Driver {
	case JournalPostgres, JournalSQLite, JournalMemory:
	default:
		return errors.Errorf("unknown journal driver %q", c.Journal.Driver)
	}
	switch c.Decisions.Source {
	case SourcePostgres:
	case SourceFile:
		if c.Decisions.File == "" {
			return errors.New("decisions.file is required for the file source")
		}
	default:
		return errors.Errorf("unknown decision source %q", c.Decisions.Source)
	}
	if c.NeedsPostgres() && c.DB == "" {
		return errors.New("db_dsn (or DATABASE_DSN) is required")
	}

	switch c.Exchange.Mode {
	case ExchangePaper:
	case ExchangeBinance:
		if c.Exchange.Binance.APIKey == "" || c.Exchange.Binance.APISecret == "" {
			return errors.Errorf("%s and %s are required in binance mode", apiKeyENV, apiSecretENV)
		}
	default:
		return errors.Errorf("unknown exchange mode %q", c.Exchange.Mode)
	}

	switch models.Level(strings.ToUpper(c.Telegram.MinLevel)) {
	case models.LevelInfo, models.LevelWarning, models.LevelError, models.LevelCritical:
	default:
		return errors.Errorf("unknown telegram.min_level %q", c.Telegram.MinLevel)
	}
	return nil
}

// NeedsPostgres: журнал или источник решений живут в Postgres.
func (c *Config) NeedsPostgres() bool {
	return c.Journal.Driver == JournalPostgres || c.Decisions.Source == SourcePostgres
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func int64FromEnv(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
