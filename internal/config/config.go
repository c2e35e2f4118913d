package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kmokrejs/stock-alert/internal/backtest"
	"github.com/kmokrejs/stock-alert/internal/logger"
	"github.com/kmokrejs/stock-alert/internal/pipeline"
	"github.com/kmokrejs/stock-alert/internal/strategy"
	"github.com/kmokrejs/stock-alert/internal/trader"
)

// DefaultPath is used when neither -config nor CONFIG_PATH is given.
const DefaultPath = "configs/config.yaml"

// Config holds all application configuration.
type Config struct {
	Log        logger.Config       `yaml:"log"`
	Tickers    []string            `yaml:"tickers" default:"[\"AAPL\",\"MSFT\",\"NVDA\",\"AMD\",\"GOOGL\",\"META\",\"AMZN\",\"SPY\",\"QQQ\"]" validate:"min=1,dive,required"`
	Pipeline   pipeline.Config     `yaml:"pipeline"`
	Indicators Indicators          `yaml:"indicators"`
	Thresholds strategy.Thresholds `yaml:"thresholds"`
	Risk       strategy.RiskParams `yaml:"risk"`
	Trading    trader.Config       `yaml:"trading"`
	Backtest   backtest.Config     `yaml:"backtest"`
	Broker     Broker              `yaml:"broker"`
	Feed       Feed                `yaml:"feed"`
	Ledger     Ledger              `yaml:"ledger"`
	Recorder   Recorder            `yaml:"recorder"`
	Telegram   Telegram            `yaml:"telegram"`
	Email      Email               `yaml:"email"`
	Schedule   Schedule            `yaml:"schedule"`
	Metrics    Metrics             `yaml:"metrics"`
	Proxy      string              `yaml:"proxy"`
}

// Indicators sets the engine windows.
type Indicators struct {
	RSIWindow  int `yaml:"rsi_window" default:"14" validate:"min=2"`
	SRSIWindow int `yaml:"srsi_window" default:"14" validate:"min=2"`
	FastMA     int `yaml:"fast_ma" default:"20" validate:"min=1"`
	SlowMA     int `yaml:"slow_ma" default:"50" validate:"min=1"`
}

// Broker selects order execution. Kind "none" runs signal-only.
type Broker struct {
	Kind          string        `yaml:"kind" default:"none" validate:"oneof=none paper alpaca"`
	BaseURL       string        `yaml:"base_url" default:"https://paper-api.alpaca.markets"`
	APIKey        string        `yaml:"api_key" validate:"required_if=Kind alpaca"`
	SecretKey     string        `yaml:"secret_key" validate:"required_if=Kind alpaca"`
	Notional      float64       `yaml:"notional" default:"100" validate:"gt=0"`
	TakeProfitMul float64       `yaml:"take_profit_mul" default:"1.20" validate:"gt=1"`
	StopLossMul   float64       `yaml:"stop_loss_mul" default:"0.80" validate:"gt=0,lt=1"`
	PollAttempts  int           `yaml:"poll_attempts" default:"10" validate:"min=1"`
	PollInterval  time.Duration `yaml:"poll_interval" default:"2s"`
}

// Feed selects the market data source and its cache.
type Feed struct {
	Source            string        `yaml:"source" default:"yahoo" validate:"oneof=yahoo alpaca mock"`
	AlpacaDataURL     string        `yaml:"alpaca_data_url" default:"https://data.alpaca.markets"`
	AlpacaFeed        string        `yaml:"alpaca_feed" default:"iex"`
	RequestsPerSecond float64       `yaml:"requests_per_second" default:"2" validate:"gt=0"`
	Retries           int           `yaml:"retries" default:"3" validate:"min=1"`
	RetryInterval     time.Duration `yaml:"retry_interval" default:"2s"`
	Fundamentals      bool          `yaml:"fundamentals"`
	Cache             Cache         `yaml:"cache"`
}

// Cache selects where fetched bars are kept between runs.
type Cache struct {
	Kind  string        `yaml:"kind" default:"memory" validate:"oneof=none memory redis"`
	TTL   time.Duration `yaml:"ttl" default:"1h"`
	Redis struct {
		Addr     string `yaml:"addr" default:"localhost:6379"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
}

// Ledger selects the position store.
type Ledger struct {
	Kind       string `yaml:"kind" default:"csv" validate:"oneof=csv sqlite"`
	CSVPath    string `yaml:"csv_path" default:"positions.csv"`
	SQLitePath string `yaml:"sqlite_path" default:"data/stock_alert.db"`
}

// Recorder enables the run history database when SQLitePath is set.
type Recorder struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type Telegram struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id" validate:"required_with=BotToken"`
}

type Email struct {
	Host      string `yaml:"host" default:"smtp.gmail.com"`
	Port      int    `yaml:"port" default:"465" validate:"min=1,max=65535"`
	Address   string `yaml:"address" validate:"omitempty,email"`
	Password  string `yaml:"password"`
	Recipient string `yaml:"recipient" validate:"omitempty,email"`
}

// Schedule holds the serve-mode cron expressions (with seconds).
type Schedule struct {
	Timezone    string `yaml:"timezone" default:"America/New_York"`
	SessionCron string `yaml:"session_cron" default:"0 30 16 * * 1-5"`
	SyncCron    string `yaml:"sync_cron" default:"0 0 10-16 * * 1-5"`
}

type Metrics struct {
	Addr string `yaml:"addr" default:":9090"`
}

// TelegramEnabled reports whether Telegram credentials are configured.
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != "" && c.Telegram.ChatID != ""
}

// EmailEnabled reports whether SMTP credentials and a recipient are configured.
func (c *Config) EmailEnabled() bool {
	return c.Email.Address != "" && c.Email.Password != "" && c.Email.Recipient != ""
}

// Path returns the config path: the explicit one, CONFIG_PATH, or DefaultPath.
func Path(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads config from a YAML file, then applies .env and environment
// variable overrides and fills defaults. A missing file or .env is not an
// error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides credentials and the universe from the environment.
func applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.Broker.APIKey, "ALPACA_API_KEY")
	set(&cfg.Broker.SecretKey, "ALPACA_SECRET_KEY")
	set(&cfg.Broker.BaseURL, "ALPACA_BASE_URL")
	set(&cfg.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	set(&cfg.Telegram.ChatID, "TELEGRAM_CHAT_ID")
	set(&cfg.Email.Address, "EMAIL_ADDRESS")
	set(&cfg.Email.Password, "EMAIL_PASSWORD")
	set(&cfg.Email.Recipient, "EMAIL_RECIPIENT")
	set(&cfg.Feed.Cache.Redis.Addr, "REDIS_ADDR")
	set(&cfg.Proxy, "HTTPS_PROXY")

	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Email.Port = port
		}
	}
	if v := os.Getenv("TICKERS"); v != "" {
		cfg.Tickers = SplitTickers(v)
	}
}

// SplitTickers parses a comma or whitespace separated ticker list.
func SplitTickers(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, strings.ToUpper(f))
	}
	return out
}

var validate = validator.New()

// Validate checks field constraints and that the configured timezone exists.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("config: %w", err)
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("config: schedule.timezone: %w", err)
	}
	return nil
}
