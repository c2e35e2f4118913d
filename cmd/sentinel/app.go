package main

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/kmokrejs/stock-alert/internal/backtest"
	"github.com/kmokrejs/stock-alert/internal/broker"
	"github.com/kmokrejs/stock-alert/internal/calculator"
	"github.com/kmokrejs/stock-alert/internal/collector"
	"github.com/kmokrejs/stock-alert/internal/config"
	"github.com/kmokrejs/stock-alert/internal/ledger"
	"github.com/kmokrejs/stock-alert/internal/metrics"
	"github.com/kmokrejs/stock-alert/internal/notifier"
	"github.com/kmokrejs/stock-alert/internal/pipeline"
	"github.com/kmokrejs/stock-alert/internal/recorder"
	"github.com/kmokrejs/stock-alert/internal/sqlitedb"
	"github.com/kmokrejs/stock-alert/internal/strategy"
	"github.com/kmokrejs/stock-alert/internal/trader"
)

// app wires the configured components together.
type app struct {
	cfg        *config.Config
	feed       collector.PriceFeed
	engine     *calculator.Engine
	classifier *strategy.Classifier
	metrics    *metrics.Recorder
	telegram   *notifier.TelegramNotifier
	notifier   notifier.Notifier
	recorder   recorder.Recorder
	session    *trader.Session
	closers    []io.Closer
}

func newApp(cfg *config.Config) *app {
	a := &app{
		cfg:        cfg,
		engine:     calculator.NewEngine(cfg.Indicators.RSIWindow, cfg.Indicators.SRSIWindow, cfg.Indicators.FastMA, cfg.Indicators.SlowMA),
		classifier: strategy.NewClassifier(cfg.Thresholds),
		metrics:    metrics.New(),
	}
	a.feed = a.newFeed()
	log.Info().Str("feed", a.feed.Name()).Int("tickers", len(cfg.Tickers)).Msg("data source ready")
	return a
}

// newFeed builds the price source: retry around the raw client, cache on top.
func (a *app) newFeed() collector.PriceFeed {
	cfg := a.cfg.Feed
	var raw collector.PriceFeed
	switch cfg.Source {
	case "alpaca":
		raw = collector.NewAlpacaFetcher(cfg.AlpacaDataURL, a.cfg.Broker.APIKey, a.cfg.Broker.SecretKey, cfg.AlpacaFeed, a.cfg.Proxy)
	case "mock":
		m := collector.NewMockFetcher()
		m.Seed(a.cfg.Tickers, time.Now())
		return m
	default:
		raw = collector.NewYahooFetcher(a.cfg.Proxy, cfg.RequestsPerSecond)
	}
	feed := collector.PriceFeed(&collector.RetryFeed{Feed: raw, Attempts: cfg.Retries, Interval: cfg.RetryInterval})

	switch cfg.Cache.Kind {
	case "memory":
		feed = &collector.CachedFeed{Feed: feed, Cache: collector.NewMemoryCache(), TTL: cfg.Cache.TTL}
	case "redis":
		rc := collector.NewRedisCache(collector.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		a.closers = append(a.closers, rc)
		feed = &collector.CachedFeed{Feed: feed, Cache: rc, TTL: cfg.Cache.TTL}
	}
	return feed
}

func (a *app) newPipeline(intrabar bool) *pipeline.Pipeline {
	pcfg := a.cfg.Pipeline
	pcfg.IntrabarStops = pcfg.IntrabarStops || intrabar
	p := pipeline.New(a.feed, a.engine, a.classifier, pcfg)
	p.Risk = a.cfg.Risk
	p.Metrics = a.metrics
	if a.cfg.Feed.Fundamentals {
		p.Fundamentals = collector.NewYahooFetcher(a.cfg.Proxy, a.cfg.Feed.RequestsPerSecond)
	}
	return p
}

// newSession builds the trading session with its ledger, broker, recorder
// and notification channels.
func (a *app) newSession() (*trader.Session, error) {
	store, err := a.newLedgerStore()
	if err != nil {
		return nil, err
	}
	exec := a.newExecutor()

	// without a broker nothing rests protective orders, so the session
	// applies stop loss / take profit to the latest bar itself
	s := trader.New(a.newPipeline(exec == nil), ledger.New(store), a.cfg.Trading)
	s.Executor = exec
	s.Metrics = a.metrics

	if path := a.cfg.Recorder.SQLitePath; path != "" {
		rec, err := recorder.NewSQLiteRecorder(path)
		if err != nil {
			log.Warn().Err(err).Msg("init sqlite recorder failed, using noop")
		} else {
			a.recorder = rec
			a.closers = append(a.closers, rec)
		}
	}
	if a.recorder == nil {
		a.recorder = recorder.NewNoopRecorder()
	}
	s.Recorder = a.recorder

	a.notifier = a.newNotifier()
	s.Notifier = a.notifier
	a.session = s
	return s, nil
}

func (a *app) newLedgerStore() (ledger.Store, error) {
	if a.cfg.Ledger.Kind == "sqlite" {
		db, err := sqlitedb.Open(a.cfg.Ledger.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open ledger db: %w", err)
		}
		a.closers = append(a.closers, db)
		return ledger.NewSQLiteStore(db)
	}
	return ledger.NewCSVStore(a.cfg.Ledger.CSVPath), nil
}

func (a *app) newExecutor() *broker.Executor {
	bc := a.cfg.Broker
	var b broker.Broker
	switch bc.Kind {
	case "alpaca":
		b = broker.NewAlpacaBroker(bc.BaseURL, bc.APIKey, bc.SecretKey, a.cfg.Proxy)
	case "paper":
		b = broker.NewPaperBroker(trader.QuoteFromFeed(a.feed))
	default:
		log.Info().Msg("no broker configured, running signal-only")
		return nil
	}
	log.Info().Str("broker", bc.Kind).Float64("notional", bc.Notional).Msg("order execution enabled")
	return broker.NewExecutor(b, broker.ExecutorConfig{
		Notional:      decimal.NewFromFloat(bc.Notional),
		TakeProfitMul: decimal.NewFromFloat(bc.TakeProfitMul),
		StopLossMul:   decimal.NewFromFloat(bc.StopLossMul),
		PollAttempts:  bc.PollAttempts,
		PollInterval:  bc.PollInterval,
	})
}

func (a *app) newNotifier() notifier.Notifier {
	var channels notifier.Multi
	if a.cfg.TelegramEnabled() {
		a.telegram = notifier.NewTelegramNotifier(a.cfg.Telegram.BotToken, a.cfg.Telegram.ChatID, a.cfg.Proxy)
		channels = append(channels, a.telegram)
	}
	if a.cfg.EmailEnabled() {
		e := a.cfg.Email
		channels = append(channels, notifier.NewEmailNotifier(e.Host, e.Port, e.Address, e.Password, e.Recipient))
	}
	if len(channels) == 0 {
		log.Warn().Msg("no notification channel configured, reports go to the report directory")
		return nil
	}
	return channels
}

func (a *app) newBacktester() *backtest.Backtester {
	return backtest.New(a.feed, a.engine, a.classifier, a.cfg.Risk, a.cfg.Backtest)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			log.Warn().Err(err).Msg("close failed")
		}
	}
}
