package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/kmokrejs/stock-alert/internal/calculator"
	"github.com/kmokrejs/stock-alert/internal/collector"
	"github.com/kmokrejs/stock-alert/internal/metrics"
	"github.com/kmokrejs/stock-alert/internal/model"
	"github.com/kmokrejs/stock-alert/internal/strategy"
)

// Holdings looks up the open position of a ticker.
type Holdings interface {
	OpenPosition(ticker string) (model.Position, bool)
}

// Config controls concurrency, history depth and target derivation.
type Config struct {
	Workers       int                  `yaml:"workers" default:"8" validate:"min=1"`
	TickerTimeout time.Duration        `yaml:"ticker_timeout" default:"30s"`
	LookbackDays  int                  `yaml:"lookback_days" default:"200" validate:"min=1"`
	Convention    model.StopConvention `yaml:"stop_convention" default:"tight" validate:"oneof=tight wide"`
	TightStopPct  float64              `yaml:"tight_stop_pct" default:"0.025"`
	// IntrabarStops applies stop loss / take profit to the latest bar of held
	// tickers. Used when no broker holds protective orders.
	IntrabarStops bool `yaml:"intrabar_stops"`
}

// DefaultConfig returns 8 workers, a 30s per-ticker timeout and 200 days of history.
func DefaultConfig() Config {
	return Config{
		Workers:       8,
		TickerTimeout: 30 * time.Second,
		LookbackDays:  200,
		Convention:    model.StopTight,
		TightStopPct:  0.025,
	}
}

// Pipeline analyzes a universe of tickers concurrently.
type Pipeline struct {
	Feed         collector.PriceFeed
	Fundamentals collector.FundamentalsFeed
	Engine       *calculator.Engine
	Classifier   *strategy.Classifier
	Risk         strategy.RiskParams
	Holdings     Holdings
	Metrics      *metrics.Recorder

	cfg Config
	now func() time.Time
}

// New creates a pipeline. Fundamentals, Holdings and Metrics are optional and
// may be set on the returned value.
func New(feed collector.PriceFeed, engine *calculator.Engine, classifier *strategy.Classifier, cfg Config) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Pipeline{
		Feed:       feed,
		Engine:     engine,
		Classifier: classifier,
		Risk:       strategy.DefaultRiskParams(),
		cfg:        cfg,
		now:        time.Now,
	}
}

// Run analyzes every ticker with at most cfg.Workers in flight. A failing
// ticker is recorded on its result and does not stop the batch. Results keep
// the order of tickers. The returned error is non-nil only when ctx ends
// before the batch completes.
func (p *Pipeline) Run(ctx context.Context, tickers []string) (*model.BatchReport, error) {
	report := &model.BatchReport{
		StartedAt:  p.now(),
		Convention: p.cfg.Convention,
		Results:    make([]model.TickerResult, len(tickers)),
	}

	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Workers)
	for i, ticker := range tickers {
		i, ticker := i, strings.ToUpper(strings.TrimSpace(ticker))
		g.Go(func() error {
			report.Results[i] = p.analyze(ctx, ticker)
			return nil
		})
	}
	_ = g.Wait()
	report.FinishedAt = p.now()

	failed := len(report.Errors())
	log.Info().Int("tickers", len(tickers)).Int("failed", failed).
		Int("buy", len(report.BuyOpportunities())).Dur("took", report.FinishedAt.Sub(report.StartedAt)).
		Msg("analysis finished")
	p.Metrics.RecordLatency("analysis", report.FinishedAt.Sub(report.StartedAt))
	return report, ctx.Err()
}

func (p *Pipeline) analyze(ctx context.Context, ticker string) model.TickerResult {
	res := model.TickerResult{Ticker: ticker}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	if p.cfg.TickerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.TickerTimeout)
		defer cancel()
	}

	end := p.now()
	start := end.AddDate(0, 0, -p.cfg.LookbackDays)
	bars, err := p.Feed.GetBars(ctx, ticker, start, end)
	if err != nil {
		log.Warn().Err(err).Str("ticker", ticker).Msg("fetch bars failed")
		p.Metrics.RecordError("fetch")
		res.Err = fmt.Errorf("fetch %s: %w", ticker, err)
		return res
	}
	snap, err := p.Engine.Snapshot(bars)
	if err != nil {
		p.Metrics.RecordError("indicators")
		res.Err = fmt.Errorf("indicators %s: %w", ticker, err)
		return res
	}
	res.Snapshot = snap
	res.PriceVsMA20 = strategy.PriceVsMA(snap.Close, snap.MA20)
	res.PriceVsMA50 = strategy.PriceVsMA(snap.Close, snap.MA50)

	if p.Fundamentals != nil {
		pe, err := p.Fundamentals.TrailingPE(ctx, ticker)
		if err != nil {
			log.Debug().Err(err).Str("ticker", ticker).Msg("trailing P/E unavailable")
		}
		res.PE = pe
	}

	res.Recommendation = p.Classifier.ClassifyEntry(strategy.EntryInput{
		RSI:         snap.RSI,
		SRSI:        snap.SRSI,
		PriceVsMA20: res.PriceVsMA20,
		PriceVsMA50: res.PriceVsMA50,
		PE:          res.PE,
	})
	p.Metrics.RecordAnalyzed(string(res.Recommendation.Tier))

	if p.Holdings != nil {
		if pos, ok := p.Holdings.OpenPosition(ticker); ok {
			res.Held = &pos
			res.Exit = p.exitSignal(bars[len(bars)-1], &pos, snap, res)
		}
	}
	if res.Recommendation.Tier.IsBuy() {
		res.Targets = p.targets(snap)
	}

	log.Debug().Str("ticker", ticker).Str("tier", string(res.Recommendation.Tier)).
		Float64("close", snap.Close).Msg("ticker analyzed")
	return res
}

func (p *Pipeline) exitSignal(bar model.OHLCV, pos *model.Position, snap model.IndicatorSnapshot, res model.TickerResult) *model.ExitSignal {
	if p.cfg.IntrabarStops {
		return p.Classifier.EvaluateBar(bar, pos, snap, p.Risk)
	}
	sig := p.Classifier.ClassifyExit(strategy.ExitInput{
		RSI:         snap.RSI,
		PriceVsMA20: res.PriceVsMA20,
		PriceVsMA50: res.PriceVsMA50,
		EntryRSI:    pos.EntryRSI,
	})
	if sig != nil {
		sig.Price = snap.Close
	}
	return sig
}

// targets derives the suggested levels of a buy opportunity.
func (p *Pipeline) targets(snap model.IndicatorSnapshot) *model.Targets {
	t := &model.Targets{
		Target1:    snap.MA20,
		Target2:    snap.MA50,
		Convention: p.cfg.Convention,
	}
	switch p.cfg.Convention {
	case model.StopWide:
		t.StopLoss = snap.Close * (1 - p.Risk.StopLossPct)
		t.TakeProfit = model.Float(snap.Close * (1 + p.Risk.TakeProfitPct))
	default:
		t.StopLoss = snap.Close * (1 - p.cfg.TightStopPct)
	}
	return t
}
