// Package backtest replays daily bars through the indicator engine and the
// classifier, trading a fixed dollar amount per entry with intrabar stop loss
// and take profit.
package backtest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/kmokrejs/stock-alert/internal/calculator"
	"github.com/kmokrejs/stock-alert/internal/collector"
	"github.com/kmokrejs/stock-alert/internal/model"
	"github.com/kmokrejs/stock-alert/internal/strategy"
)

// Config sizes trades and selects which tiers enter.
type Config struct {
	Amount   float64      `yaml:"amount" default:"100" validate:"gt=0"`
	BuyTiers []model.Tier `yaml:"buy_tiers" default:"[\"STRONG_BUY\"]" validate:"min=1"`
	Workers  int          `yaml:"workers" default:"4" validate:"min=1"`
}

// DefaultConfig trades $100 per StrongBuy entry.
func DefaultConfig() Config {
	return Config{Amount: 100, BuyTiers: []model.Tier{model.TierStrongBuy}, Workers: 4}
}

// Trade is one closed round trip.
type Trade struct {
	Ticker      string
	EntryDate   time.Time
	ExitDate    time.Time
	EntryPrice  float64
	ExitPrice   float64
	Qty         float64
	PnL         float64
	GainLossPct float64
	Reason      model.ExitReason
}

// Win reports whether the trade made money.
func (t Trade) Win() bool { return t.PnL > 0 }

// OpenPosition is a position still held at the end of the replay, valued at
// the last close.
type OpenPosition struct {
	Ticker     string
	EntryDate  time.Time
	EntryPrice float64
	Qty        float64
	Value      float64
}

// Result aggregates a backtest over a universe.
type Result struct {
	Start    time.Time
	End      time.Time
	Trades   []Trade
	Open     []OpenPosition
	TotalPnL float64
	Failed   map[string]error
}

// WinRate returns the share of winning trades in percent.
func (r *Result) WinRate() float64 {
	if len(r.Trades) == 0 {
		return 0
	}
	wins := 0
	for _, t := range r.Trades {
		if t.Win() {
			wins++
		}
	}
	return float64(wins) / float64(len(r.Trades)) * 100
}

// Backtester replays history with the live classification rules.
type Backtester struct {
	Feed       collector.PriceFeed
	Engine     *calculator.Engine
	Classifier *strategy.Classifier
	Risk       strategy.RiskParams

	cfg Config
	buy map[model.Tier]bool
}

// New creates a backtester.
func New(feed collector.PriceFeed, engine *calculator.Engine, classifier *strategy.Classifier, risk strategy.RiskParams, cfg Config) *Backtester {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	buy := make(map[model.Tier]bool, len(cfg.BuyTiers))
	for _, t := range cfg.BuyTiers {
		buy[t] = true
	}
	return &Backtester{Feed: feed, Engine: engine, Classifier: classifier, Risk: risk, cfg: cfg, buy: buy}
}

type tickerRun struct {
	trades []Trade
	open   *OpenPosition
	err    error
}

// Run replays every ticker over [start, end]. Tickers without data are
// reported in Result.Failed; the error is non-nil only when ctx ends.
func (b *Backtester) Run(ctx context.Context, tickers []string, start, end time.Time) (*Result, error) {
	runs := make([]tickerRun, len(tickers))
	g := new(errgroup.Group)
	g.SetLimit(b.cfg.Workers)
	for i, ticker := range tickers {
		i, ticker := i, strings.ToUpper(strings.TrimSpace(ticker))
		g.Go(func() error {
			bars, err := b.Feed.GetBars(ctx, ticker, start, end)
			if err != nil {
				runs[i].err = err
				return nil
			}
			runs[i].trades, runs[i].open = b.Replay(ticker, bars)
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{Start: start, End: end, Failed: make(map[string]error)}
	for i, run := range runs {
		ticker := strings.ToUpper(strings.TrimSpace(tickers[i]))
		if run.err != nil {
			log.Warn().Err(run.err).Str("ticker", ticker).Msg("no data, skipping")
			res.Failed[ticker] = run.err
			continue
		}
		res.Trades = append(res.Trades, run.trades...)
		if run.open != nil {
			res.Open = append(res.Open, *run.open)
		}
	}
	for _, t := range res.Trades {
		res.TotalPnL += t.PnL
	}
	log.Info().Int("trades", len(res.Trades)).Int("open", len(res.Open)).
		Float64("total_pnl", res.TotalPnL).Msg("backtest finished")
	return res, ctx.Err()
}

// Replay walks bars in order. Entries fill at the signal close with a
// fractional quantity of cfg.Amount; exits are checked from the next bar on
// with Classifier.EvaluateBar.
func (b *Backtester) Replay(ticker string, bars []model.OHLCV) ([]Trade, *OpenPosition) {
	series := b.Engine.Series(bars)
	var (
		trades []Trade
		pos    *model.Position
		qty    float64
	)
	for i, snap := range series {
		if pos == nil {
			rec := b.Classifier.ClassifyEntry(strategy.EntryInput{
				RSI:         snap.RSI,
				SRSI:        snap.SRSI,
				PriceVsMA20: strategy.PriceVsMA(snap.Close, snap.MA20),
				PriceVsMA50: strategy.PriceVsMA(snap.Close, snap.MA50),
			})
			if b.buy[rec.Tier] && snap.Close > 0 {
				pos = &model.Position{
					Ticker:     ticker,
					EntryDate:  snap.Date,
					EntryPrice: snap.Close,
					EntryRSI:   snap.RSI,
					EntrySRSI:  snap.SRSI,
					EntryMA20:  snap.MA20,
					Status:     model.StatusOpen,
				}
				qty = b.cfg.Amount / snap.Close
			}
			continue
		}

		sig := b.Classifier.EvaluateBar(bars[i], pos, snap, b.Risk)
		if sig == nil {
			continue
		}
		trades = append(trades, Trade{
			Ticker:      ticker,
			EntryDate:   pos.EntryDate,
			ExitDate:    snap.Date,
			EntryPrice:  pos.EntryPrice,
			ExitPrice:   sig.Price,
			Qty:         qty,
			PnL:         round2((sig.Price - pos.EntryPrice) * qty),
			GainLossPct: model.GainLoss(pos.EntryPrice, sig.Price),
			Reason:      sig.Reason,
		})
		pos = nil
	}

	if pos == nil {
		return trades, nil
	}
	last := bars[len(bars)-1].Close
	return trades, &OpenPosition{
		Ticker:     ticker,
		EntryDate:  pos.EntryDate,
		EntryPrice: pos.EntryPrice,
		Qty:        qty,
		Value:      round2(qty * last),
	}
}

var tradesHeader = []string{
	"ticker", "entry_date", "exit_date", "buy_price", "sell_price", "qty",
	"pnl", "gain_loss_pct", "stopped_out", "profit_taken", "exit_reason",
}

// WriteTradesCSV writes one row per trade ordered by ticker and entry date.
func WriteTradesCSV(w io.Writer, trades []Trade) error {
	sorted := make([]Trade, len(trades))
	copy(sorted, trades)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Ticker != sorted[j].Ticker {
			return sorted[i].Ticker < sorted[j].Ticker
		}
		return sorted[i].EntryDate.Before(sorted[j].EntryDate)
	})

	cw := csv.NewWriter(w)
	if err := cw.Write(tradesHeader); err != nil {
		return err
	}
	num := func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }
	for _, t := range sorted {
		row := []string{
			t.Ticker, t.EntryDate.Format("2006-01-02"), t.ExitDate.Format("2006-01-02"),
			num(t.EntryPrice), num(t.ExitPrice), strconv.FormatFloat(t.Qty, 'f', 6, 64),
			num(t.PnL), num(t.GainLossPct),
			strconv.FormatBool(t.Reason == model.ExitStopLoss),
			strconv.FormatBool(t.Reason == model.ExitTakeProfit),
			string(t.Reason),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Summary renders the totals printed at the end of a backtest.
func (r *Result) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Backtest %s to %s\n", r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"))
	fmt.Fprintf(&b, "Trades: %d, win rate %.1f%%\n", len(r.Trades), r.WinRate())
	fmt.Fprintf(&b, "Final total PnL across all tickers: %.2f\n", r.TotalPnL)
	if len(r.Open) > 0 {
		b.WriteString("Open positions:\n")
		for _, p := range r.Open {
			fmt.Fprintf(&b, "  %s: %.4f @ %.2f, value %.2f\n", p.Ticker, p.Qty, p.EntryPrice, p.Value)
		}
	}
	if len(r.Failed) > 0 {
		names := make([]string, 0, len(r.Failed))
		for t := range r.Failed {
			names = append(names, t)
		}
		sort.Strings(names)
		fmt.Fprintf(&b, "No data: %s\n", strings.Join(names, ", "))
	}
	return b.String()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
