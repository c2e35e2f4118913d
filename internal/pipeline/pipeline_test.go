package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kmokrejs/stock-alert/internal/calculator"
	"github.com/kmokrejs/stock-alert/internal/collector"
	"github.com/kmokrejs/stock-alert/internal/model"
	"github.com/kmokrejs/stock-alert/internal/strategy"
)

var testNow = time.Date(2025, 6, 30, 21, 0, 0, 0, time.UTC)

// zigzag moves by step on even bars and by back on odd bars.
func zigzag(n int, start, step, back float64) []float64 {
	closes := make([]float64, n)
	c := start
	for i := range closes {
		if i%2 == 0 {
			c += step
		} else {
			c += back
		}
		closes[i] = c
	}
	return closes
}

type holdings map[string]model.Position

func (h holdings) OpenPosition(ticker string) (model.Position, bool) {
	p, ok := h[ticker]
	return p, ok
}

func newTestPipeline(feed collector.PriceFeed, t strategy.Thresholds, cfg Config) *Pipeline {
	p := New(feed, calculator.NewEngine(14, 14, 20, 50), strategy.NewClassifier(t), cfg)
	p.now = func() time.Time { return testNow }
	return p
}

func testFeed() *collector.MockFetcher {
	feed := collector.NewMockFetcher()
	feed.SetCloses("UP", testNow, zigzag(81, 100, 2, -0.5))
	feed.SetCloses("DOWN", testNow, zigzag(81, 300, -2, 0.5))
	return feed
}

func TestRun_ContinuesOnError(t *testing.T) {
	p := newTestPipeline(testFeed(), strategy.DefaultThresholds(), DefaultConfig())

	report, err := p.Run(context.Background(), []string{"up", "BAD", "DOWN"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(report.Results))
	}
	for i, want := range []string{"UP", "BAD", "DOWN"} {
		if report.Results[i].Ticker != want {
			t.Errorf("result %d: expected %s, got %s", i, want, report.Results[i].Ticker)
		}
	}
	if !errors.Is(report.Results[1].Err, collector.ErrNoData) {
		t.Errorf("expected ErrNoData for BAD, got %v", report.Results[1].Err)
	}
	if len(report.Errors()) != 1 || len(report.Succeeded()) != 2 {
		t.Errorf("expected 1 error and 2 successes, got %d / %d", len(report.Errors()), len(report.Succeeded()))
	}
	if got := report.Results[0].Recommendation.Tier; got != model.TierOverbought {
		t.Errorf("expected rising series to be overbought, got %s", got)
	}
	if report.Convention != model.StopTight {
		t.Errorf("expected tight convention, got %s", report.Convention)
	}
}

func TestRun_BuyOpportunityTargets(t *testing.T) {
	loose := strategy.DefaultThresholds()
	loose.StrongBuyRSI = 100
	loose.StrongBuySRSI = 100.1

	for _, tc := range []struct {
		name       string
		convention model.StopConvention
		stopMul    float64
		takeProfit bool
	}{
		{"tight", model.StopTight, 0.975, false},
		{"wide", model.StopWide, 0.80, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Convention = tc.convention
			p := newTestPipeline(testFeed(), loose, cfg)

			report, _ := p.Run(context.Background(), []string{"DOWN"})
			buys := report.BuyOpportunities()
			if len(buys) != 1 {
				t.Fatalf("expected 1 buy opportunity, got %d (%+v)", len(buys), report.Results[0].Recommendation)
			}
			r := buys[0]
			if r.Recommendation.Tier != model.TierStrongBuy {
				t.Errorf("expected STRONG_BUY, got %s", r.Recommendation.Tier)
			}
			if r.PriceVsMA20 == nil || *r.PriceVsMA20 >= 0 {
				t.Errorf("expected price below MA20, got %v", r.PriceVsMA20)
			}
			tg := r.Targets
			if tg == nil || tg.Target1 != r.Snapshot.MA20 || tg.Target2 != r.Snapshot.MA50 {
				t.Fatalf("expected targets at the moving averages, got %+v", tg)
			}
			if math.Abs(tg.StopLoss-r.Snapshot.Close*tc.stopMul) > 1e-9 {
				t.Errorf("expected stop %.4f, got %.4f", r.Snapshot.Close*tc.stopMul, tg.StopLoss)
			}
			if (tg.TakeProfit != nil) != tc.takeProfit {
				t.Errorf("unexpected take profit %v", tg.TakeProfit)
			}
		})
	}
}

func TestRun_HeldTickerExit(t *testing.T) {
	p := newTestPipeline(testFeed(), strategy.DefaultThresholds(), DefaultConfig())
	p.Holdings = holdings{"UP": {Ticker: "UP", EntryPrice: 100, EntryRSI: model.Float(20), Status: model.StatusOpen}}

	report, _ := p.Run(context.Background(), []string{"UP", "DOWN"})
	watch := report.Watchlist()
	if len(watch) != 1 || watch[0].Ticker != "UP" {
		t.Fatalf("expected UP on the watchlist, got %+v", watch)
	}
	exit := watch[0].Exit
	if exit == nil || exit.Reason != model.ExitRSIJump {
		t.Fatalf("expected RSI jump exit, got %+v", exit)
	}
	if exit.Price != watch[0].Snapshot.Close {
		t.Errorf("expected exit at close %.2f, got %.2f", watch[0].Snapshot.Close, exit.Price)
	}
	if report.Results[1].Held != nil {
		t.Error("expected DOWN not to be held")
	}
}

func TestRun_IntrabarStops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IntrabarStops = true
	p := newTestPipeline(testFeed(), strategy.DefaultThresholds(), cfg)
	p.Holdings = holdings{"DOWN": {Ticker: "DOWN", EntryPrice: 1000, Status: model.StatusOpen}}

	report, _ := p.Run(context.Background(), []string{"DOWN"})
	exit := report.Results[0].Exit
	if exit == nil || exit.Reason != model.ExitStopLoss || math.Abs(exit.Price-800) > 1e-9 {
		t.Errorf("expected stop loss at 800, got %+v", exit)
	}
}

type slowFeed struct {
	collector.PriceFeed
	delay    time.Duration
	inFlight atomic.Int32
	mu       sync.Mutex
	max      int32
}

func (s *slowFeed) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]model.OHLCV, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	s.mu.Lock()
	if n > s.max {
		s.max = n
	}
	s.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.delay):
	}
	return s.PriceFeed.GetBars(ctx, symbol, start, end)
}

func TestRun_BoundedWorkers(t *testing.T) {
	feed := &slowFeed{PriceFeed: testFeed(), delay: 10 * time.Millisecond}
	cfg := DefaultConfig()
	cfg.Workers = 2
	p := newTestPipeline(feed, strategy.DefaultThresholds(), cfg)

	report, err := p.Run(context.Background(), []string{"UP", "DOWN", "UP", "DOWN", "UP", "DOWN"})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Succeeded()) != 6 {
		t.Errorf("expected 6 successes, got %d", len(report.Succeeded()))
	}
	if feed.max > 2 {
		t.Errorf("expected at most 2 concurrent fetches, got %d", feed.max)
	}
}

func TestRun_PerTickerTimeout(t *testing.T) {
	feed := &slowFeed{PriceFeed: testFeed(), delay: time.Second}
	cfg := DefaultConfig()
	cfg.TickerTimeout = 10 * time.Millisecond
	p := newTestPipeline(feed, strategy.DefaultThresholds(), cfg)

	report, err := p.Run(context.Background(), []string{"UP"})
	if err != nil {
		t.Fatalf("batch should finish, got %v", err)
	}
	if !errors.Is(report.Results[0].Err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", report.Results[0].Err)
	}
}

func TestRun_CanceledContext(t *testing.T) {
	p := newTestPipeline(testFeed(), strategy.DefaultThresholds(), DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := p.Run(ctx, []string{"UP", "DOWN"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(report.Errors()) != 2 {
		t.Errorf("expected every ticker to fail, got %d", len(report.Errors()))
	}
}

func TestRun_Fundamentals(t *testing.T) {
	feed := testFeed()
	feed.PE["UP"] = 12
	p := newTestPipeline(feed, strategy.DefaultThresholds(), DefaultConfig())
	p.Fundamentals = feed

	report, _ := p.Run(context.Background(), []string{"UP", "DOWN"})
	up, down := report.Results[0], report.Results[1]
	if up.PE == nil || *up.PE != 12 {
		t.Errorf("expected P/E 12, got %v", up.PE)
	}
	found := false
	for _, n := range up.Recommendation.Notes {
		if n == model.NoteLowPE {
			found = true
		}
	}
	if !found {
		t.Errorf("expected low P/E note, got %v", up.Recommendation.Notes)
	}
	if down.PE != nil {
		t.Errorf("expected absent P/E, got %v", *down.PE)
	}
}
