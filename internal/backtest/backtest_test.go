package backtest

import (
	"bytes"
	"context"
	"encoding/csv"
	"math"
	"testing"
	"time"

	"github.com/kmokrejs/stock-alert/internal/calculator"
	"github.com/kmokrejs/stock-alert/internal/collector"
	"github.com/kmokrejs/stock-alert/internal/model"
	"github.com/kmokrejs/stock-alert/internal/strategy"
)

var end = time.Date(2025, 6, 24, 0, 0, 0, 0, time.UTC)

func decline(n int) []float64 {
	closes := make([]float64, n)
	c := 300.0
	for i := range closes {
		if i%2 == 0 {
			c -= 2
		} else {
			c += 0.5
		}
		closes[i] = c
	}
	return closes
}

// newTestBacktester enters on the first bar with every indicator ready and
// the close below MA20.
func newTestBacktester(feed collector.PriceFeed) *Backtester {
	th := strategy.DefaultThresholds()
	th.StrongBuyRSI = 100
	th.StrongBuySRSI = 100.1
	return New(feed, calculator.NewEngine(14, 14, 20, 50), strategy.NewClassifier(th), strategy.DefaultRiskParams(), DefaultConfig())
}

func TestReplay_IntrabarExits(t *testing.T) {
	tests := []struct {
		name   string
		last   float64
		reason model.ExitReason
		mul    float64
	}{
		{"stop loss", 150, model.ExitStopLoss, 0.80},
		{"take profit", 450, model.ExitTakeProfit, 1.20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bars := collector.GenerateBars(end, append(decline(40), tt.last))
			trades, open := newTestBacktester(nil).Replay("DOWN", bars)

			if open != nil {
				t.Errorf("expected no open position, got %+v", open)
			}
			if len(trades) != 1 {
				t.Fatalf("expected 1 trade, got %d", len(trades))
			}
			tr := trades[0]
			if tr.Reason != tt.reason {
				t.Errorf("expected %s, got %s", tt.reason, tr.Reason)
			}
			if math.Abs(tr.ExitPrice-tr.EntryPrice*tt.mul) > 1e-9 {
				t.Errorf("expected exit at %.4f, got %.4f", tr.EntryPrice*tt.mul, tr.ExitPrice)
			}
			wantPnL := math.Round((tt.mul-1)*100*100) / 100
			if tr.PnL != wantPnL {
				t.Errorf("expected PnL %.2f on $100, got %.2f", wantPnL, tr.PnL)
			}
			if !tr.ExitDate.Equal(end) {
				t.Errorf("expected exit on the last bar, got %v", tr.ExitDate)
			}
		})
	}
}

func TestReplay_OpenAtEnd(t *testing.T) {
	bars := collector.GenerateBars(end, decline(40))
	trades, open := newTestBacktester(nil).Replay("DOWN", bars)
	if len(trades) != 0 {
		t.Fatalf("expected no closed trades, got %+v", trades)
	}
	if open == nil {
		t.Fatal("expected an open position")
	}
	last := bars[len(bars)-1].Close
	if math.Abs(open.Value-math.Round(open.Qty*last*100)/100) > 1e-9 {
		t.Errorf("expected value at last close, got %+v", open)
	}
	if math.Abs(open.Qty*open.EntryPrice-100) > 1e-9 {
		t.Errorf("expected $100 position, got qty %.6f at %.2f", open.Qty, open.EntryPrice)
	}
}

func TestReplay_NoEntryWithoutSignal(t *testing.T) {
	bars := collector.GenerateBars(end, decline(40))
	bt := New(nil, calculator.NewEngine(14, 14, 20, 50), strategy.NewClassifier(strategy.DefaultThresholds()),
		strategy.DefaultRiskParams(), Config{Amount: 100, BuyTiers: []model.Tier{model.TierWatch}, Workers: 1})
	trades, open := bt.Replay("DOWN", bars)
	if len(trades) != 0 || open != nil {
		t.Errorf("expected no activity, got %d trades, open %v", len(trades), open)
	}
}

func TestRun_AggregatesTickers(t *testing.T) {
	feed := collector.NewMockFetcher()
	feed.SetCloses("SL", end, append(decline(40), 150))
	feed.SetCloses("TP", end, append(decline(40), 450))
	feed.SetCloses("OPEN", end, decline(40))

	res, err := newTestBacktester(feed).Run(context.Background(), []string{"sl", "TP", "OPEN", "MISSING"}, end.AddDate(0, -3, 0), end)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Trades) != 2 || len(res.Open) != 1 {
		t.Fatalf("expected 2 trades and 1 open position, got %d / %d", len(res.Trades), len(res.Open))
	}
	if math.Abs(res.TotalPnL) > 1e-9 {
		t.Errorf("expected -20 and +20 to net to zero, got %.2f", res.TotalPnL)
	}
	if res.WinRate() != 50 {
		t.Errorf("expected 50%% win rate, got %.1f", res.WinRate())
	}
	if _, ok := res.Failed["MISSING"]; !ok {
		t.Errorf("expected MISSING in failures, got %v", res.Failed)
	}

	var buf bytes.Buffer
	if err := WriteTradesCSV(&buf, res.Trades); err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header and 2 rows, got %d", len(rows))
	}
	if rows[1][0] != "SL" || rows[1][8] != "true" || rows[1][10] != string(model.ExitStopLoss) {
		t.Errorf("unexpected stop loss row %v", rows[1])
	}
	if rows[2][0] != "TP" || rows[2][9] != "true" {
		t.Errorf("unexpected take profit row %v", rows[2])
	}
}
