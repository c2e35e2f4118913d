package recorder

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kmokrejs/stock-alert/internal/model"
)

func f(v float64) *float64 { return &v }

func TestSQLiteRecorder_Analysis(t *testing.T) {
	r, err := NewSQLiteRecorder(filepath.Join(t.TempDir(), "history", "runs.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	finished := time.Date(2025, 6, 30, 21, 0, 0, 0, time.UTC)
	report := &model.BatchReport{
		FinishedAt: finished,
		Results: []model.TickerResult{
			{
				Ticker:         "AAPL",
				Snapshot:       model.IndicatorSnapshot{Date: finished, Close: 101.5, RSI: f(24), SRSI: f(10), MA20: f(110)},
				PriceVsMA20:    f(-7.7),
				Recommendation: model.Recommendation{Tier: model.TierStrongBuy, Notes: []model.Note{model.NoteBelowMA}},
			},
			{Ticker: "XXXX", Err: errors.New("no data")},
		},
	}
	if err := r.RecordAnalysis(report); err != nil {
		t.Fatalf("record analysis: %v", err)
	}

	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM analysis_snapshots`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 rows, got %d", n)
	}

	var tier, notes string
	var ma50 *float64
	err = r.db.QueryRow(`SELECT tier, notes, ma50 FROM analysis_snapshots WHERE ticker = 'AAPL'`).Scan(&tier, &notes, &ma50)
	if err != nil {
		t.Fatal(err)
	}
	if tier != string(model.TierStrongBuy) || notes != string(model.NoteBelowMA) {
		t.Errorf("unexpected row: tier=%s notes=%s", tier, notes)
	}
	if ma50 != nil {
		t.Errorf("expected NULL ma50, got %v", *ma50)
	}

	var msg string
	if err := r.db.QueryRow(`SELECT error FROM analysis_snapshots WHERE ticker = 'XXXX'`).Scan(&msg); err != nil {
		t.Fatal(err)
	}
	if msg != "no data" {
		t.Errorf("expected error message, got %q", msg)
	}
}

func TestSQLiteRecorder_RecentTrades(t *testing.T) {
	r, err := NewSQLiteRecorder(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	day := time.Date(2025, 4, 7, 0, 0, 0, 0, time.UTC)
	events := []TradeEvent{
		{At: day, Ticker: "AAPL", Action: ActionOpen, Price: 100},
		{At: day.AddDate(0, 0, 3), Ticker: "AAPL", Action: ActionClose, Price: 112, GainLossPct: f(12), Reason: "RSI > 70"},
		{At: day.AddDate(0, 0, 1), Ticker: "MSFT", Action: ActionOpen, Price: 300},
	}
	for i := range events {
		if err := r.RecordTrade(&events[i]); err != nil {
			t.Fatalf("record trade: %v", err)
		}
	}

	got, err := r.RecentTrades(2)
	if err != nil {
		t.Fatalf("recent trades: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(got))
	}
	if got[0].Action != ActionClose || got[0].GainLossPct == nil || *got[0].GainLossPct != 12 {
		t.Errorf("unexpected newest trade: %+v", got[0])
	}
	if !got[0].At.Equal(day.AddDate(0, 0, 3)) {
		t.Errorf("unexpected timestamp %v", got[0].At)
	}
	if got[1].Ticker != "MSFT" || got[1].GainLossPct != nil {
		t.Errorf("unexpected second trade: %+v", got[1])
	}

	if err := r.RecordSession(&SessionEvent{StartedAt: day, FinishedAt: day.Add(time.Minute), Tickers: 3, Opened: 1}); err != nil {
		t.Fatalf("record session: %v", err)
	}
}

func TestTradeEvents(t *testing.T) {
	entry := time.Date(2025, 4, 7, 0, 0, 0, 0, time.UTC)
	exit := entry.AddDate(0, 0, 5)
	summary := &model.SessionSummary{
		Reconciled: []model.Position{{Ticker: "NVDA", ExitPrice: f(90), GainLossPct: f(-10), ExitReason: model.ExitBrokerFill, ExitDate: &exit}},
		Opened:     []model.Position{{Ticker: "AAPL", EntryDate: entry, EntryPrice: 100}},
		Closed:     []model.Position{{Ticker: "MSFT", ExitPrice: f(330), GainLossPct: f(10), ExitReason: model.ExitOverbought, ExitDate: &exit}},
	}

	got := TradeEvents(summary)
	want := []struct {
		ticker, action string
		price          float64
	}{
		{"NVDA", ActionReconcile, 90},
		{"AAPL", ActionOpen, 100},
		{"MSFT", ActionClose, 330},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(got))
	}
	for i, w := range want {
		if got[i].Ticker != w.ticker || got[i].Action != w.action || got[i].Price != w.price {
			t.Errorf("event %d: got %+v, want %+v", i, got[i], w)
		}
	}
	if got[2].Reason != string(model.ExitOverbought) || !got[2].At.Equal(exit) {
		t.Errorf("unexpected close event: %+v", got[2])
	}
}
