package trader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kmokrejs/stock-alert/internal/broker"
	"github.com/kmokrejs/stock-alert/internal/calculator"
	"github.com/kmokrejs/stock-alert/internal/collector"
	"github.com/kmokrejs/stock-alert/internal/ledger"
	"github.com/kmokrejs/stock-alert/internal/model"
	"github.com/kmokrejs/stock-alert/internal/notifier"
	"github.com/kmokrejs/stock-alert/internal/pipeline"
	"github.com/kmokrejs/stock-alert/internal/strategy"
)

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

type memStore struct {
	positions []model.Position
}

func (m *memStore) Load(context.Context) ([]model.Position, error) { return m.positions, nil }

func (m *memStore) Save(_ context.Context, p []model.Position) error {
	m.positions = p
	return nil
}

type captureNotifier struct {
	msgs []notifier.Message
	err  error
}

func (c *captureNotifier) Name() string { return "capture" }

func (c *captureNotifier) Notify(_ context.Context, msg notifier.Message) error {
	c.msgs = append(c.msgs, msg)
	return c.err
}

type fixture struct {
	feed    *collector.MockFetcher
	store   *memStore
	session *Session
	notif   *captureNotifier
}

// newFixture analyzes a rising UP (overbought) and a falling DOWN (strong buy
// under loosened SRSI thresholds) with bars ending today.
func newFixture(t *testing.T, held ...model.Position) *fixture {
	t.Helper()
	feed := collector.NewMockFetcher()
	today := time.Now()
	feed.SetCloses("UP", today, zigzag(81, 100, 2, -0.5))
	feed.SetCloses("DOWN", today, zigzag(81, 300, -2, 0.5))

	th := strategy.DefaultThresholds()
	th.StrongBuyRSI = 100
	th.StrongBuySRSI = 100.1
	p := pipeline.New(feed, calculator.NewEngine(14, 14, 20, 50), strategy.NewClassifier(th), pipeline.DefaultConfig())

	store := &memStore{positions: held}
	cfg := DefaultConfig()
	cfg.ReportDir = filepath.Join(t.TempDir(), "reports")
	s := New(p, ledger.New(store), cfg)
	n := &captureNotifier{}
	s.Notifier = n
	return &fixture{feed: feed, store: store, session: s, notif: n}
}

func heldPosition(ticker string, entry float64) model.Position {
	return model.Position{
		Ticker:     ticker,
		EntryDate:  model.Day(time.Now().AddDate(0, 0, -7)),
		EntryPrice: entry,
		EntryRSI:   model.Float(20),
		Status:     model.StatusOpen,
	}
}

func TestRun_SignalOnly(t *testing.T) {
	fx := newFixture(t, heldPosition("UP", 100))

	summary, err := fx.session.Run(context.Background(), []string{"UP", "DOWN", "MISSING"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summary.Opened) != 1 || summary.Opened[0].Ticker != "DOWN" {
		t.Fatalf("expected DOWN opened, got %+v", summary.Opened)
	}
	if len(summary.Closed) != 1 || summary.Closed[0].ExitReason != model.ExitRSIJump {
		t.Fatalf("expected UP closed on RSI jump, got %+v", summary.Closed)
	}
	if summary.OpenCount != 1 {
		t.Errorf("expected 1 open position, got %d", summary.OpenCount)
	}
	if len(summary.Report.Errors()) != 1 {
		t.Errorf("expected MISSING to fail, got %d errors", len(summary.Report.Errors()))
	}

	if len(fx.store.positions) != 2 {
		t.Fatalf("expected 2 persisted positions, got %d", len(fx.store.positions))
	}
	up := fx.store.positions[0]
	if up.IsOpen() || up.ExitPrice == nil || *up.ExitPrice != summary.Report.Results[0].Snapshot.Close {
		t.Errorf("expected UP closed at the signal close, got %+v", up)
	}

	if len(fx.notif.msgs) != 1 || summary.NotifyErr != nil {
		t.Fatalf("expected 1 delivered notification, got %d (%v)", len(fx.notif.msgs), summary.NotifyErr)
	}
	msg := fx.notif.msgs[0]
	if !msg.HTML || !strings.Contains(msg.Body, "New buy orders") || !strings.Contains(msg.Body, "DOWN") {
		t.Errorf("unexpected body:\n%s", msg.Body)
	}
	if msg.Attachment == nil || !strings.HasPrefix(string(msg.Attachment.Data), "ticker,date,close") {
		t.Errorf("expected analysis CSV attachment, got %+v", msg.Attachment)
	}
}

func TestRun_SkipsNonTradedTiers(t *testing.T) {
	fx := newFixture(t)
	fx.session.buy = map[model.Tier]bool{model.TierBuy: true}

	summary, err := fx.session.Run(context.Background(), []string{"DOWN"})
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.Opened) != 0 {
		t.Errorf("expected no entries for STRONG_BUY when only BUY is traded, got %+v", summary.Opened)
	}
}

func TestRun_WithPaperBroker(t *testing.T) {
	fx := newFixture(t, heldPosition("UP", 100))
	paper := broker.NewPaperBroker(QuoteFromFeed(fx.feed))
	ctx := context.Background()
	if _, err := paper.SubmitMarketBuy(ctx, "UP", decimal.NewFromInt(100)); err != nil {
		t.Fatal(err)
	}
	cfg := broker.DefaultExecutorConfig()
	cfg.PollInterval = time.Millisecond
	fx.session.Executor = broker.NewExecutor(paper, cfg)

	summary, err := fx.session.Run(ctx, []string{"UP", "DOWN"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summary.Failures) != 0 {
		t.Fatalf("unexpected failures: %+v", summary.Failures)
	}
	if len(summary.Closed) != 1 || len(summary.Opened) != 1 {
		t.Fatalf("expected one exit and one entry, got %d / %d", len(summary.Closed), len(summary.Opened))
	}

	if qty, _ := paper.PositionQty(ctx, "UP"); !qty.IsZero() {
		t.Errorf("expected UP sold, still holding %s", qty)
	}
	if qty, _ := paper.PositionQty(ctx, "DOWN"); !qty.IsPositive() {
		t.Error("expected DOWN bought")
	}
	open, err := paper.ListOrders(ctx, broker.QueryOpen, []string{"DOWN"})
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 2 {
		t.Errorf("expected take profit and stop loss resting, got %d open orders", len(open))
	}
}

func TestRun_EntryNotFilledLeavesNoPosition(t *testing.T) {
	fx := newFixture(t)
	paper := broker.NewPaperBroker(QuoteFromFeed(fx.feed))
	paper.FillDelay = 100
	cfg := broker.DefaultExecutorConfig()
	cfg.PollAttempts = 2
	cfg.PollInterval = time.Millisecond
	fx.session.Executor = broker.NewExecutor(paper, cfg)

	summary, err := fx.session.Run(context.Background(), []string{"DOWN"})
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.Opened) != 0 || summary.OpenCount != 0 {
		t.Errorf("expected no position, got %+v", summary.Opened)
	}
	if len(summary.Failures) != 1 || !errors.Is(summary.Failures[0].Err, broker.ErrNotFilled) {
		t.Fatalf("expected ErrNotFilled failure, got %+v", summary.Failures)
	}
}

func TestRun_ReconcilesBrokerFills(t *testing.T) {
	fx := newFixture(t, heldPosition("DOWN", 400))
	paper := broker.NewPaperBroker(QuoteFromFeed(fx.feed))
	ctx := context.Background()
	buy, err := paper.SubmitMarketBuy(ctx, "DOWN", decimal.NewFromInt(100))
	if err != nil {
		t.Fatal(err)
	}
	// a stop above the market fills on the next read
	if _, err := paper.SubmitStopSell(ctx, "DOWN", buy.FilledQty, decimal.NewFromInt(10000)); err != nil {
		t.Fatal(err)
	}
	cfg := broker.DefaultExecutorConfig()
	cfg.PollInterval = time.Millisecond
	fx.session.Executor = broker.NewExecutor(paper, cfg)

	summary, err := fx.session.Run(ctx, []string{"DOWN"})
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.Reconciled) != 1 || summary.Reconciled[0].ExitReason != model.ExitBrokerFill {
		t.Fatalf("expected DOWN reconciled from the stop fill, got %+v", summary.Reconciled)
	}
	if len(fx.store.positions) < 1 || fx.store.positions[0].IsOpen() {
		t.Errorf("expected the stored position closed, got %+v", fx.store.positions)
	}
}

func TestRun_NotificationFailureWritesReport(t *testing.T) {
	fx := newFixture(t)
	fx.notif.err = errors.New("smtp down")

	summary, err := fx.session.Run(context.Background(), []string{"UP"})
	if err != nil {
		t.Fatal(err)
	}
	if summary.NotifyErr == nil {
		t.Error("expected the delivery failure on the summary")
	}
	entries, err := os.ReadDir(fx.session.cfg.ReportDir)
	if err != nil {
		t.Fatalf("expected report dir: %v", err)
	}
	var html, csv bool
	for _, e := range entries {
		html = html || strings.HasSuffix(e.Name(), ".html")
		csv = csv || strings.HasSuffix(e.Name(), ".csv")
	}
	if !html || !csv {
		t.Errorf("expected html report and csv, got %v", entries)
	}
}

func TestRun_RejectsConcurrentSession(t *testing.T) {
	fx := newFixture(t)
	fx.session.mu.Lock()
	defer fx.session.mu.Unlock()

	if _, err := fx.session.Run(context.Background(), []string{"UP"}); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
}

func TestSync_ClosesFilledPositions(t *testing.T) {
	fx := newFixture(t, heldPosition("UP", 100))
	paper := broker.NewPaperBroker(QuoteFromFeed(fx.feed))
	ctx := context.Background()
	buy, err := paper.SubmitMarketBuy(ctx, "UP", decimal.NewFromInt(100))
	if err != nil {
		t.Fatal(err)
	}
	// a limit below the market fills on the next read
	if _, err := paper.SubmitLimitSell(ctx, "UP", buy.FilledQty, decimal.NewFromInt(1)); err != nil {
		t.Fatal(err)
	}
	fx.session.Executor = broker.NewExecutor(paper, broker.DefaultExecutorConfig())

	closed, err := fx.session.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(closed) != 1 || closed[0].Ticker != "UP" {
		t.Fatalf("expected UP closed, got %+v", closed)
	}
	if fx.store.positions[0].IsOpen() {
		t.Error("expected the closed position to be saved")
	}

	again, err := fx.session.Sync(ctx)
	if err != nil || len(again) != 0 {
		t.Errorf("expected a second sync to be a no-op, got %+v, %v", again, err)
	}
}

func TestRun_EvaluatesHeldTickersOutsideTheList(t *testing.T) {
	fx := newFixture(t, heldPosition("UP", 100))

	summary, err := fx.session.Run(context.Background(), []string{"DOWN"})
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.Report.Results) != 2 {
		t.Fatalf("expected DOWN and the held UP analyzed, got %d results", len(summary.Report.Results))
	}
	if len(summary.Closed) != 1 || summary.Closed[0].Ticker != "UP" {
		t.Errorf("expected held UP closed, got %+v", summary.Closed)
	}
}

func TestWithHeld(t *testing.T) {
	open := []model.Position{{Ticker: "AAPL"}, {Ticker: "TSLA"}}
	got := withHeld([]string{"aapl", "MSFT"}, open)
	want := []string{"aapl", "MSFT", "TSLA"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestSync_IgnoresExitOfPreviousPosition(t *testing.T) {
	fx := newFixture(t, heldPosition("UP", 100))
	paper := broker.NewPaperBroker(QuoteFromFeed(fx.feed))
	ctx := context.Background()
	if _, err := paper.SubmitMarketBuy(ctx, "UP", decimal.NewFromInt(100)); err != nil {
		t.Fatal(err)
	}
	cfg := broker.DefaultExecutorConfig()
	cfg.PollInterval = time.Millisecond
	fx.session.Executor = broker.NewExecutor(paper, cfg)

	summary, err := fx.session.Run(ctx, []string{"UP"})
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.Closed) != 1 {
		t.Fatalf("expected UP sold, got %+v", summary.Closed)
	}

	// re-enter UP on the same bar the previous position was sold on
	snap := summary.Report.Results[0].Snapshot
	pos, err := fx.session.Ledger.OpenFunc("UP", snap, fx.session.buyFunc(ctx))
	if err != nil {
		t.Fatal(err)
	}
	if pos.EntryFilledAt == nil || pos.EntryOrderID == "" {
		t.Fatalf("expected the entry fill on the position, got %+v", pos)
	}
	if err := fx.session.Ledger.Save(ctx); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"same process", "restarted"} {
		if name == "restarted" {
			fx.session.Ledger = ledger.New(fx.store)
		}
		closed, err := fx.session.Sync(ctx)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(closed) != 0 {
			t.Errorf("%s: expected the new position to stay open, closed %+v", name, closed)
		}
	}
	if _, ok := fx.session.Ledger.OpenPosition("UP"); !ok {
		t.Error("expected UP open in the ledger")
	}
	open, err := paper.ListOrders(ctx, broker.QueryOpen, []string{"UP"})
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 2 {
		t.Errorf("expected take profit and stop loss still resting, got %d open orders", len(open))
	}
}
