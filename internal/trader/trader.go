package trader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kmokrejs/stock-alert/internal/broker"
	"github.com/kmokrejs/stock-alert/internal/ledger"
	"github.com/kmokrejs/stock-alert/internal/metrics"
	"github.com/kmokrejs/stock-alert/internal/model"
	"github.com/kmokrejs/stock-alert/internal/notifier"
	"github.com/kmokrejs/stock-alert/internal/pipeline"
	"github.com/kmokrejs/stock-alert/internal/recorder"
)

// ErrBusy is returned when a session is started while another one runs.
var ErrBusy = errors.New("a session is already running")

// Config selects which recommendations are traded and where undelivered
// reports go.
type Config struct {
	BuyTiers  []model.Tier `yaml:"buy_tiers" default:"[\"STRONG_BUY\"]" validate:"min=1"`
	ReportDir string       `yaml:"report_dir" default:"reports"`
}

// DefaultConfig trades StrongBuy only.
func DefaultConfig() Config {
	return Config{BuyTiers: []model.Tier{model.TierStrongBuy}, ReportDir: "reports"}
}

// Session runs one trading cycle: sync broker fills into the ledger, analyze
// the universe, execute exits and entries, persist, record and notify.
//
// Executor is optional. Without it the session only maintains the ledger and
// exits are priced from the exit signal.
type Session struct {
	Pipeline *pipeline.Pipeline
	Ledger   *ledger.Ledger
	Executor *broker.Executor
	Recorder recorder.Recorder
	Notifier notifier.Notifier
	Metrics  *metrics.Recorder

	cfg Config
	buy map[model.Tier]bool
	mu  sync.Mutex
	now func() time.Time
}

// New creates a session. The pipeline consults l for held tickers.
func New(p *pipeline.Pipeline, l *ledger.Ledger, cfg Config) *Session {
	p.Holdings = l
	buy := make(map[model.Tier]bool, len(cfg.BuyTiers))
	for _, t := range cfg.BuyTiers {
		buy[t] = true
	}
	return &Session{
		Pipeline: p,
		Ledger:   l,
		Recorder: recorder.NewNoopRecorder(),
		cfg:      cfg,
		buy:      buy,
		now:      time.Now,
	}
}

// Run executes one session over tickers plus every ticker with an open
// position. Trade failures are collected on the summary; the returned error is
// non-nil when the analysis was interrupted or the ledger could not be loaded
// or saved.
func (s *Session) Run(ctx context.Context, tickers []string) (*model.SessionSummary, error) {
	if !s.mu.TryLock() {
		return nil, ErrBusy
	}
	defer s.mu.Unlock()

	started := s.now()
	if err := s.Ledger.Load(ctx); err != nil {
		return nil, err
	}

	summary := &model.SessionSummary{}
	summary.Reconciled = s.syncFills(ctx)

	report, err := s.Pipeline.Run(ctx, withHeld(tickers, s.Ledger.GetOpen()))
	if err != nil {
		return nil, fmt.Errorf("analysis: %w", err)
	}
	summary.Report = report

	s.exits(ctx, report, summary)
	s.entries(ctx, report, summary)

	saveErr := s.Ledger.Save(ctx)
	if saveErr != nil {
		log.Error().Err(saveErr).Msg("ledger not saved")
	}
	summary.OpenCount = len(s.Ledger.GetOpen())
	s.Metrics.SetOpenPositions(summary.OpenCount)

	s.record(summary, started)
	summary.NotifyErr = s.notify(ctx, summary)

	finished := s.now()
	s.Metrics.SessionFinished(finished)
	s.Metrics.RecordLatency("session", finished.Sub(started))
	log.Info().Int("opened", len(summary.Opened)).Int("closed", len(summary.Closed)).
		Int("reconciled", len(summary.Reconciled)).Int("failures", len(summary.Failures)).
		Int("open_positions", summary.OpenCount).Msg("session finished")
	return summary, saveErr
}

// Sync reconciles the ledger with broker fills outside a full session and
// persists the result. It returns the positions closed by fills.
func (s *Session) Sync(ctx context.Context) ([]model.Position, error) {
	if !s.mu.TryLock() {
		return nil, ErrBusy
	}
	defer s.mu.Unlock()

	if err := s.Ledger.Load(ctx); err != nil {
		return nil, err
	}
	reconciled := s.syncFills(ctx)
	if len(reconciled) == 0 {
		return nil, nil
	}
	if err := s.Ledger.Save(ctx); err != nil {
		return reconciled, err
	}
	s.Metrics.SetOpenPositions(len(s.Ledger.GetOpen()))
	events := recorder.TradeEvents(&model.SessionSummary{Reconciled: reconciled})
	for i := range events {
		if err := s.Recorder.RecordTrade(&events[i]); err != nil {
			log.Warn().Err(err).Str("ticker", events[i].Ticker).Msg("record trade failed")
		}
	}
	return reconciled, nil
}

// syncFills closes positions whose protective orders filled at the broker
// since the last session, then cancels the leftover orders of those tickers.
func (s *Session) syncFills(ctx context.Context) []model.Position {
	if s.Executor == nil {
		return nil
	}
	open := s.Ledger.GetOpen()
	if len(open) == 0 {
		return nil
	}
	symbols := make([]string, len(open))
	for i, p := range open {
		symbols[i] = p.Ticker
	}
	fills, err := s.Executor.SyncFills(ctx, symbols)
	if err != nil {
		log.Warn().Err(err).Msg("fill sync failed, continuing with stored ledger")
		s.Metrics.RecordError("sync")
		return nil
	}
	reconciled := s.Ledger.Reconcile(fills)
	if len(reconciled) > 0 {
		closed := make([]string, len(reconciled))
		for i, p := range reconciled {
			closed[i] = p.Ticker
		}
		s.Executor.CancelAll(ctx, closed)
	}
	return reconciled
}

func (s *Session) exits(ctx context.Context, report *model.BatchReport, summary *model.SessionSummary) {
	for _, res := range report.Watchlist() {
		if res.Exit == nil {
			continue
		}
		sig := *res.Exit
		pos, err := s.Ledger.CloseFunc(res.Ticker, sig.Reason, s.now(), func(model.Position) (float64, error) {
			return s.sell(ctx, res.Ticker, sig)
		})
		if err != nil {
			log.Error().Err(err).Str("ticker", res.Ticker).Str("reason", string(sig.Reason)).Msg("exit not executed")
			s.Metrics.RecordOrder("sell", "failed")
			summary.Failures = append(summary.Failures, model.TradeFailure{Ticker: res.Ticker, Action: "SELL", Err: err})
			continue
		}
		s.Metrics.RecordOrder("sell", "executed")
		summary.Closed = append(summary.Closed, pos)
	}
}

// sell returns the price the position is closed at: the broker fill when the
// market order filled immediately, the signal price otherwise.
func (s *Session) sell(ctx context.Context, ticker string, sig model.ExitSignal) (float64, error) {
	if s.Executor == nil {
		return sig.Price, nil
	}
	order, err := s.Executor.Exit(ctx, ticker)
	if errors.Is(err, broker.ErrNoPosition) {
		log.Warn().Str("ticker", ticker).Msg("broker holds no shares, closing ledger position at signal price")
		return sig.Price, nil
	}
	if err != nil {
		return 0, err
	}
	s.Ledger.MarkApplied(order.ID)
	if order.IsFilled() && order.FilledAvgPrice.IsPositive() {
		return order.FilledAvgPrice.InexactFloat64(), nil
	}
	return sig.Price, nil
}

func (s *Session) entries(ctx context.Context, report *model.BatchReport, summary *model.SessionSummary) {
	for _, res := range report.BuyOpportunities() {
		if !s.buy[res.Recommendation.Tier] || res.Held != nil {
			continue
		}
		pos, err := s.Ledger.OpenFunc(res.Ticker, res.Snapshot, s.buyFunc(ctx))
		if err != nil {
			log.Error().Err(err).Str("ticker", res.Ticker).Msg("entry not executed")
			s.Metrics.RecordOrder("buy", "failed")
			summary.Failures = append(summary.Failures, model.TradeFailure{Ticker: res.Ticker, Action: "BUY", Err: err})
			continue
		}
		s.Metrics.RecordOrder("buy", "executed")
		summary.Opened = append(summary.Opened, pos)
	}
}

// buyFunc places the bracket for a new position and stamps the entry fill
// on it. Without an executor the position is recorded as is.
func (s *Session) buyFunc(ctx context.Context) func(*model.Position) error {
	return func(p *model.Position) error {
		if s.Executor == nil {
			return nil
		}
		b, err := s.Executor.PlaceBracket(ctx, p.Ticker, p.EntryPrice)
		if err != nil {
			return err
		}
		p.EntryOrderID = b.Entry.ID
		p.EntryFilledAt = b.Entry.FilledAt
		return nil
	}
}

// withHeld appends the tickers of open positions missing from tickers.
func withHeld(tickers []string, open []model.Position) []string {
	seen := make(map[string]bool, len(tickers))
	out := make([]string, 0, len(tickers)+len(open))
	for _, t := range tickers {
		seen[strings.ToUpper(strings.TrimSpace(t))] = true
		out = append(out, t)
	}
	for _, p := range open {
		if !seen[p.Ticker] {
			seen[p.Ticker] = true
			out = append(out, p.Ticker)
		}
	}
	return out
}

func (s *Session) record(summary *model.SessionSummary, started time.Time) {
	if err := s.Recorder.RecordAnalysis(summary.Report); err != nil {
		log.Warn().Err(err).Msg("record analysis failed")
	}
	events := recorder.TradeEvents(summary)
	for i := range events {
		if err := s.Recorder.RecordTrade(&events[i]); err != nil {
			log.Warn().Err(err).Str("ticker", events[i].Ticker).Msg("record trade failed")
		}
	}
	err := s.Recorder.RecordSession(&recorder.SessionEvent{
		StartedAt:     started,
		FinishedAt:    s.now(),
		Tickers:       len(summary.Report.Results),
		Failed:        len(summary.Report.Errors()),
		Buys:          len(summary.Report.BuyOpportunities()),
		Opened:        len(summary.Opened),
		Closed:        len(summary.Closed),
		Reconciled:    len(summary.Reconciled),
		OpenPositions: summary.OpenCount,
	})
	if err != nil {
		log.Warn().Err(err).Msg("record session failed")
	}
}

// notify dispatches the session report. When no channel is configured or
// delivery fails the rendered report and its CSV are written to the report
// directory instead; only a delivery failure is returned.
func (s *Session) notify(ctx context.Context, summary *model.SessionSummary) error {
	day := summary.Report.FinishedAt.Format("2006-01-02")
	body := notifier.FormatSessionSummary(summary)
	csvData, err := notifier.ResultsCSV(summary.Report)
	if err != nil {
		log.Error().Err(err).Msg("render analysis csv failed")
	}

	msg := notifier.Message{
		Subject: "Stock Alert Daily Report " + day,
		Body:    body,
		HTML:    true,
	}
	if csvData != nil {
		msg.Attachment = &notifier.Attachment{
			Name:        "analysis_" + day + ".csv",
			ContentType: "text/csv",
			Data:        csvData,
		}
	}

	if s.Notifier == nil {
		log.Info().Msg("no notifier configured, writing report to disk")
		if werr := s.writeReport(day, msg); werr != nil {
			log.Error().Err(werr).Msg("write report failed")
		}
		return nil
	}
	if err = s.Notifier.Notify(ctx, msg); err == nil {
		return nil
	}
	log.Error().Err(err).Msg("notification failed, writing report to disk")
	s.Metrics.RecordError("notify")
	if werr := s.writeReport(day, msg); werr != nil {
		log.Error().Err(werr).Msg("write report failed")
	}
	return err
}

func (s *Session) writeReport(day string, msg notifier.Message) error {
	if err := os.MkdirAll(s.cfg.ReportDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(s.cfg.ReportDir, "report_"+day+".html")
	if err := os.WriteFile(path, []byte(msg.Body), 0o644); err != nil {
		return err
	}
	if msg.Attachment != nil {
		if err := os.WriteFile(filepath.Join(s.cfg.ReportDir, msg.Attachment.Name), msg.Attachment.Data, 0o644); err != nil {
			return err
		}
	}
	log.Info().Str("path", path).Msg("report written")
	return nil
}
