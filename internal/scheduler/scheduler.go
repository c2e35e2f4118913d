package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/kmokrejs/stock-alert/internal/model"
	"github.com/kmokrejs/stock-alert/internal/notifier"
	"github.com/kmokrejs/stock-alert/internal/recorder"
	"github.com/kmokrejs/stock-alert/internal/trader"
)

// Scheduler manages the cron tasks and chat commands of serve mode.
type Scheduler struct {
	Cron     *cron.Cron
	Session  *trader.Session
	Tickers  []string
	Notifier notifier.Notifier
	Recorder recorder.Recorder
	Ctx      context.Context
}

// NewScheduler creates a scheduler whose cron expressions (with seconds) are
// evaluated in loc.
func NewScheduler(ctx context.Context, session *trader.Session, tickers []string, n notifier.Notifier, rec recorder.Recorder, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if rec == nil {
		rec = recorder.NewNoopRecorder()
	}
	return &Scheduler{
		Cron:     cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		Session:  session,
		Tickers:  tickers,
		Notifier: n,
		Recorder: rec,
		Ctx:      ctx,
	}
}

// RegisterAll registers the trading session and the fill sync. An empty
// syncCron disables the sync task.
func (s *Scheduler) RegisterAll(sessionCron, syncCron string) error {
	if _, err := s.Cron.AddFunc(sessionCron, s.sessionTask); err != nil {
		return fmt.Errorf("register session task: %w", err)
	}
	if syncCron == "" {
		return nil
	}
	if _, err := s.Cron.AddFunc(syncCron, s.syncTask); err != nil {
		return fmt.Errorf("register sync task: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	log.Info().Int("tasks", len(s.Cron.Entries())).Msg("scheduler started")
}

// Stop stops the cron scheduler and waits for running tasks.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	log.Info().Msg("scheduler stopped")
}

// RunSessionNow executes a session immediately (manual trigger / RUN_ON_START).
func (s *Scheduler) RunSessionNow() {
	s.sessionTask()
}

func (s *Scheduler) sessionTask() {
	log.Info().Int("tickers", len(s.Tickers)).Msg("running trading session")
	summary, err := s.Session.Run(s.Ctx, s.Tickers)
	switch {
	case errors.Is(err, trader.ErrBusy):
		log.Warn().Msg("session skipped, previous one still running")
	case err != nil && summary == nil:
		log.Error().Err(err).Msg("session failed")
		s.trySend(fmt.Sprintf("❌ Trading session failed: %s", err))
	case err != nil:
		log.Error().Err(err).Msg("session finished with errors")
		s.trySend(fmt.Sprintf("⚠️ Session finished but the ledger was not saved: %s", err))
	}
}

func (s *Scheduler) syncTask() {
	closed, err := s.Session.Sync(s.Ctx)
	if errors.Is(err, trader.ErrBusy) {
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("fill sync failed")
		return
	}
	if len(closed) > 0 {
		s.trySend(notifier.FormatSessionSummary(&model.SessionSummary{
			Reconciled: closed,
			OpenCount:  len(s.Session.Ledger.GetOpen()),
		}))
	}
}

// HandleCommand processes a chat command and returns a reply.
func (s *Scheduler) HandleCommand(ctx context.Context, command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	// "/run@my_bot" in group chats
	name, _, _ := strings.Cut(fields[0], "@")
	switch name {
	case "/run":
		tickers := s.Tickers
		if len(fields) > 1 {
			tickers = fields[1:]
		}
		summary, err := s.Session.Run(ctx, tickers)
		if errors.Is(err, trader.ErrBusy) {
			return "⏳ A session is already running"
		}
		if err != nil && summary == nil {
			return fmt.Sprintf("❌ Session failed: %s", err)
		}
		// the session sends its own report
		return ""
	case "/sync":
		closed, err := s.Session.Sync(ctx)
		if err != nil {
			return fmt.Sprintf("❌ Sync failed: %s", err)
		}
		return fmt.Sprintf("🔄 %d position(s) closed by broker fills", len(closed))
	case "/positions":
		return notifier.FormatPositions(s.Session.Ledger.GetOpen())
	case "/trades":
		trades, err := s.Recorder.RecentTrades(10)
		if err != nil {
			return fmt.Sprintf("❌ %s", err)
		}
		return formatTrades(trades)
	default:
		return "Available commands:\n" +
			"• /run [TICKER ...] run a trading session now\n" +
			"• /sync reconcile positions with broker fills\n" +
			"• /positions list open positions\n" +
			"• /trades show recent trades"
	}
}

func formatTrades(trades []recorder.TradeEvent) string {
	if len(trades) == 0 {
		return "No trades recorded"
	}
	var b strings.Builder
	b.WriteString("<b>Recent trades</b>\n")
	for _, t := range trades {
		b.WriteString(fmt.Sprintf("%s %s %s $%.2f", t.At.Format("2006-01-02"), t.Action, t.Ticker, t.Price))
		if t.GainLossPct != nil {
			b.WriteString(fmt.Sprintf(" (%+.2f%%)", *t.GainLossPct))
		}
		if t.Reason != "" {
			b.WriteString(" " + t.Reason)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (s *Scheduler) trySend(text string) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.Notify(s.Ctx, notifier.Message{Subject: "Stock Alert", Body: text, HTML: true}); err != nil {
		log.Error().Err(err).Msg("send notification failed")
	}
}
