package recorder

import (
	"time"

	"github.com/kmokrejs/stock-alert/internal/model"
)

// Trade actions stored in the trade_events table.
const (
	ActionOpen      = "OPEN"
	ActionClose     = "CLOSE"
	ActionReconcile = "RECONCILE"
)

// TradeEvent records one ledger change.
type TradeEvent struct {
	At          time.Time
	Ticker      string
	Action      string
	Price       float64
	GainLossPct *float64
	Reason      string
}

// SessionEvent summarises one trading session.
type SessionEvent struct {
	StartedAt     time.Time
	FinishedAt    time.Time
	Tickers       int
	Failed        int
	Buys          int
	Opened        int
	Closed        int
	Reconciled    int
	OpenPositions int
}

// Recorder persists run history for later analysis.
type Recorder interface {
	RecordAnalysis(report *model.BatchReport) error
	RecordTrade(evt *TradeEvent) error
	RecordSession(evt *SessionEvent) error
	RecentTrades(limit int) ([]TradeEvent, error)
	Close() error
}

// TradeEvents converts the ledger changes of a session into trade events.
func TradeEvents(s *model.SessionSummary) []TradeEvent {
	var out []TradeEvent
	for _, p := range s.Reconciled {
		out = append(out, closeEvent(p, ActionReconcile))
	}
	for _, p := range s.Opened {
		out = append(out, TradeEvent{
			At:     p.EntryDate,
			Ticker: p.Ticker,
			Action: ActionOpen,
			Price:  p.EntryPrice,
		})
	}
	for _, p := range s.Closed {
		out = append(out, closeEvent(p, ActionClose))
	}
	return out
}

func closeEvent(p model.Position, action string) TradeEvent {
	evt := TradeEvent{
		Ticker:      p.Ticker,
		Action:      action,
		Price:       model.Value(p.ExitPrice),
		GainLossPct: p.GainLossPct,
		Reason:      string(p.ExitReason),
	}
	if p.ExitDate != nil {
		evt.At = *p.ExitDate
	}
	return evt
}
