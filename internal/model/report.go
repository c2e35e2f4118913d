package model

import "time"

// StopConvention selects how stop-loss suggestions are derived.
type StopConvention string

const (
	StopTight StopConvention = "tight"
	StopWide  StopConvention = "wide"
)

// Targets are derived price levels for a buy opportunity.
type Targets struct {
	Target1    *float64
	Target2    *float64
	StopLoss   float64
	TakeProfit *float64
	Convention StopConvention
}

// TickerResult is the per-ticker outcome of an analysis run.
type TickerResult struct {
	Ticker         string
	Snapshot       IndicatorSnapshot
	PriceVsMA20    *float64
	PriceVsMA50    *float64
	PE             *float64
	Recommendation Recommendation
	Held           *Position
	Exit           *ExitSignal
	Targets        *Targets
	Err            error
}

// OK reports whether the ticker was analyzed without error.
func (r *TickerResult) OK() bool {
	return r.Err == nil
}

// BatchReport aggregates a full analysis run.
type BatchReport struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Convention StopConvention
	Results    []TickerResult
}

// Succeeded returns the results analyzed without error.
func (b *BatchReport) Succeeded() []TickerResult {
	var out []TickerResult
	for _, r := range b.Results {
		if r.OK() {
			out = append(out, r)
		}
	}
	return out
}

// BuyOpportunities returns StrongBuy/Buy results.
func (b *BatchReport) BuyOpportunities() []TickerResult {
	var out []TickerResult
	for _, r := range b.Results {
		if r.OK() && r.Recommendation.Tier.IsBuy() {
			out = append(out, r)
		}
	}
	return out
}

// Watchlist returns results for tickers with an open position.
func (b *BatchReport) Watchlist() []TickerResult {
	var out []TickerResult
	for _, r := range b.Results {
		if r.OK() && r.Held != nil {
			out = append(out, r)
		}
	}
	return out
}

// Errors returns results whose analysis failed.
func (b *BatchReport) Errors() []TickerResult {
	var out []TickerResult
	for _, r := range b.Results {
		if !r.OK() {
			out = append(out, r)
		}
	}
	return out
}

// TradeFailure records a trade the session decided on but could not execute.
type TradeFailure struct {
	Ticker string
	Action string
	Err    error
}

// SessionSummary is the outcome of one trading session.
type SessionSummary struct {
	Report     *BatchReport
	Reconciled []Position
	Opened     []Position
	Closed     []Position
	Failures   []TradeFailure
	OpenCount  int

	// NotifyErr is set when the configured channels failed to deliver the
	// report and it was written to the report directory instead.
	NotifyErr error
}

// HasTrades reports whether the session changed the ledger.
func (s *SessionSummary) HasTrades() bool {
	return len(s.Reconciled)+len(s.Opened)+len(s.Closed) > 0
}
