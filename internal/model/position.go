package model

import (
	"math"
	"time"
)

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "open"
	StatusClosed PositionStatus = "closed"
)

// Position tracks an instrument from its entry signal to a closed trade.
// EntryOrderID and EntryFilledAt are set when a broker filled the entry; only
// sell fills executed after EntryFilledAt can close the position.
type Position struct {
	Ticker        string
	EntryDate     time.Time
	EntryPrice    float64
	EntryRSI      *float64
	EntrySRSI     *float64
	EntryMA20     *float64
	EntryOrderID  string
	EntryFilledAt *time.Time
	Status        PositionStatus
	ExitPrice     *float64
	GainLossPct   *float64
	ExitReason    ExitReason
	ExitDate      *time.Time
}

// IsOpen reports whether the position is still open.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// AcceptsFill reports whether a sell executed at filledAt belongs to this
// position rather than to an earlier one on the same ticker.
func (p *Position) AcceptsFill(filledAt time.Time) bool {
	if p.EntryFilledAt != nil {
		return filledAt.After(*p.EntryFilledAt)
	}
	return !filledAt.Before(p.EntryDate)
}

// GainLoss returns (exit - entry) / entry * 100 rounded to 2 decimals.
func GainLoss(entry, exit float64) float64 {
	if entry == 0 {
		return 0
	}
	return math.Round((exit-entry)/entry*100*100) / 100
}

// Fill is a confirmed broker execution.
type Fill struct {
	OrderID  string
	Ticker   string
	Side     string
	Qty      float64
	Price    float64
	FilledAt time.Time
}
