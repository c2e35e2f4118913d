package calculator

import (
	"errors"

	"github.com/kmokrejs/stock-alert/internal/model"
)

// ErrNotReady is returned when there is not enough history for an indicator.
var ErrNotReady = errors.New("indicator not ready")

// Engine computes RSI, Stochastic RSI and the two moving averages used by
// the classifier. The zero value is not usable; use NewEngine.
type Engine struct {
	RSIWindow  int
	SRSIWindow int
	FastMA     int
	SlowMA     int
}

// NewEngine returns an engine with the given windows, falling back to
// 14/14/20/50 for non-positive values.
func NewEngine(rsiWindow, srsiWindow, fastMA, slowMA int) *Engine {
	e := &Engine{RSIWindow: 14, SRSIWindow: 14, FastMA: 20, SlowMA: 50}
	if rsiWindow > 0 {
		e.RSIWindow = rsiWindow
	}
	if srsiWindow > 0 {
		e.SRSIWindow = srsiWindow
	}
	if fastMA > 0 {
		e.FastMA = fastMA
	}
	if slowMA > 0 {
		e.SlowMA = slowMA
	}
	return e
}

// Series computes a snapshot for every bar.
func (e *Engine) Series(bars []model.OHLCV) []model.IndicatorSnapshot {
	closes := model.Closes(bars)
	rsi := RSISeries(closes, e.RSIWindow)
	srsi := StochRSISeries(rsi, e.SRSIWindow)
	fast := SMASeries(closes, e.FastMA)
	slow := SMASeries(closes, e.SlowMA)

	out := make([]model.IndicatorSnapshot, len(bars))
	for i, b := range bars {
		out[i] = model.IndicatorSnapshot{
			Date:  b.Time,
			Close: b.Close,
			RSI:   rsi[i],
			SRSI:  srsi[i],
			MA20:  fast[i],
			MA50:  slow[i],
		}
	}
	return out
}

// Snapshot returns the indicators at the last bar.
func (e *Engine) Snapshot(bars []model.OHLCV) (model.IndicatorSnapshot, error) {
	if len(bars) == 0 {
		return model.IndicatorSnapshot{}, errors.New("no bars provided")
	}
	series := e.Series(bars)
	return series[len(series)-1], nil
}
