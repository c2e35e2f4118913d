package strategy

import "github.com/kmokrejs/stock-alert/internal/model"

// ExitInput holds the readings used to decide whether to sell a position.
type ExitInput struct {
	RSI         *float64
	PriceVsMA20 *float64
	PriceVsMA50 *float64
	// EntryRSI is absent when the origin of the position is unknown.
	EntryRSI *float64
}

// ClassifyExit returns the first exit rule that fires, or nil to keep holding.
func (c *Classifier) ClassifyExit(in ExitInput) *model.ExitSignal {
	switch {
	case in.RSI != nil && in.EntryRSI != nil && *in.RSI-*in.EntryRSI > c.T.ExitRSIJump:
		return &model.ExitSignal{Reason: model.ExitRSIJump}
	case above(in.RSI, c.T.ExitRSI):
		return &model.ExitSignal{Reason: model.ExitOverbought}
	case above(in.PriceVsMA20, c.T.ExitAboveMA20):
		return &model.ExitSignal{Reason: model.ExitAboveMA20}
	case above(in.PriceVsMA50, c.T.ExitAboveMA50):
		return &model.ExitSignal{Reason: model.ExitAboveMA50}
	}
	return nil
}

// EvaluateBar checks one bar of an open position. Intrabar stop loss and take
// profit take priority over the indicator exits; the stop loss is checked
// first when both levels are touched in the same bar.
func (c *Classifier) EvaluateBar(bar model.OHLCV, pos *model.Position, snap model.IndicatorSnapshot, risk RiskParams) *model.ExitSignal {
	if risk.StopLossPct > 0 {
		floor := pos.EntryPrice * (1 - risk.StopLossPct)
		if bar.Low <= floor {
			return &model.ExitSignal{Reason: model.ExitStopLoss, Price: fillPrice(risk, floor, bar)}
		}
	}
	if risk.TakeProfitPct > 0 {
		ceiling := pos.EntryPrice * (1 + risk.TakeProfitPct)
		if bar.High >= ceiling {
			return &model.ExitSignal{Reason: model.ExitTakeProfit, Price: fillPrice(risk, ceiling, bar)}
		}
	}

	sig := c.ClassifyExit(ExitInput{
		RSI:         snap.RSI,
		PriceVsMA20: PriceVsMA(bar.Close, snap.MA20),
		PriceVsMA50: PriceVsMA(bar.Close, snap.MA50),
		EntryRSI:    pos.EntryRSI,
	})
	if sig != nil {
		sig.Price = bar.Close
	}
	return sig
}

func fillPrice(risk RiskParams, level float64, bar model.OHLCV) float64 {
	if risk.FillAt == "close" {
		return bar.Close
	}
	return level
}
