package strategy

import "github.com/kmokrejs/stock-alert/internal/model"

// EntryInput holds everything entry classification looks at.
// Nil fields are absent.
type EntryInput struct {
	RSI         *float64
	SRSI        *float64
	PriceVsMA20 *float64
	PriceVsMA50 *float64
	PE          *float64
}

// Classifier maps indicator readings to recommendations and exit signals.
type Classifier struct {
	T Thresholds
}

// NewClassifier creates a classifier with the given thresholds.
func NewClassifier(t Thresholds) *Classifier {
	return &Classifier{T: t}
}

// ClassifyEntry evaluates the entry tiers in order, most aggressive first,
// and appends advisory notes regardless of the tier.
func (c *Classifier) ClassifyEntry(in EntryInput) model.Recommendation {
	rec := model.Recommendation{Tier: c.mapTier(in)}
	if in.RSI == nil {
		rec.Notes = append(rec.Notes, model.NoteNotReady)
	}
	rec.Notes = append(rec.Notes, c.notes(in)...)
	return rec
}

// mapTier returns the first matching tier. Comparisons against an absent
// reading are false.
func (c *Classifier) mapTier(in EntryInput) model.Tier {
	if in.RSI == nil {
		return model.TierHold
	}
	rsi := *in.RSI
	srsiBelow := func(v float64) bool { return in.SRSI != nil && *in.SRSI < v }
	srsiAbove := func(v float64) bool { return in.SRSI != nil && *in.SRSI > v }

	if in.PriceVsMA20 != nil {
		belowMA := *in.PriceVsMA20 < 0
		switch {
		case rsi < c.T.StrongBuyRSI && srsiBelow(c.T.StrongBuySRSI) && belowMA:
			return model.TierStrongBuy
		case rsi < c.T.BuyRSI && srsiBelow(c.T.BuySRSI) && belowMA:
			return model.TierBuy
		}
	} else {
		switch {
		case rsi < c.T.StrongBuyRSI && srsiBelow(c.T.StrongBuySRSINoTrend):
			return model.TierStrongBuy
		case rsi < c.T.BuyRSI && srsiBelow(c.T.BuySRSI):
			return model.TierBuy
		}
	}

	switch {
	case rsi > c.T.OverboughtRSI || srsiAbove(c.T.OverboughtSRSI):
		return model.TierOverbought
	case rsi >= c.T.WatchRSILow && rsi <= c.T.WatchRSIHigh:
		return model.TierWatch
	default:
		return model.TierHold
	}
}
