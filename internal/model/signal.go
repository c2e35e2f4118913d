package model

// Tier is the mutually exclusive entry recommendation.
type Tier string

const (
	TierStrongBuy  Tier = "STRONG_BUY"
	TierBuy        Tier = "BUY"
	TierWatch      Tier = "WATCH"
	TierOverbought Tier = "OVERBOUGHT"
	TierHold       Tier = "HOLD"
)

// Label returns the human readable tier name used in reports.
func (t Tier) Label() string {
	switch t {
	case TierStrongBuy:
		return "🔥 Strong Buy"
	case TierBuy:
		return "✅ Buy"
	case TierWatch:
		return "🤔 Watch"
	case TierOverbought:
		return "⚠️ Overbought"
	default:
		return "Hold"
	}
}

// IsBuy reports whether the tier is a buy opportunity.
func (t Tier) IsBuy() bool {
	return t == TierStrongBuy || t == TierBuy
}

// ParseTier maps a config string to a Tier.
func ParseTier(s string) (Tier, bool) {
	switch Tier(s) {
	case TierStrongBuy, TierBuy, TierWatch, TierOverbought, TierHold:
		return Tier(s), true
	}
	return "", false
}

// Note is an advisory annotation attached to a recommendation.
type Note string

const (
	NoteBelowMA  Note = "Below MA: possible undervaluation"
	NoteAboveMA  Note = "Above MA: overbought watch"
	NoteLowPE    Note = "Low P/E"
	NoteHighPE   Note = "High P/E"
	NoteNotReady Note = "Indicators not ready"
)

// Recommendation is the result of entry classification.
type Recommendation struct {
	Tier  Tier
	Notes []Note
}

// ExitReason names the rule that fired an exit.
type ExitReason string

const (
	ExitRSIJump     ExitReason = "RSI jump"
	ExitOverbought  ExitReason = "Overbought"
	ExitAboveMA20   ExitReason = "Price above MA20"
	ExitAboveMA50   ExitReason = "Price above MA50"
	ExitStopLoss    ExitReason = "Stop Loss"
	ExitTakeProfit  ExitReason = "Take Profit"
	ExitBrokerFill  ExitReason = "Broker fill"
	ExitManual      ExitReason = "Manual"
	ExitEndOfSeries ExitReason = "End of series"
)

// ExitSignal is the result of exit classification. Price is set only when the
// rule implies an execution price (stop loss / take profit).
type ExitSignal struct {
	Reason ExitReason
	Price  float64
}
