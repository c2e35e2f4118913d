package strategy

// Thresholds holds every cut-off used by entry and exit classification.
type Thresholds struct {
	StrongBuyRSI         float64 `yaml:"strong_buy_rsi" default:"30"`
	StrongBuySRSI        float64 `yaml:"strong_buy_srsi" default:"30"`
	StrongBuySRSINoTrend float64 `yaml:"strong_buy_srsi_no_trend" default:"20"`
	BuyRSI               float64 `yaml:"buy_rsi" default:"35"`
	BuySRSI              float64 `yaml:"buy_srsi" default:"40"`
	OverboughtRSI        float64 `yaml:"overbought_rsi" default:"70"`
	OverboughtSRSI       float64 `yaml:"overbought_srsi" default:"80"`
	WatchRSILow          float64 `yaml:"watch_rsi_low" default:"35"`
	WatchRSIHigh         float64 `yaml:"watch_rsi_high" default:"50"`
	MANotePct            float64 `yaml:"ma_note_pct" default:"5"`
	LowPE                float64 `yaml:"low_pe" default:"15"`
	HighPE               float64 `yaml:"high_pe" default:"30"`

	ExitRSIJump   float64 `yaml:"exit_rsi_jump" default:"42"`
	ExitRSI       float64 `yaml:"exit_rsi" default:"70"`
	ExitAboveMA20 float64 `yaml:"exit_above_ma20_pct" default:"12"`
	ExitAboveMA50 float64 `yaml:"exit_above_ma50_pct" default:"10"`
}

// DefaultThresholds returns the standard rule set.
func DefaultThresholds() Thresholds {
	return Thresholds{
		StrongBuyRSI:         30,
		StrongBuySRSI:        30,
		StrongBuySRSINoTrend: 20,
		BuyRSI:               35,
		BuySRSI:              40,
		OverboughtRSI:        70,
		OverboughtSRSI:       80,
		WatchRSILow:          35,
		WatchRSIHigh:         50,
		MANotePct:            5,
		LowPE:                15,
		HighPE:               30,
		ExitRSIJump:          42,
		ExitRSI:              70,
		ExitAboveMA20:        12,
		ExitAboveMA50:        10,
	}
}

// RiskParams configures intrabar stop-loss / take-profit exits.
type RiskParams struct {
	StopLossPct   float64 `yaml:"stop_loss_pct" default:"0.20"`
	TakeProfitPct float64 `yaml:"take_profit_pct" default:"0.20"`
	// FillAt is "bar" to exit at the stop/target level or "close" to exit at the bar close.
	FillAt string `yaml:"fill_at" default:"bar" validate:"oneof=bar close"`
}

// DefaultRiskParams returns 20% stop loss / take profit filled at the level.
func DefaultRiskParams() RiskParams {
	return RiskParams{StopLossPct: 0.20, TakeProfitPct: 0.20, FillAt: "bar"}
}
