package strategy

import "github.com/kmokrejs/stock-alert/internal/model"

// notes returns the advisory annotations, in a fixed order:
// below MA, above MA, low P/E, high P/E.
func (c *Classifier) notes(in EntryInput) []model.Note {
	var out []model.Note

	if below(in.PriceVsMA20, -c.T.MANotePct) || below(in.PriceVsMA50, -c.T.MANotePct) {
		out = append(out, model.NoteBelowMA)
	}
	if above(in.PriceVsMA20, c.T.MANotePct) || above(in.PriceVsMA50, c.T.MANotePct) {
		out = append(out, model.NoteAboveMA)
	}
	if below(in.PE, c.T.LowPE) {
		out = append(out, model.NoteLowPE)
	}
	if above(in.PE, c.T.HighPE) {
		out = append(out, model.NoteHighPE)
	}
	return out
}

// PriceVsMA returns (price - ma) / ma * 100, or nil when ma is absent or zero.
func PriceVsMA(price float64, ma *float64) *float64 {
	if ma == nil || *ma == 0 {
		return nil
	}
	v := (price - *ma) / *ma * 100
	return &v
}

func below(v *float64, limit float64) bool { return v != nil && *v < limit }

func above(v *float64, limit float64) bool { return v != nil && *v > limit }
