package model

import "time"

// IndicatorSnapshot holds the indicators of one bar. A nil field means the
// indicator window was not yet full at that bar.
type IndicatorSnapshot struct {
	Date  time.Time
	Close float64
	RSI   *float64
	SRSI  *float64
	MA20  *float64
	MA50  *float64
}

// Ready reports whether both oscillators are available.
func (s IndicatorSnapshot) Ready() bool {
	return s.RSI != nil && s.SRSI != nil
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

// Value dereferences p, returning 0 for nil. Only meant for display.
func Value(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
