package calculator

// StochRSISeries normalizes an RSI series into 0..100 over a trailing window
// of ready RSI values. A bar is nil until window ready RSI values exist, and
// also when the window is flat (max == min).
func StochRSISeries(rsi []*float64, window int) []*float64 {
	out := make([]*float64, len(rsi))
	if window <= 0 {
		return out
	}
	ready := make([]float64, 0, len(rsi))
	for i, r := range rsi {
		if r == nil {
			continue
		}
		ready = append(ready, *r)
		low, high, err := WindowRange(ready, window)
		if err != nil {
			continue
		}
		pos, err := RangePosition(*r, low, high)
		if err != nil {
			continue
		}
		out[i] = &pos
	}
	return out
}
