package calculator

import (
	"errors"
	"math"
)

// WindowRange returns the min and max of the last n values.
func WindowRange(values []float64, n int) (low, high float64, err error) {
	if n <= 0 {
		return 0, 0, errors.New("window must be positive")
	}
	if len(values) < n {
		return 0, 0, errors.New("not enough data for window range")
	}
	high = math.Inf(-1)
	low = math.Inf(1)
	for _, v := range values[len(values)-n:] {
		if v > high {
			high = v
		}
		if v < low {
			low = v
		}
	}
	return low, high, nil
}

// RangePosition returns where v sits within [low, high] scaled to 0..100.
// It fails when the range is empty.
func RangePosition(v, low, high float64) (float64, error) {
	if high < low {
		return 0, errors.New("high must be >= low")
	}
	if high == low {
		return 0, errors.New("flat range")
	}
	pos := (v - low) / (high - low) * 100
	if pos < 0 {
		pos = 0
	}
	if pos > 100 {
		pos = 100
	}
	return pos, nil
}
