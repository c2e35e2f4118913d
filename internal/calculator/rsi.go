package calculator

import (
	"errors"
)

// RSISeries computes the Wilder RSI at every index.
//
// Gains and losses are smoothed with an exponential moving average
// (alpha = 1/period) seeded from the first bar, whose delta is zero. A value
// is produced once period bars are available. When the average loss is zero
// the RSI is 100.
func RSISeries(closes []float64, period int) []*float64 {
	out := make([]*float64, len(closes))
	if period <= 0 || len(closes) == 0 {
		return out
	}

	alpha := 1.0 / float64(period)
	var avgGain, avgLoss float64
	for i := range closes {
		gain, loss := 0.0, 0.0
		if i > 0 {
			change := closes[i] - closes[i-1]
			if change > 0 {
				gain = change
			} else {
				loss = -change
			}
		}
		if i == 0 {
			avgGain, avgLoss = gain, loss
		} else {
			avgGain = alpha*gain + (1-alpha)*avgGain
			avgLoss = alpha*loss + (1-alpha)*avgLoss
		}
		if i < period-1 {
			continue
		}
		v := rsiFromAverages(avgGain, avgLoss)
		out[i] = &v
	}
	return out
}

// CalculateRSI returns the latest RSI over the given period.
func CalculateRSI(closes []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, errors.New("period must be positive")
	}
	if len(closes) < period {
		return 0, ErrNotReady
	}
	series := RSISeries(closes, period)
	return *series[len(series)-1], nil
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	rsi := 100.0 - 100.0/(1.0+rs)
	// clamp to [0, 100]
	if rsi < 0 {
		return 0
	}
	if rsi > 100 {
		return 100
	}
	return rsi
}
