package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kmokrejs/stock-alert/internal/model"
)

// ErrNoData is returned when a feed has no bars for a symbol and range.
var ErrNoData = errors.New("no data")

// PriceFeed supplies daily OHLCV bars.
type PriceFeed interface {
	GetBars(ctx context.Context, symbol string, start, end time.Time) ([]model.OHLCV, error)
	Name() string
}

// FundamentalsFeed supplies valuation data. A nil P/E means the symbol has none.
type FundamentalsFeed interface {
	TrailingPE(ctx context.Context, symbol string) (*float64, error)
}

// Retry runs fn up to attempts times, waiting interval between failures.
// ErrNoData is not retried.
func Retry(ctx context.Context, attempts int, interval time.Duration, op string, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNoData) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		log.Warn().Err(err).Str("op", op).Int("attempt", i+1).Int("max", attempts).Msg("request failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("%s: all %d attempts failed: %w", op, attempts, lastErr)
}

// RetryFeed wraps a PriceFeed with a bounded retry policy.
type RetryFeed struct {
	Feed     PriceFeed
	Attempts int
	Interval time.Duration
}

func (r *RetryFeed) Name() string { return r.Feed.Name() }

func (r *RetryFeed) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]model.OHLCV, error) {
	var bars []model.OHLCV
	err := Retry(ctx, r.Attempts, r.Interval, "get bars "+symbol, func() error {
		var err error
		bars, err = r.Feed.GetBars(ctx, symbol, start, end)
		return err
	})
	return bars, err
}

// normalizeBars sorts bars by date, truncates timestamps to the trading day
// and drops duplicate days, keeping the last bar seen for a day.
func normalizeBars(bars []model.OHLCV) []model.OHLCV {
	for i := range bars {
		bars[i].Time = model.Day(bars[i].Time)
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	out := bars[:0]
	for _, b := range bars {
		if n := len(out); n > 0 && out[n-1].Time.Equal(b.Time) {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}
