package trader

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kmokrejs/stock-alert/internal/broker"
	"github.com/kmokrejs/stock-alert/internal/collector"
)

// QuoteFromFeed prices the paper broker with the latest daily close of feed.
func QuoteFromFeed(feed collector.PriceFeed) broker.QuoteFunc {
	return func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		end := time.Now()
		bars, err := feed.GetBars(ctx, symbol, end.AddDate(0, 0, -10), end)
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromFloat(bars[len(bars)-1].Close), nil
	}
}
