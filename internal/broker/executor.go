package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/kmokrejs/stock-alert/internal/model"
)

// ExecutorConfig sizes and protects every entry.
type ExecutorConfig struct {
	Notional      decimal.Decimal
	TakeProfitMul decimal.Decimal // 1.20 places the target 20% above entry
	StopLossMul   decimal.Decimal // 0.80 places the stop 20% below entry
	PollAttempts  int
	PollInterval  time.Duration
}

// DefaultExecutorConfig returns $100 entries protected at +20% / -20%,
// polled every 2s up to 10 times.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Notional:      decimal.NewFromInt(100),
		TakeProfitMul: decimal.RequireFromString("1.20"),
		StopLossMul:   decimal.RequireFromString("0.80"),
		PollAttempts:  10,
		PollInterval:  2 * time.Second,
	}
}

// Executor turns ledger decisions into broker orders.
type Executor struct {
	Broker Broker
	cfg    ExecutorConfig
}

// NewExecutor creates an executor on top of b.
func NewExecutor(b Broker, cfg ExecutorConfig) *Executor {
	return &Executor{Broker: b, cfg: cfg}
}

// Bracket is a filled entry with its protective exit orders.
type Bracket struct {
	Entry      *Order
	TakeProfit *Order
	StopLoss   *Order
}

// PlaceBracket buys the configured notional of symbol at market, waits for
// the fill, then rests a take-profit limit and a stop-loss stop for the
// filled quantity. refPrice is the signal close the levels derive from.
// An entry that is not filled in time is canceled and ErrNotFilled returned.
// Failing protective orders are logged; the entry stands.
func (e *Executor) PlaceBracket(ctx context.Context, symbol string, refPrice float64) (*Bracket, error) {
	entry, err := e.Broker.SubmitMarketBuy(ctx, symbol, e.cfg.Notional)
	if err != nil {
		return nil, err
	}
	filled, err := PollFill(ctx, e.Broker, entry.ID, e.cfg.PollAttempts, e.cfg.PollInterval)
	if err != nil {
		if _, cerr := e.Broker.CancelOpenOrders(ctx, symbol); cerr != nil {
			log.Error().Err(cerr).Str("ticker", symbol).Msg("cancel unfilled entry failed")
		}
		return nil, err
	}
	log.Info().Str("ticker", symbol).Str("qty", filled.FilledQty.String()).
		Str("price", filled.FilledAvgPrice.String()).Msg("entry filled")

	ref := decimal.NewFromFloat(refPrice)
	tp := ref.Mul(e.cfg.TakeProfitMul).Round(2)
	sl := ref.Mul(e.cfg.StopLossMul).Round(2)
	b := &Bracket{Entry: filled}

	if b.TakeProfit, err = e.Broker.SubmitLimitSell(ctx, symbol, filled.FilledQty, tp); err != nil {
		log.Error().Err(err).Str("ticker", symbol).Str("limit", tp.String()).Msg("take profit order failed")
	}
	if b.StopLoss, err = e.Broker.SubmitStopSell(ctx, symbol, filled.FilledQty, sl); err != nil {
		log.Error().Err(err).Str("ticker", symbol).Str("stop", sl.String()).Msg("stop loss order failed")
	}
	return b, nil
}

// Exit cancels the resting orders of symbol and sells the whole position at
// market. It returns ErrNoPosition when the account is flat.
func (e *Executor) Exit(ctx context.Context, symbol string) (*Order, error) {
	if _, err := e.Broker.CancelOpenOrders(ctx, symbol); err != nil {
		return nil, fmt.Errorf("cancel orders %s: %w", symbol, err)
	}
	qty, err := e.Broker.PositionQty(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !qty.IsPositive() {
		return nil, fmt.Errorf("exit %s: %w", symbol, ErrNoPosition)
	}
	return e.Broker.SubmitMarketSell(ctx, symbol, qty)
}

// SyncFills returns the executed sell orders of symbols, oldest first, for
// ledger reconciliation.
func (e *Executor) SyncFills(ctx context.Context, symbols []string) ([]model.Fill, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	orders, err := e.Broker.ListOrders(ctx, QueryAll, symbols)
	if err != nil {
		return nil, err
	}
	var fills []model.Fill
	for i := range orders {
		o := &orders[i]
		if o.Side != SideSell || o.FilledAt == nil || !o.IsFilled() {
			continue
		}
		fills = append(fills, o.Fill())
	}
	sort.SliceStable(fills, func(i, j int) bool { return fills[i].FilledAt.Before(fills[j].FilledAt) })
	return fills, nil
}

// CancelAll cancels the resting orders of every symbol, logging failures.
func (e *Executor) CancelAll(ctx context.Context, symbols []string) {
	for _, s := range symbols {
		n, err := e.Broker.CancelOpenOrders(ctx, s)
		if err != nil {
			log.Error().Err(err).Str("ticker", s).Msg("cancel open orders failed")
			continue
		}
		if n > 0 {
			log.Info().Str("ticker", strings.ToUpper(s)).Int("canceled", n).Msg("canceled remaining orders")
		}
	}
}

