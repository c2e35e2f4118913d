package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/kmokrejs/stock-alert/internal/model"
)

var (
	// ErrRejected is returned when the broker refuses an order.
	ErrRejected = errors.New("order rejected")
	// ErrNotFilled is returned when an order is still unfilled after polling.
	ErrNotFilled = errors.New("order not filled")
	// ErrNoPosition is returned when selling a symbol the account does not hold.
	ErrNoPosition = errors.New("no position")
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type OrderType string

const (
	TypeMarket OrderType = "market"
	TypeLimit  OrderType = "limit"
	TypeStop   OrderType = "stop"
)

// OrderStatus follows the Alpaca order lifecycle names.
type OrderStatus string

const (
	StatusNew             OrderStatus = "new"
	StatusAccepted        OrderStatus = "accepted"
	StatusPendingNew      OrderStatus = "pending_new"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusExpired         OrderStatus = "expired"
	StatusRejected        OrderStatus = "rejected"
)

// QueryStatus filters ListOrders.
type QueryStatus string

const (
	QueryOpen   QueryStatus = "open"
	QueryClosed QueryStatus = "closed"
	QueryAll    QueryStatus = "all"
)

// Order is a broker order as last reported by the broker.
type Order struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           Side
	Type           OrderType
	Qty            decimal.Decimal
	Notional       decimal.Decimal
	LimitPrice     decimal.Decimal
	StopPrice      decimal.Decimal
	FilledQty      decimal.Decimal
	FilledAvgPrice decimal.Decimal
	Status         OrderStatus
	SubmittedAt    time.Time
	FilledAt       *time.Time
}

// IsOpen reports whether the order can still execute.
func (o *Order) IsOpen() bool {
	switch o.Status {
	case StatusNew, StatusAccepted, StatusPendingNew, StatusPartiallyFilled:
		return true
	}
	return false
}

// IsFilled reports whether any quantity has executed.
func (o *Order) IsFilled() bool {
	return o.FilledQty.IsPositive()
}

// Fill converts an executed order into a ledger fill.
func (o *Order) Fill() model.Fill {
	f := model.Fill{
		OrderID: o.ID,
		Ticker:  strings.ToUpper(o.Symbol),
		Side:    string(o.Side),
		Qty:     o.FilledQty.InexactFloat64(),
		Price:   o.FilledAvgPrice.InexactFloat64(),
	}
	if o.FilledAt != nil {
		f.FilledAt = *o.FilledAt
	}
	return f
}

// Broker places and inspects orders on a brokerage account.
type Broker interface {
	SubmitMarketBuy(ctx context.Context, symbol string, notional decimal.Decimal) (*Order, error)
	SubmitMarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (*Order, error)
	SubmitLimitSell(ctx context.Context, symbol string, qty, limit decimal.Decimal) (*Order, error)
	SubmitStopSell(ctx context.Context, symbol string, qty, stop decimal.Decimal) (*Order, error)
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrders(ctx context.Context, status QueryStatus, symbols []string) ([]Order, error)
	// CancelOpenOrders cancels every open order of symbol and returns how many were canceled.
	CancelOpenOrders(ctx context.Context, symbol string) (int, error)
	// PositionQty returns the held quantity, zero when flat.
	PositionQty(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// PollFill re-reads an order every interval until it reports a filled
// quantity, at most attempts times.
func PollFill(ctx context.Context, b Broker, orderID string, attempts int, interval time.Duration) (*Order, error) {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		o, err := b.GetOrder(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("poll order %s: %w", orderID, err)
		}
		if o.IsFilled() {
			return o, nil
		}
		if !o.IsOpen() {
			return o, fmt.Errorf("order %s %s: %w", orderID, o.Status, ErrRejected)
		}
		if i == attempts-1 {
			break
		}
		log.Debug().Str("order_id", orderID).Int("attempt", i+1).Msg("order not filled yet")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil, fmt.Errorf("order %s after %d polls: %w", orderID, attempts, ErrNotFilled)
}
