package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// QuoteFunc returns the last traded price of symbol.
type QuoteFunc func(ctx context.Context, symbol string) (decimal.Decimal, error)

// PaperBroker simulates an account in memory. Market orders fill at the
// current quote; resting limit and stop sells are re-checked against the
// quote whenever orders of their symbol are read.
type PaperBroker struct {
	mu        sync.Mutex
	quote     QuoteFunc
	orders    map[string]*Order
	seq       []string
	positions map[string]decimal.Decimal
	now       func() time.Time

	// FillDelay makes a market order report unfilled for that many reads.
	FillDelay int
	pending   map[string]int
}

// NewPaperBroker creates an empty simulated account.
func NewPaperBroker(quote QuoteFunc) *PaperBroker {
	return &PaperBroker{
		quote:     quote,
		orders:    make(map[string]*Order),
		positions: make(map[string]decimal.Decimal),
		pending:   make(map[string]int),
		now:       time.Now,
	}
}

func (p *PaperBroker) SubmitMarketBuy(ctx context.Context, symbol string, notional decimal.Decimal) (*Order, error) {
	if !notional.IsPositive() {
		return nil, fmt.Errorf("notional %s: %w", notional, ErrRejected)
	}
	price, err := p.price(ctx, symbol)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o := p.newOrder(symbol, SideBuy, TypeMarket)
	o.Notional = notional
	o.Qty = notional.DivRound(price, 9)
	p.marketFill(o, price)
	return p.copyOf(o), nil
}

func (p *PaperBroker) SubmitMarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (*Order, error) {
	price, err := p.price(ctx, symbol)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkHeld(symbol, qty); err != nil {
		return nil, err
	}
	o := p.newOrder(symbol, SideSell, TypeMarket)
	o.Qty = qty
	p.marketFill(o, price)
	return p.copyOf(o), nil
}

func (p *PaperBroker) SubmitLimitSell(_ context.Context, symbol string, qty, limit decimal.Decimal) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkHeld(symbol, qty); err != nil {
		return nil, err
	}
	o := p.newOrder(symbol, SideSell, TypeLimit)
	o.Qty = qty
	o.LimitPrice = limit
	o.Status = StatusAccepted
	return p.copyOf(o), nil
}

func (p *PaperBroker) SubmitStopSell(_ context.Context, symbol string, qty, stop decimal.Decimal) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkHeld(symbol, qty); err != nil {
		return nil, err
	}
	o := p.newOrder(symbol, SideSell, TypeStop)
	o.Qty = qty
	o.StopPrice = stop
	o.Status = StatusAccepted
	return p.copyOf(o), nil
}

func (p *PaperBroker) GetOrder(ctx context.Context, id string) (*Order, error) {
	p.mu.Lock()
	o, ok := p.orders[id]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("order %s: not found", id)
	}
	if err := p.mark(ctx, o.Symbol); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if n := p.pending[id]; n > 0 {
		p.pending[id] = n - 1
		unfilled := p.copyOf(o)
		unfilled.Status = StatusAccepted
		unfilled.FilledQty = decimal.Zero
		unfilled.FilledAvgPrice = decimal.Zero
		unfilled.FilledAt = nil
		return unfilled, nil
	}
	return p.copyOf(o), nil
}

func (p *PaperBroker) ListOrders(ctx context.Context, status QueryStatus, symbols []string) ([]Order, error) {
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[strings.ToUpper(s)] = true
	}
	for _, s := range p.symbols() {
		if len(want) > 0 && !want[s] {
			continue
		}
		if err := p.mark(ctx, s); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Order
	for _, id := range p.seq {
		o := p.orders[id]
		if len(want) > 0 && !want[o.Symbol] {
			continue
		}
		switch {
		case status == QueryOpen && !o.IsOpen():
			continue
		case status == QueryClosed && o.IsOpen():
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

func (p *PaperBroker) CancelOpenOrders(_ context.Context, symbol string) (int, error) {
	symbol = strings.ToUpper(symbol)
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, o := range p.orders {
		if o.Symbol == symbol && o.IsOpen() {
			o.Status = StatusCanceled
			n++
		}
	}
	return n, nil
}

func (p *PaperBroker) PositionQty(_ context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positions[strings.ToUpper(symbol)], nil
}

// mark fills resting sell orders of symbol that the current quote has reached.
// Stops are checked before limits. Orders larger than the remaining position
// are canceled.
func (p *PaperBroker) mark(ctx context.Context, symbol string) error {
	if !p.hasResting(symbol) {
		return nil
	}
	price, err := p.price(ctx, symbol)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, typ := range []OrderType{TypeStop, TypeLimit} {
		for _, id := range p.seq {
			o := p.orders[id]
			if o.Symbol != symbol || o.Type != typ || !o.IsOpen() {
				continue
			}
			// the sibling exit already sold the shares
			if o.Qty.GreaterThan(p.positions[symbol]) {
				o.Status = StatusCanceled
				continue
			}
			switch {
			case typ == TypeStop && price.LessThanOrEqual(o.StopPrice):
				p.fill(o, price)
			case typ == TypeLimit && price.GreaterThanOrEqual(o.LimitPrice):
				p.fill(o, o.LimitPrice)
			}
		}
	}
	return nil
}

func (p *PaperBroker) hasResting(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range p.orders {
		if o.Symbol == symbol && o.Type != TypeMarket && o.IsOpen() {
			return true
		}
	}
	return false
}

func (p *PaperBroker) symbols() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, o := range p.orders {
		if !seen[o.Symbol] {
			seen[o.Symbol] = true
			out = append(out, o.Symbol)
		}
	}
	sort.Strings(out)
	return out
}

func (p *PaperBroker) price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	price, err := p.quote(ctx, strings.ToUpper(symbol))
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote %s: %w", symbol, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("quote %s is %s: %w", symbol, price, ErrRejected)
	}
	return price, nil
}

func (p *PaperBroker) checkHeld(symbol string, qty decimal.Decimal) error {
	held := p.positions[strings.ToUpper(symbol)]
	if !qty.IsPositive() || qty.GreaterThan(held) {
		return fmt.Errorf("sell %s %s, holding %s: %w", qty, symbol, held, ErrRejected)
	}
	return nil
}

func (p *PaperBroker) newOrder(symbol string, side Side, typ OrderType) *Order {
	o := &Order{
		ID:            uuid.NewString(),
		ClientOrderID: uuid.NewString(),
		Symbol:        strings.ToUpper(symbol),
		Side:          side,
		Type:          typ,
		Status:        StatusNew,
		SubmittedAt:   p.now(),
	}
	p.orders[o.ID] = o
	p.seq = append(p.seq, o.ID)
	return o
}

func (p *PaperBroker) marketFill(o *Order, price decimal.Decimal) {
	p.fill(o, price)
	if p.FillDelay > 0 {
		p.pending[o.ID] = p.FillDelay
	}
}

func (p *PaperBroker) fill(o *Order, price decimal.Decimal) {
	now := p.now()
	o.FilledQty = o.Qty
	o.FilledAvgPrice = price
	o.FilledAt = &now
	o.Status = StatusFilled
	held := p.positions[o.Symbol]
	if o.Side == SideBuy {
		held = held.Add(o.Qty)
	} else {
		held = held.Sub(o.Qty)
	}
	if held.IsPositive() {
		p.positions[o.Symbol] = held
	} else {
		delete(p.positions, o.Symbol)
	}
	log.Debug().Str("ticker", o.Symbol).Str("order_id", o.ID).Str("side", string(o.Side)).
		Str("qty", o.Qty.String()).Str("price", price.String()).Msg("paper fill")
}

func (p *PaperBroker) copyOf(o *Order) *Order {
	c := *o
	return &c
}
