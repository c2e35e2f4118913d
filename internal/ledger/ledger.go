package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kmokrejs/stock-alert/internal/model"
)

// Store persists the full position history.
type Store interface {
	Load(ctx context.Context) ([]model.Position, error)
	Save(ctx context.Context, positions []model.Position) error
}

// Ledger is the append-only history of positions. At most one position per
// ticker is open; a read-modify-write for a ticker holds that ticker's lock.
type Ledger struct {
	store Store

	mu        sync.Mutex // guards positions and applied
	positions []*model.Position
	applied   map[string]bool

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates an empty ledger backed by store.
func New(store Store) *Ledger {
	return &Ledger{
		store:   store,
		applied: make(map[string]bool),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Load replaces the in-memory ledger with the stored history.
func (l *Ledger) Load(ctx context.Context) error {
	positions, err := l.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	open := make(map[string]bool)
	loaded := make([]*model.Position, 0, len(positions))
	for i := range positions {
		p := positions[i]
		p.Ticker = normalize(p.Ticker)
		if p.IsOpen() {
			if open[p.Ticker] {
				return fmt.Errorf("load ledger: %w: %s has more than one open position", ErrInvalidState, p.Ticker)
			}
			open[p.Ticker] = true
		}
		loaded = append(loaded, &p)
	}

	l.mu.Lock()
	l.positions = loaded
	l.mu.Unlock()
	log.Info().Int("positions", len(loaded)).Int("open", len(open)).Msg("ledger loaded")
	return nil
}

// Save writes the full history to the store.
func (l *Ledger) Save(ctx context.Context) error {
	if err := l.store.Save(ctx, l.All()); err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	return nil
}

// Open records a new open position for ticker from the entry snapshot.
func (l *Ledger) Open(ticker string, snap model.IndicatorSnapshot) (model.Position, error) {
	return l.OpenFunc(ticker, snap, nil)
}

// OpenFunc is Open with a confirmation step run under the ticker lock. The
// position is recorded only when confirm returns nil, so a rejected order
// leaves no trace in the ledger. confirm may stamp the entry fill on pos.
func (l *Ledger) OpenFunc(ticker string, snap model.IndicatorSnapshot, confirm func(pos *model.Position) error) (model.Position, error) {
	ticker = normalize(ticker)
	snap.Date = model.Day(snap.Date)
	unlock := l.lockTicker(ticker)
	defer unlock()

	if existing, ok := l.findOpen(ticker); ok {
		return model.Position{}, &AlreadyOpenError{Ticker: ticker, Since: existing.EntryDate}
	}
	if l.hasEntry(ticker, snap.Date) {
		return model.Position{}, fmt.Errorf("%w: %s already traded on %s", ErrInvalidState, ticker, snap.Date.Format("2006-01-02"))
	}

	pos := model.Position{
		Ticker:     ticker,
		EntryDate:  snap.Date,
		EntryPrice: snap.Close,
		EntryRSI:   snap.RSI,
		EntrySRSI:  snap.SRSI,
		EntryMA20:  snap.MA20,
		Status:     model.StatusOpen,
	}
	if confirm != nil {
		if err := confirm(&pos); err != nil {
			return model.Position{}, err
		}
	}

	l.mu.Lock()
	l.positions = append(l.positions, &pos)
	l.mu.Unlock()
	log.Info().Str("ticker", ticker).Float64("entry_price", pos.EntryPrice).Msg("position opened")
	return pos, nil
}

// Close closes the open position of ticker at exitPrice.
func (l *Ledger) Close(ticker string, exitPrice float64, reason model.ExitReason, at time.Time) (model.Position, error) {
	return l.CloseFunc(ticker, reason, at, func(model.Position) (float64, error) { return exitPrice, nil })
}

// CloseFunc closes the open position of ticker with the price returned by
// execute, which runs under the ticker lock. An error from execute leaves the
// position open.
func (l *Ledger) CloseFunc(ticker string, reason model.ExitReason, at time.Time, execute func(model.Position) (float64, error)) (model.Position, error) {
	ticker = normalize(ticker)
	unlock := l.lockTicker(ticker)
	defer unlock()

	pos, ok := l.findOpen(ticker)
	if !ok {
		return model.Position{}, &NotOpenError{Ticker: ticker}
	}
	exitPrice, err := execute(*pos)
	if err != nil {
		return model.Position{}, err
	}
	return l.closeLocked(pos, exitPrice, reason, at), nil
}

// Reconcile closes open positions matching confirmed sell fills. Fills that
// do not execute after the entry of the open position, fills already applied
// and fills for tickers without an open position are ignored, so applying the
// same list twice is a no-op. It returns the positions closed by this call.
func (l *Ledger) Reconcile(fills []model.Fill) []model.Position {
	var closed []model.Position
	for _, fill := range fills {
		if !strings.EqualFold(fill.Side, "sell") {
			continue
		}
		ticker := normalize(fill.Ticker)
		unlock := l.lockTicker(ticker)

		l.mu.Lock()
		seen := fill.OrderID != "" && l.applied[fill.OrderID]
		l.mu.Unlock()

		pos, ok := l.findOpen(ticker)
		if !seen && ok && pos.AcceptsFill(fill.FilledAt) {
			closed = append(closed, l.closeLocked(pos, fill.Price, model.ExitBrokerFill, fill.FilledAt))
		}
		if fill.OrderID != "" {
			l.mu.Lock()
			l.applied[fill.OrderID] = true
			l.mu.Unlock()
		}
		unlock()
	}
	return closed
}

// MarkApplied records orderID as already reflected in the ledger, so a later
// Reconcile skips its fill.
func (l *Ledger) MarkApplied(orderID string) {
	if orderID == "" {
		return
	}
	l.mu.Lock()
	l.applied[orderID] = true
	l.mu.Unlock()
}

// GetOpen returns all open positions ordered by ticker.
func (l *Ledger) GetOpen() []model.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.Position
	for _, p := range l.positions {
		if p.IsOpen() {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

// OpenPosition returns the open position of ticker, if any.
func (l *Ledger) OpenPosition(ticker string) (model.Position, bool) {
	pos, ok := l.findOpen(normalize(ticker))
	if !ok {
		return model.Position{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return *pos, true
}

// All returns the full history in insertion order.
func (l *Ledger) All() []model.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Position, len(l.positions))
	for i, p := range l.positions {
		out[i] = *p
	}
	return out
}

// closeLocked must be called with the ticker lock held.
func (l *Ledger) closeLocked(pos *model.Position, exitPrice float64, reason model.ExitReason, at time.Time) model.Position {
	gain := model.GainLoss(pos.EntryPrice, exitPrice)

	l.mu.Lock()
	pos.Status = model.StatusClosed
	pos.ExitPrice = &exitPrice
	pos.GainLossPct = &gain
	pos.ExitReason = reason
	pos.ExitDate = &at
	out := *pos
	l.mu.Unlock()

	log.Info().Str("ticker", pos.Ticker).Float64("exit_price", exitPrice).
		Float64("gain_loss_pct", gain).Str("reason", string(reason)).Msg("position closed")
	return out
}

func (l *Ledger) findOpen(ticker string) (*model.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.positions {
		if p.Ticker == ticker && p.IsOpen() {
			return p, true
		}
	}
	return nil, false
}

func (l *Ledger) hasEntry(ticker string, date time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.positions {
		if p.Ticker == ticker && p.EntryDate.Equal(date) {
			return true
		}
	}
	return false
}

func (l *Ledger) lockTicker(ticker string) func() {
	l.locksMu.Lock()
	m, ok := l.locks[ticker]
	if !ok {
		m = &sync.Mutex{}
		l.locks[ticker] = m
	}
	l.locksMu.Unlock()
	m.Lock()
	return m.Unlock
}

func normalize(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}
