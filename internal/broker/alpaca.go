package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const alpacaPaperURL = "https://paper-api.alpaca.markets"

// AlpacaBroker implements Broker with the Alpaca trading REST API.
type AlpacaBroker struct {
	BaseURL   string
	APIKey    string
	SecretKey string
	Client    *http.Client
	limiter   *rate.Limiter
}

// NewAlpacaBroker creates a trading client. An empty baseURL selects the
// paper trading endpoint.
func NewAlpacaBroker(baseURL, apiKey, secretKey, proxyURL string) *AlpacaBroker {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	if baseURL == "" {
		baseURL = alpacaPaperURL
	}
	return &AlpacaBroker{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		APIKey:    apiKey,
		SecretKey: secretKey,
		Client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		limiter: rate.NewLimiter(rate.Every(300*time.Millisecond), 1),
	}
}

type alpacaOrderRequest struct {
	Symbol        string           `json:"symbol"`
	Qty           *decimal.Decimal `json:"qty,omitempty"`
	Notional      *decimal.Decimal `json:"notional,omitempty"`
	Side          Side             `json:"side"`
	Type          OrderType        `json:"type"`
	TimeInForce   string           `json:"time_in_force"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice     *decimal.Decimal `json:"stop_price,omitempty"`
	ClientOrderID string           `json:"client_order_id"`
}

type alpacaOrder struct {
	ID             string          `json:"id"`
	ClientOrderID  string          `json:"client_order_id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"type"`
	Qty            decimal.Decimal `json:"qty"`
	Notional       decimal.Decimal `json:"notional"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	StopPrice      decimal.Decimal `json:"stop_price"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
	Status         OrderStatus     `json:"status"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	FilledAt       *time.Time      `json:"filled_at"`
}

func (a alpacaOrder) order() Order {
	return Order(a)
}

func (b *AlpacaBroker) SubmitMarketBuy(ctx context.Context, symbol string, notional decimal.Decimal) (*Order, error) {
	// fractional orders must be DAY orders
	return b.submit(ctx, alpacaOrderRequest{
		Symbol: symbol, Notional: &notional, Side: SideBuy, Type: TypeMarket, TimeInForce: "day",
	})
}

func (b *AlpacaBroker) SubmitMarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (*Order, error) {
	return b.submit(ctx, alpacaOrderRequest{
		Symbol: symbol, Qty: &qty, Side: SideSell, Type: TypeMarket, TimeInForce: timeInForce(qty),
	})
}

func (b *AlpacaBroker) SubmitLimitSell(ctx context.Context, symbol string, qty, limit decimal.Decimal) (*Order, error) {
	return b.submit(ctx, alpacaOrderRequest{
		Symbol: symbol, Qty: &qty, Side: SideSell, Type: TypeLimit, TimeInForce: timeInForce(qty), LimitPrice: &limit,
	})
}

func (b *AlpacaBroker) SubmitStopSell(ctx context.Context, symbol string, qty, stop decimal.Decimal) (*Order, error) {
	return b.submit(ctx, alpacaOrderRequest{
		Symbol: symbol, Qty: &qty, Side: SideSell, Type: TypeStop, TimeInForce: timeInForce(qty), StopPrice: &stop,
	})
}

// timeInForce keeps whole-share orders GTC and fractional ones DAY.
func timeInForce(qty decimal.Decimal) string {
	if qty.IsInteger() {
		return "gtc"
	}
	return "day"
}

func (b *AlpacaBroker) submit(ctx context.Context, req alpacaOrderRequest) (*Order, error) {
	req.Symbol = strings.ToUpper(req.Symbol)
	req.ClientOrderID = uuid.NewString()
	var out alpacaOrder
	if err := b.do(ctx, http.MethodPost, "/v2/orders", req, &out); err != nil {
		return nil, fmt.Errorf("submit %s %s %s: %w", req.Side, req.Type, req.Symbol, err)
	}
	log.Info().Str("ticker", out.Symbol).Str("order_id", out.ID).Str("side", string(out.Side)).
		Str("type", string(out.Type)).Msg("order submitted")
	o := out.order()
	return &o, nil
}

func (b *AlpacaBroker) GetOrder(ctx context.Context, id string) (*Order, error) {
	var out alpacaOrder
	if err := b.do(ctx, http.MethodGet, "/v2/orders/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	o := out.order()
	return &o, nil
}

func (b *AlpacaBroker) ListOrders(ctx context.Context, status QueryStatus, symbols []string) ([]Order, error) {
	q := url.Values{}
	q.Set("status", string(status))
	q.Set("limit", "500")
	if len(symbols) > 0 {
		q.Set("symbols", strings.ToUpper(strings.Join(symbols, ",")))
	}
	var out []alpacaOrder
	if err := b.do(ctx, http.MethodGet, "/v2/orders?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	orders := make([]Order, len(out))
	for i, o := range out {
		orders[i] = o.order()
	}
	return orders, nil
}

func (b *AlpacaBroker) CancelOpenOrders(ctx context.Context, symbol string) (int, error) {
	open, err := b.ListOrders(ctx, QueryOpen, []string{symbol})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range open {
		if err := b.do(ctx, http.MethodDelete, "/v2/orders/"+url.PathEscape(o.ID), nil, nil); err != nil {
			log.Error().Err(err).Str("ticker", symbol).Str("order_id", o.ID).Msg("cancel order failed")
			continue
		}
		log.Info().Str("ticker", symbol).Str("order_id", o.ID).Msg("order canceled")
		n++
	}
	return n, nil
}

func (b *AlpacaBroker) PositionQty(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var out struct {
		Qty decimal.Decimal `json:"qty"`
	}
	err := b.do(ctx, http.MethodGet, "/v2/positions/"+url.PathEscape(strings.ToUpper(symbol)), nil, &out)
	if err != nil {
		if isNotFound(err) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("position %s: %w", symbol, err)
	}
	return out.Qty, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("alpaca: status %d, body: %s", e.code, e.body)
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}

func (b *AlpacaBroker) do(ctx context.Context, method, path string, in, out any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("APCA-API-KEY-ID", b.APIKey)
	req.Header.Set("APCA-API-SECRET-KEY", b.SecretKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.Client.Do(req)
	if err != nil {
		return fmt.Errorf("alpaca request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("alpaca read body: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrRejected, strings.TrimSpace(string(respBody)))
	case resp.StatusCode >= 300:
		return &statusError{code: resp.StatusCode, body: string(respBody)}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("alpaca decode: %w", err)
	}
	return nil
}
