package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/kmokrejs/stock-alert/internal/model"
)

const alpacaDataURL = "https://data.alpaca.markets"

// AlpacaFetcher implements PriceFeed using the Alpaca market data REST API.
type AlpacaFetcher struct {
	BaseURL   string
	APIKey    string
	SecretKey string
	Feed      string // iex or sip
	Client    *http.Client
	limiter   *rate.Limiter
}

// NewAlpacaFetcher creates a new fetcher with optional proxy support.
func NewAlpacaFetcher(baseURL, apiKey, secretKey, feed, proxyURL string) *AlpacaFetcher {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	if baseURL == "" {
		baseURL = alpacaDataURL
	}
	if feed == "" {
		feed = "iex"
	}
	return &AlpacaFetcher{
		BaseURL:   baseURL,
		APIKey:    apiKey,
		SecretKey: secretKey,
		Feed:      feed,
		Client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		// free plan allows 200 requests per minute
		limiter: rate.NewLimiter(rate.Every(300*time.Millisecond), 1),
	}
}

func (f *AlpacaFetcher) Name() string { return "alpaca" }

// alpacaBar is the JSON shape of a bar in the Alpaca API.
type alpacaBar struct {
	Timestamp time.Time `json:"t"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    float64   `json:"v"`
}

type alpacaBarsPage struct {
	Bars          []alpacaBar `json:"bars"`
	NextPageToken *string     `json:"next_page_token"`
}

// GetBars fetches daily bars in [start, end], following pagination.
func (f *AlpacaFetcher) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]model.OHLCV, error) {
	var bars []model.OHLCV
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("timeframe", "1Day")
		q.Set("start", start.UTC().Format(time.RFC3339))
		q.Set("end", end.UTC().Format(time.RFC3339))
		q.Set("limit", "10000")
		q.Set("adjustment", "raw")
		q.Set("feed", f.Feed)
		if pageToken != "" {
			q.Set("page_token", pageToken)
		}
		endpoint := fmt.Sprintf("%s/v2/stocks/%s/bars?%s", f.BaseURL, url.PathEscape(symbol), q.Encode())

		page, err := f.fetchPage(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		for _, ab := range page.Bars {
			bars = append(bars, model.OHLCV{
				Time:   ab.Timestamp,
				Open:   ab.Open,
				High:   ab.High,
				Low:    ab.Low,
				Close:  ab.Close,
				Volume: ab.Volume,
			})
		}
		if page.NextPageToken == nil || *page.NextPageToken == "" {
			break
		}
		pageToken = *page.NextPageToken
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("alpaca %s: %w", symbol, ErrNoData)
	}
	return normalizeBars(bars), nil
}

func (f *AlpacaFetcher) fetchPage(ctx context.Context, endpoint string) (*alpacaBarsPage, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("APCA-API-KEY-ID", f.APIKey)
	req.Header.Set("APCA-API-SECRET-KEY", f.SecretKey)

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch bars: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("fetch bars: status %d, body: %s", resp.StatusCode, string(body))
	}
	var page alpacaBarsPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode bars: %w", err)
	}
	return &page, nil
}
