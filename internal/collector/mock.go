package collector

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/kmokrejs/stock-alert/internal/model"
)

// MockFetcher returns controllable fixed data for development and testing.
type MockFetcher struct {
	mu    sync.Mutex
	Bars  map[string][]model.OHLCV
	PE    map[string]float64
	Err   map[string]error
	Calls map[string]int
}

// NewMockFetcher creates an empty mock feed.
func NewMockFetcher() *MockFetcher {
	return &MockFetcher{
		Bars:  make(map[string][]model.OHLCV),
		PE:    make(map[string]float64),
		Err:   make(map[string]error),
		Calls: make(map[string]int),
	}
}

func (m *MockFetcher) Name() string { return "mock" }

// SetCloses installs one daily bar per close ending at end.
func (m *MockFetcher) SetCloses(symbol string, end time.Time, closes []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Bars[strings.ToUpper(symbol)] = GenerateBars(end, closes)
}

func (m *MockFetcher) GetBars(_ context.Context, symbol string, start, end time.Time) ([]model.OHLCV, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	m.Calls[symbol]++
	if err, ok := m.Err[symbol]; ok {
		return nil, err
	}
	var out []model.OHLCV
	for _, b := range m.Bars[symbol] {
		if b.Time.Before(model.Day(start)) || b.Time.After(end) {
			continue
		}
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("mock %s: %w", symbol, ErrNoData)
	}
	return out, nil
}

func (m *MockFetcher) TrailingPE(_ context.Context, symbol string) (*float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pe, ok := m.PE[strings.ToUpper(symbol)]; ok {
		return &pe, nil
	}
	return nil, nil
}

// GenerateBars builds consecutive daily bars from closes, the last one on end.
func GenerateBars(end time.Time, closes []float64) []model.OHLCV {
	end = model.Day(end)
	bars := make([]model.OHLCV, len(closes))
	for i, c := range closes {
		bars[i] = model.OHLCV{
			Time:   end.AddDate(0, 0, -(len(closes) - 1 - i)),
			Open:   c * 0.999,
			High:   c * 1.005,
			Low:    c * 0.995,
			Close:  c,
			Volume: 1000000,
		}
	}
	return bars
}

// Seed installs a deterministic 250-day series for each symbol so the tool
// can run without network access.
func (m *MockFetcher) Seed(symbols []string, end time.Time) {
	for i, s := range symbols {
		closes := make([]float64, 250)
		for j := range closes {
			phase := float64(j+7*i) / 9
			closes[j] = 100 + 10*float64(i%5) + 15*math.Sin(phase) + 0.05*float64(j)
		}
		m.SetCloses(s, end, closes)
	}
}
