package calculator

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/kmokrejs/stock-alert/internal/model"
)

func f(v float64) *float64 { return &v }

func barsFromCloses(closes []float64) []model.OHLCV {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]model.OHLCV, len(closes))
	for i, c := range closes {
		bars[i] = model.OHLCV{Time: start.AddDate(0, 0, i), Open: c, High: c, Low: c, Close: c, Volume: 1000}
	}
	return bars
}

func TestRSISeries_NotReadyBeforeWindow(t *testing.T) {
	closes := []float64{10, 11, 12, 11, 10, 12, 13, 14, 13, 12, 11, 12, 13}
	series := RSISeries(closes, 14)
	for i, v := range series {
		if v != nil {
			t.Fatalf("index %d: expected nil RSI with %d bars, got %.2f", i, len(closes), *v)
		}
	}
	if _, err := CalculateRSI(closes, 14); err != ErrNotReady {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestRSISeries_ConstantSeriesIs100(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 42
	}
	series := RSISeries(closes, 14)
	for i := 13; i < len(series); i++ {
		if series[i] == nil {
			t.Fatalf("index %d: expected ready RSI", i)
		}
		if *series[i] != 100 {
			t.Errorf("index %d: expected RSI 100, got %v", i, *series[i])
		}
	}
}

func TestRSISeries_KnownValues(t *testing.T) {
	// alpha = 0.5: avg gain/loss go (0,0) -> (0.5,0) -> (0.25,0.5)
	series := RSISeries([]float64{10, 11, 10}, 2)
	if series[0] != nil {
		t.Fatalf("expected first bar not ready")
	}
	if series[1] == nil || *series[1] != 100 {
		t.Fatalf("expected RSI 100 at bar 1, got %v", series[1])
	}
	want := 100 - 100/1.5
	if series[2] == nil || math.Abs(*series[2]-want) > 1e-9 {
		t.Errorf("expected RSI %.4f at bar 2, got %v", want, series[2])
	}
}

func TestRSISeries_AlwaysInRange(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	closes := make([]float64, 500)
	price := 100.0
	for i := range closes {
		price *= 1 + (rng.Float64()-0.5)*0.08
		closes[i] = price
	}
	for i, v := range RSISeries(closes, 14) {
		if v == nil {
			continue
		}
		if math.IsNaN(*v) || *v < 0 || *v > 100 {
			t.Fatalf("index %d: RSI out of range: %v", i, *v)
		}
	}
}

func TestStochRSISeries(t *testing.T) {
	rsi := []*float64{nil, f(10), f(20), f(30), f(20)}
	srsi := StochRSISeries(rsi, 3)
	for i := 0; i < 3; i++ {
		if srsi[i] != nil {
			t.Errorf("index %d: expected nil, got %v", i, *srsi[i])
		}
	}
	if srsi[3] == nil || *srsi[3] != 100 {
		t.Errorf("index 3: expected 100, got %v", srsi[3])
	}
	if srsi[4] == nil || *srsi[4] != 0 {
		t.Errorf("index 4: expected 0, got %v", srsi[4])
	}
}

func TestStochRSISeries_FlatWindowIsAbsent(t *testing.T) {
	srsi := StochRSISeries([]*float64{f(50), f(50), f(50), f(50)}, 3)
	for i, v := range srsi {
		if v != nil {
			t.Errorf("index %d: expected nil for flat RSI, got %v", i, *v)
		}
	}
}

func TestSMASeries(t *testing.T) {
	series := SMASeries([]float64{1, 2, 3, 4, 5}, 3)
	want := []*float64{nil, nil, f(2), f(3), f(4)}
	for i := range want {
		switch {
		case want[i] == nil && series[i] != nil:
			t.Errorf("index %d: expected nil, got %v", i, *series[i])
		case want[i] != nil && (series[i] == nil || *series[i] != *want[i]):
			t.Errorf("index %d: expected %v, got %v", i, *want[i], series[i])
		}
	}
	if _, err := CalculateSMA([]float64{1, 2}, 3); err == nil {
		t.Error("expected error for short SMA input")
	}
}

func TestEngineSnapshot_ShortHistory(t *testing.T) {
	e := NewEngine(0, 0, 0, 0)
	snap, err := e.Snapshot(barsFromCloses([]float64{10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.RSI == nil {
		t.Error("expected RSI ready with 20 bars")
	}
	if snap.SRSI != nil {
		t.Error("expected SRSI absent: rising series has a flat RSI window")
	}
	if snap.MA20 == nil || *snap.MA20 != 19.5 {
		t.Errorf("expected MA20 19.5, got %v", snap.MA20)
	}
	if snap.MA50 != nil {
		t.Error("expected MA50 absent with 20 bars")
	}
	if snap.Close != 29 {
		t.Errorf("expected close 29, got %v", snap.Close)
	}
}

func TestEngineSnapshot_Deterministic(t *testing.T) {
	closes := make([]float64, 120)
	for i := range closes {
		closes[i] = 100 + 10*math.Sin(float64(i)/5)
	}
	e := NewEngine(14, 14, 20, 50)
	a, _ := e.Snapshot(barsFromCloses(closes))
	b, _ := e.Snapshot(barsFromCloses(closes))
	if !a.Ready() || a.MA50 == nil {
		t.Fatal("expected all indicators ready with 120 bars")
	}
	if *a.RSI != *b.RSI || *a.SRSI != *b.SRSI || *a.MA20 != *b.MA20 || *a.MA50 != *b.MA50 {
		t.Error("snapshot is not deterministic")
	}
	if *a.SRSI < 0 || *a.SRSI > 100 {
		t.Errorf("SRSI out of range: %v", *a.SRSI)
	}
}

func TestEngineSnapshot_NoBars(t *testing.T) {
	if _, err := NewEngine(14, 14, 20, 50).Snapshot(nil); err == nil {
		t.Error("expected error for empty bars")
	}
}
