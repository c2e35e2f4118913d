package recorder

import "github.com/kmokrejs/stock-alert/internal/model"

// NoopRecorder is a no-op implementation used when SQLite is not configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) RecordAnalysis(_ *model.BatchReport) error { return nil }
func (n *NoopRecorder) RecordTrade(_ *TradeEvent) error { return nil }
func (n *NoopRecorder) RecordSession(_ *SessionEvent) error { return nil }
func (n *NoopRecorder) RecentTrades(_ int) ([]TradeEvent, error) { return nil, nil }
func (n *NoopRecorder) Close() error { return nil }
