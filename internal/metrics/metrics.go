package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exposes session, analysis and order metrics. A nil *Recorder
// records nothing.
type Recorder struct {
	reg           *prometheus.Registry
	analyzed      *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	orders        *prometheus.CounterVec
	openPositions prometheus.Gauge
	latency       *prometheus.HistogramVec
	lastSession   prometheus.Gauge
}

// New creates a recorder on its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		reg: reg,
		analyzed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockalert_tickers_analyzed_total",
				Help: "Tickers analyzed, by recommendation tier",
			},
			[]string{"tier"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockalert_errors_total",
				Help: "Errors encountered, by kind",
			},
			[]string{"kind"},
		),
		orders: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockalert_orders_total",
				Help: "Broker orders, by side and outcome",
			},
			[]string{"side", "outcome"},
		),
		openPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stockalert_open_positions",
			Help: "Open positions in the ledger after the last session",
		}),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stockalert_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		lastSession: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stockalert_last_session_timestamp_seconds",
			Help: "Unix time the last session finished",
		}),
	}
}

// RecordAnalyzed counts one analyzed ticker.
func (r *Recorder) RecordAnalyzed(tier string) {
	if r == nil {
		return
	}
	r.analyzed.WithLabelValues(tier).Inc()
}

// RecordError counts one error of kind (fetch, indicators, broker, notify, ...).
func (r *Recorder) RecordError(kind string) {
	if r == nil {
		return
	}
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordOrder counts one order attempt.
func (r *Recorder) RecordOrder(side, outcome string) {
	if r == nil {
		return
	}
	r.orders.WithLabelValues(side, outcome).Inc()
}

// SetOpenPositions records the ledger size.
func (r *Recorder) SetOpenPositions(n int) {
	if r == nil {
		return
	}
	r.openPositions.Set(float64(n))
}

// RecordLatency records how long op took.
func (r *Recorder) RecordLatency(op string, d time.Duration) {
	if r == nil {
		return
	}
	r.latency.WithLabelValues(op).Observe(d.Seconds())
}

// SessionFinished stamps the end of a trading session.
func (r *Recorder) SessionFinished(at time.Time) {
	if r == nil {
		return
	}
	r.lastSession.Set(float64(at.Unix()))
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for inspection.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.reg
}
