package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "listen_engine"

// Evaluation results recorded by RecordEvaluation.
const (
	ResultCompleted   = "completed"
	ResultPending     = "pending"
	ResultFailed      = "failed"
	ResultError       = "error"
	ResultInterrupted = "interrupted"
	ResultSkipped     = "skipped"
)

// Metrics groups the engine's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	priceUpdates        prometheus.Counter
	priceUpdateDuration prometheus.Histogram
	pending             prometheus.Gauge
	evaluations         *prometheus.CounterVec
	transactions        *prometheus.CounterVec
	indexed             prometheus.Gauge
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		priceUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_updates_processed_total",
			Help:      "Price ticks handled by the dispatch loop.",
		}),
		priceUpdateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "price_update_duration_seconds",
			Help:      "Time spent dispatching a single price tick.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_evaluations",
			Help:      "Pipeline evaluations currently in flight.",
		}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_evaluations_total",
			Help:      "Pipeline evaluations by outcome.",
		}, []string{"result"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Transactions submitted to custody by source chain and outcome.",
		}, []string{"chain", "result"}),
		indexed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "indexed_pipelines",
			Help:      "Distinct pipelines present in the asset index.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Command API requests by route, method and status.",
		}, []string{"handler", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Command API request latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.priceUpdates,
			m.priceUpdateDuration,
			m.pending,
			m.evaluations,
			m.transactions,
			m.indexed,
			m.httpRequests,
			m.httpDuration,
		)
	}
	return m
}

// ObservePriceUpdate counts one processed tick and records its dispatch latency.
func (m *Metrics) ObservePriceUpdate(d time.Duration) {
	if m == nil {
		return
	}
	m.priceUpdates.Inc()
	m.priceUpdateDuration.Observe(d.Seconds())
}

// SetPending sets the in-flight evaluation gauge.
func (m *Metrics) SetPending(n int64) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// RecordEvaluation counts one finished evaluation unit.
func (m *Metrics) RecordEvaluation(result string) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(result).Inc()
}

// RecordTransaction counts one custody submission.
func (m *Metrics) RecordTransaction(chain string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.transactions.WithLabelValues(chain, result).Inc()
}

// SetIndexed sets the indexed pipelines gauge.
func (m *Metrics) SetIndexed(n int) {
	if m == nil {
		return
	}
	m.indexed.Set(float64(n))
}

// ObserveHTTPRequest records one API request.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(handler, method).Observe(d.Seconds())
}
