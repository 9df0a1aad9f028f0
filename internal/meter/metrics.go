package meter

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine
type Metrics struct {
	// Counters
	EventsTotal         prometheus.CounterVec
	SessionsOpenedTotal prometheus.Counter
	SessionsClosedTotal prometheus.Counter
	BudgetWarningsTotal prometheus.Counter
	ErrorsTotal         prometheus.CounterVec

	// Gauges
	FeedClientsActive prometheus.Gauge

	// Histograms
	SummaryBuildDuration prometheus.Histogram
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// InitMetrics initializes global Prometheus metrics
func InitMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			EventsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentmeter_events_total",
					Help: "Total events recorded",
				},
				[]string{"kind"},
			),
			SessionsOpenedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "agentmeter_sessions_opened_total",
					Help: "Total sessions opened",
				},
			),
			SessionsClosedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "agentmeter_sessions_closed_total",
					Help: "Total sessions closed",
				},
			),
			BudgetWarningsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "agentmeter_budget_warnings_total",
					Help: "Total budget threshold warnings raised",
				},
			),
			ErrorsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentmeter_errors_total",
					Help: "Total errors by component",
				},
				[]string{"component", "type"},
			),
			FeedClientsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "agentmeter_feed_clients_active",
					Help: "Current live feed subscribers",
				},
			),
			SummaryBuildDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agentmeter_summary_build_duration_seconds",
					Help:    "Session summary build duration",
					Buckets: prometheus.DefBuckets,
				},
			),
		}
	})
	return globalMetrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	if globalMetrics == nil {
		return InitMetrics()
	}
	return globalMetrics
}

// RecordEvent records one stored event
func (m *Metrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind).Inc()
}

// RecordSessionOpened records a session open
func (m *Metrics) RecordSessionOpened() {
	if m == nil {
		return
	}
	m.SessionsOpenedTotal.Inc()
}

// RecordSessionClosed records a session close
func (m *Metrics) RecordSessionClosed() {
	if m == nil {
		return
	}
	m.SessionsClosedTotal.Inc()
}

// RecordBudgetWarning records a raised budget warning
func (m *Metrics) RecordBudgetWarning() {
	if m == nil {
		return
	}
	m.BudgetWarningsTotal.Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(component string, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// SetFeedClients sets the current live feed subscriber count
func (m *Metrics) SetFeedClients(count int64) {
	if m == nil {
		return
	}
	m.FeedClientsActive.Set(float64(count))
}

// RecordSummaryDuration records how long a summary build took
func (m *Metrics) RecordSummaryDuration(seconds float64) {
	if m == nil {
		return
	}
	m.SummaryBuildDuration.Observe(seconds)
}
