// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Provider metrics
	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	ProviderRetries  *prometheus.CounterVec
	ChainFailovers   *prometheus.CounterVec

	// Risk metrics
	RiskAssessments  *prometheus.CounterVec
	RiskDegraded     *prometheus.CounterVec
	CacheLookups     *prometheus.CounterVec
	TokensExcluded   prometheus.Counter
	RiskLogFailures  prometheus.Counter
	SlippageCapped   prometheus.Counter
	UserOpStages     *prometheus.CounterVec
	UserOpWaitTime   prometheus.Histogram
	StatusChanges    *prometheus.CounterVec
	RewardsCredited  *prometheus.CounterVec
	LastConfirmation prometheus.Gauge

	// HTTP API metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance registered on reg.
// A nil reg registers on the default registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "dustsweep"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ProviderRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Outbound provider requests by provider and outcome",
		}, []string{"provider", "outcome"}),
		ProviderLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "request_latency_seconds",
			Help:      "Outbound provider request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "op"}),
		ProviderRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "retries_total",
			Help:      "Retried provider requests",
		}, []string{"provider"}),
		ChainFailovers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "failovers_total",
			Help:      "Times the current node provider moved, by new provider",
		}, []string{"provider"}),

		RiskAssessments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "assessments_total",
			Help:      "Fresh risk assessments by classification",
		}, []string{"classification"}),
		RiskDegraded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "provider_unavailable_total",
			Help:      "Assessments that used a neutral value for a failed provider",
		}, []string{"provider"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "cache_lookups_total",
			Help:      "Risk cache lookups by result",
		}, []string{"result"}),
		TokensExcluded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "tokens_excluded_total",
			Help:      "Tokens dropped from a consolidation by the risk filter",
		}),
		RiskLogFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "log_write_failures_total",
			Help:      "Failed writes to the risk assessment log",
		}),

		SlippageCapped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "slippage_capped_total",
			Help:      "Swap builds whose requested slippage exceeded the ceiling",
		}),

		UserOpStages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "userop",
			Name:      "stages_total",
			Help:      "UserOperation lifecycle stages by outcome",
		}, []string{"stage", "outcome"}),
		UserOpWaitTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "userop",
			Name:      "receipt_wait_seconds",
			Help:      "Time from submit to receipt",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 45, 60},
		}),

		StatusChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consolidation",
			Name:      "status_changes_total",
			Help:      "Consolidation status transitions",
		}, []string{"from", "to"}),
		RewardsCredited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consolidation",
			Name:      "rewards_total",
			Help:      "Reward credits by outcome",
		}, []string{"outcome"}),
		LastConfirmation: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_confirmation_timestamp",
			Help:      "Unix timestamp of the last confirmed consolidation",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "API requests by route and status code",
		}, []string{"route", "code"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "API request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"route"}),

		DBQueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordProviderCall records one outbound request.
func (m *Metrics) RecordProviderCall(provider, op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(provider, outcome(err)).Inc()
	m.ProviderLatency.WithLabelValues(provider, op).Observe(d.Seconds())
}

// RecordRetry counts a retried request.
func (m *Metrics) RecordRetry(provider string) {
	if m == nil {
		return
	}
	m.ProviderRetries.WithLabelValues(provider).Inc()
}

// RecordFailover counts a move of the current node provider.
func (m *Metrics) RecordFailover(provider string) {
	if m == nil {
		return
	}
	m.ChainFailovers.WithLabelValues(provider).Inc()
}

// RecordAssessment counts a fresh assessment and each degraded provider.
func (m *Metrics) RecordAssessment(classification string, degraded []string) {
	if m == nil {
		return
	}
	m.RiskAssessments.WithLabelValues(classification).Inc()
	for _, p := range degraded {
		m.RiskDegraded.WithLabelValues(p).Inc()
	}
}

// RecordCacheLookup counts a cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.CacheLookups.WithLabelValues("miss").Inc()
}

// RecordExcluded counts tokens dropped by the risk filter.
func (m *Metrics) RecordExcluded(n int) {
	if m == nil {
		return
	}
	m.TokensExcluded.Add(float64(n))
}

// RecordRiskLogFailure counts a failed risk log write.
func (m *Metrics) RecordRiskLogFailure() {
	if m == nil {
		return
	}
	m.RiskLogFailures.Inc()
}

// RecordSlippageCapped counts a capped slippage request.
func (m *Metrics) RecordSlippageCapped() {
	if m == nil {
		return
	}
	m.SlippageCapped.Inc()
}

// RecordUserOpStage records a lifecycle stage outcome.
func (m *Metrics) RecordUserOpStage(stage string, err error) {
	if m == nil {
		return
	}
	m.UserOpStages.WithLabelValues(stage, outcome(err)).Inc()
}

// RecordReceiptWait records time spent waiting for a receipt.
func (m *Metrics) RecordReceiptWait(d time.Duration) {
	if m == nil {
		return
	}
	m.UserOpWaitTime.Observe(d.Seconds())
}

// RecordStatusChange records a consolidation status transition.
func (m *Metrics) RecordStatusChange(from, to string) {
	if m == nil {
		return
	}
	m.StatusChanges.WithLabelValues(from, to).Inc()
	if to == "confirmed" {
		m.LastConfirmation.SetToCurrentTime()
	}
}

// RecordReward records a reward credit attempt.
func (m *Metrics) RecordReward(err error) {
	if m == nil {
		return
	}
	m.RewardsCredited.WithLabelValues(outcome(err)).Inc()
}

// RecordHTTP records one API request.
func (m *Metrics) RecordHTTP(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(d.Seconds())
}

// RecordDBQuery records database query metrics.
func (m *Metrics) RecordDBQuery(database, operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(database, operation).Observe(d.Seconds())
	if err != nil {
		m.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
