package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	lendingMetricsOnce sync.Once
	lendingRegistry    *LendingMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "oxylend",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "oxylend",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "oxylend",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "oxylend",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of module requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" or
// "quota_exceeded" so dashboards and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// LendingMetrics bundles collectors tracking pool health and ledger activity.
type LendingMetrics struct {
	operations    *prometheus.CounterVec
	liquidations  *prometheus.CounterVec
	poolSupplied  *prometheus.GaugeVec
	poolBorrowed  *prometheus.GaugeVec
	poolReserves  *prometheus.GaugeVec
	utilisation   *prometheus.GaugeVec
	borrowRate    *prometheus.GaugeVec
	staleRejected *prometheus.CounterVec
}

// Lending returns the singleton metrics registry for the lending engine.
func Lending() *LendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "oxylend",
				Subsystem: "lending",
				Name:      "operations_total",
				Help:      "Count of ledger operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "oxylend",
				Subsystem: "lending",
				Name:      "liquidations_total",
				Help:      "Count of liquidation attempts segmented by debt pool and outcome.",
			}, []string{"pool", "outcome"}),
			poolSupplied: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "oxylend",
				Subsystem: "lending",
				Name:      "pool_supplied",
				Help:      "Total supplied amount per pool in native units.",
			}, []string{"pool"}),
			poolBorrowed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "oxylend",
				Subsystem: "lending",
				Name:      "pool_borrowed",
				Help:      "Outstanding borrowed amount per pool in native units.",
			}, []string{"pool"}),
			poolReserves: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "oxylend",
				Subsystem: "lending",
				Name:      "pool_reserves",
				Help:      "Accumulated reserve-factor interest per pool in native units.",
			}, []string{"pool"}),
			utilisation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "oxylend",
				Subsystem: "lending",
				Name:      "pool_utilisation",
				Help:      "Fraction of supplied funds currently borrowed (0-1).",
			}, []string{"pool"}),
			borrowRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "oxylend",
				Subsystem: "lending",
				Name:      "pool_borrow_rate",
				Help:      "Annualised borrow rate at the pool's current utilisation.",
			}, []string{"pool"}),
			staleRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "oxylend",
				Subsystem: "lending",
				Name:      "stale_price_rejections_total",
				Help:      "Count of risk-gated operations rejected on stale oracle data.",
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			lendingRegistry.operations,
			lendingRegistry.liquidations,
			lendingRegistry.poolSupplied,
			lendingRegistry.poolBorrowed,
			lendingRegistry.poolReserves,
			lendingRegistry.utilisation,
			lendingRegistry.borrowRate,
			lendingRegistry.staleRejected,
		)
	})
	return lendingRegistry
}

// RecordOperation counts one ledger operation and its outcome.
func (m *LendingMetrics) RecordOperation(operation string, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

// RecordLiquidation counts a liquidation attempt against the debt pool.
func (m *LendingMetrics) RecordLiquidation(pool string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.liquidations.WithLabelValues(labelAsset(pool), outcome).Inc()
}

// RecordPool refreshes the per-pool gauges from a snapshot.
func (m *LendingMetrics) RecordPool(pool string, supplied, borrowed, reserves *big.Int, utilisation, borrowRate *big.Rat) {
	if m == nil {
		return
	}
	label := labelAsset(pool)
	m.poolSupplied.WithLabelValues(label).Set(bigToFloat(supplied))
	m.poolBorrowed.WithLabelValues(label).Set(bigToFloat(borrowed))
	m.poolReserves.WithLabelValues(label).Set(bigToFloat(reserves))
	m.utilisation.WithLabelValues(label).Set(ratToFloat(utilisation))
	m.borrowRate.WithLabelValues(label).Set(ratToFloat(borrowRate))
}

// RecordStalePrice counts an operation rejected on stale oracle data.
func (m *LendingMetrics) RecordStalePrice(operation string) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	m.staleRejected.WithLabelValues(op).Inc()
}

// OracleMetrics bundles collectors for price feed freshness tracking.
type OracleMetrics struct {
	freshness *prometheus.GaugeVec
	failures  *prometheus.CounterVec
}

// Oracle returns the metrics registry for price feed instrumentation.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			freshness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "oxylend",
				Subsystem: "oracle",
				Name:      "quote_age_seconds",
				Help:      "Age in seconds of the most recently served quote per asset.",
			}, []string{"asset"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "oxylend",
				Subsystem: "oracle",
				Name:      "failures_total",
				Help:      "Count of price lookups that produced no usable quote.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(oracleRegistry.freshness, oracleRegistry.failures)
	})
	return oracleRegistry
}

// RecordFreshness records the age of a served quote.
func (m *OracleMetrics) RecordFreshness(asset string, age time.Duration) {
	if m == nil {
		return
	}
	m.freshness.WithLabelValues(labelAsset(asset)).Set(age.Seconds())
}

// RecordFailure counts a failed price lookup.
func (m *OracleMetrics) RecordFailure(asset string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(labelAsset(asset)).Inc()
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}

func ratToFloat(value *big.Rat) float64 {
	if value == nil {
		return 0
	}
	floatVal, _ := value.Float64()
	if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
		return 0
	}
	return floatVal
}
