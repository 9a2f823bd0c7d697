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

type apiMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *apiMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics
)

// API returns the lazily-initialised registry recording HTTP API activity.
func API() *apiMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lending",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route, method, and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lending",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route, method, and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lending",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lending",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by throttling policies.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
			apiRegistry.throttles,
		)
	})
	return apiRegistry
}

// Observe records the outcome of a request. The status code should be the HTTP
// status that was ultimately written to the response writer.
func (m *apiMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit".
func (m *apiMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// OracleMetrics captures the health of the price aggregation loop.
type OracleMetrics struct {
	price      *prometheus.GaugeVec
	freshness  *prometheus.GaugeVec
	feedErrors *prometheus.CounterVec
}

// Oracle returns the metrics registry for the oracle manager.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			price: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lending",
				Subsystem: "oracle",
				Name:      "price_usd",
				Help:      "Latest aggregated USD price per asset.",
			}, []string{"asset"}),
			freshness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lending",
				Subsystem: "oracle",
				Name:      "freshness_seconds",
				Help:      "Age in seconds of the newest quote behind the latest median.",
			}, []string{"asset"}),
			feedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lending",
				Subsystem: "oracle",
				Name:      "aggregation_errors_total",
				Help:      "Count of aggregation rounds that failed to publish a median.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(oracleRegistry.price, oracleRegistry.freshness, oracleRegistry.feedErrors)
	})
	return oracleRegistry
}

// RecordPrice stores the latest median. wad is the price scaled by 1e18.
func (m *OracleMetrics) RecordPrice(asset string, wad *big.Int) {
	if m == nil {
		return
	}
	m.price.WithLabelValues(labelAsset(asset)).Set(scaledToFloat(wad, 18))
}

// RecordFreshness records how stale the aggregated quote was when stored.
func (m *OracleMetrics) RecordFreshness(asset string, age time.Duration) {
	if m == nil {
		return
	}
	m.freshness.WithLabelValues(labelAsset(asset)).Set(age.Seconds())
}

// RecordError counts a failed aggregation round.
func (m *OracleMetrics) RecordError(asset string) {
	if m == nil {
		return
	}
	m.feedErrors.WithLabelValues(labelAsset(asset)).Inc()
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

// scaledToFloat converts value / 10^decimals into a float for gauges.
func scaledToFloat(value *big.Int, decimals int) float64 {
	if value == nil {
		return 0
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	floatVal, acc := new(big.Float).Quo(new(big.Float).SetInt(value), scale).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
