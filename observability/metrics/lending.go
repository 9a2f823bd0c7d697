package metrics

import (
	"math/big"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"

	"lendingcore/native/lending"
)

// LendingMetrics records engine outcomes and pool totals. It implements
// lending.Recorder.
type LendingMetrics struct {
	operations    *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	deposited     *prometheus.GaugeVec
	borrowed      *prometheus.GaugeVec
	utilization   *prometheus.GaugeVec
	compensations *prometheus.CounterVec
}

var (
	lendingOnce     sync.Once
	lendingRegistry *LendingMetrics
)

var _ lending.Recorder = (*LendingMetrics)(nil)

// Lending returns the process-wide lending metrics registry.
func Lending() *LendingMetrics {
	lendingOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_operations_total",
				Help: "Count of lending operations by kind and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "lending_operation_duration_seconds",
				Help:    "Latency of lending operations including custody transfers.",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),
			deposited: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "lending_pool_deposited",
				Help: "Total deposited base units per pool.",
			}, []string{"asset"}),
			borrowed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "lending_pool_borrowed",
				Help: "Total borrowed base units per pool.",
			}, []string{"asset"}),
			utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "lending_pool_utilization_ratio",
				Help: "Borrowed over deposited per pool.",
			}, []string{"asset"}),
			compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_compensating_transfers_total",
				Help: "Transfers reversed after a failed ledger commit, by result.",
			}, []string{"asset", "result"}),
		}
		prometheus.MustRegister(
			lendingRegistry.operations,
			lendingRegistry.latency,
			lendingRegistry.deposited,
			lendingRegistry.borrowed,
			lendingRegistry.utilization,
			lendingRegistry.compensations,
		)
	})
	return lendingRegistry
}

func (m *LendingMetrics) ObserveOperation(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *LendingMetrics) ObservePool(asset string, deposited, borrowed *uint256.Int) {
	if m == nil || deposited == nil || borrowed == nil {
		return
	}
	d, b := toFloat(deposited), toFloat(borrowed)
	m.deposited.WithLabelValues(asset).Set(d)
	m.borrowed.WithLabelValues(asset).Set(b)
	ratio := 0.0
	if d > 0 {
		ratio = b / d
	}
	m.utilization.WithLabelValues(asset).Set(ratio)
}

func (m *LendingMetrics) ObserveCompensation(asset string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.compensations.WithLabelValues(asset, result).Inc()
}

func toFloat(value *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(value.ToBig()).Float64()
	return f
}
