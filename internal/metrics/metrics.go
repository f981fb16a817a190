// Package metrics defines the process's Prometheus collectors,
// following the teacher's internal/escrow.Metrics shape: one struct of
// promauto-registered vectors, one constructor, and small Observe*
// methods the rest of the tree calls.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the gateway exposes at
// GET /metrics.
type Metrics struct {
	RequestTotal    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	EnginePoolIdle   *prometheus.GaugeVec
	EnginePoolInUse  *prometheus.GaugeVec
	EnginePoolFailed *prometheus.CounterVec
	EngineCheckoutWait *prometheus.HistogramVec

	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	CacheEvictions  *prometheus.CounterVec

	AccountantAdmitted *prometheus.CounterVec
	AccountantDenied   *prometheus.CounterVec
	AccountantEpsilon  *prometheus.GaugeVec

	KeyRotations *prometheus.CounterVec
	KeyRevokes   *prometheus.CounterVec
}

// New constructs and registers every collector against prometheus's
// default registry, matching the teacher's NewMetrics.
func New() *Metrics {
	return &Metrics{
		RequestTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_request_total",
				Help: "Total number of gateway operations processed",
			},
			[]string{"op", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Duration of gateway operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		EnginePoolIdle: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_engine_pool_idle",
				Help: "Idle engines currently held by the pool",
			},
			[]string{"parameter_set"},
		),
		EnginePoolInUse: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_engine_pool_in_use",
				Help: "Engines currently leased out",
			},
			[]string{"parameter_set"},
		),
		EnginePoolFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_engine_pool_failed_total",
				Help: "Total engines quarantined after an execution error",
			},
			[]string{"parameter_set"},
		),
		EngineCheckoutWait: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_engine_checkout_wait_seconds",
				Help:    "Time spent waiting for an engine checkout",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"parameter_set"},
		),
		CacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_hits_total",
				Help: "Ciphertext cache hits",
			},
			[]string{"tier"},
		),
		CacheMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_misses_total",
				Help: "Ciphertext cache misses",
			},
			[]string{},
		),
		CacheEvictions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_evictions_total",
				Help: "Ciphertext cache evictions",
			},
			[]string{"tier"},
		),
		AccountantAdmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_accountant_admitted_total",
				Help: "Operations admitted by the privacy accountant",
			},
			[]string{"op"},
		),
		AccountantDenied: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_accountant_denied_total",
				Help: "Operations denied by the privacy accountant",
			},
			[]string{"op"},
		),
		AccountantEpsilon: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_accountant_consumed_epsilon",
				Help: "Consumed epsilon for a principal at last observation",
			},
			[]string{"principal"},
		),
		KeyRotations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_key_rotations_total",
				Help: "Total key rotations performed",
			},
			[]string{},
		),
		KeyRevokes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_key_revokes_total",
				Help: "Total key revocations performed",
			},
			[]string{},
		),
	}
}

// ObserveRequest records a completed gateway operation's outcome and
// duration, called from internal/api after every orchestrator call.
func (m *Metrics) ObserveRequest(op, status string, seconds float64) {
	m.RequestTotal.WithLabelValues(op, status).Inc()
	m.RequestDuration.WithLabelValues(op).Observe(seconds)
}

// ObservePoolStats reports an enginepool.Stats snapshot for one
// parameter set.
func (m *Metrics) ObservePoolStats(parameterSet string, idle, inUse, failed int) {
	m.EnginePoolIdle.WithLabelValues(parameterSet).Set(float64(idle))
	m.EnginePoolInUse.WithLabelValues(parameterSet).Set(float64(inUse))
	_ = failed // failed is cumulative; callers Add to EnginePoolFailed directly on each new failure
}

// ObserveCheckoutWait records how long a checkout waited for an engine.
func (m *Metrics) ObserveCheckoutWait(parameterSet string, seconds float64) {
	m.EngineCheckoutWait.WithLabelValues(parameterSet).Observe(seconds)
}

// ObserveCacheHit/ObserveCacheMiss/ObserveCacheEviction record cache
// tier events.
func (m *Metrics) ObserveCacheHit(tier string)      { m.CacheHits.WithLabelValues(tier).Inc() }
func (m *Metrics) ObserveCacheMiss()                { m.CacheMisses.WithLabelValues().Inc() }
func (m *Metrics) ObserveCacheEviction(tier string)  { m.CacheEvictions.WithLabelValues(tier).Inc() }

// ObserveAdmission records an accountant admit/deny decision and the
// principal's consumed-epsilon gauge.
func (m *Metrics) ObserveAdmission(op, principal string, admitted bool, consumedEpsilon float64) {
	if admitted {
		m.AccountantAdmitted.WithLabelValues(op).Inc()
	} else {
		m.AccountantDenied.WithLabelValues(op).Inc()
	}
	m.AccountantEpsilon.WithLabelValues(principal).Set(consumedEpsilon)
}

// ObserveRotation and ObserveRevoke record key-lifecycle events.
func (m *Metrics) ObserveRotation() { m.KeyRotations.WithLabelValues().Inc() }
func (m *Metrics) ObserveRevoke()   { m.KeyRevokes.WithLabelValues().Inc() }
