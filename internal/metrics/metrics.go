// Package metrics holds the shim's Prometheus collectors. Everything is
// registered on the default registry; the diagnostics server exposes it under
// /metrics when enabled.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TranslationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plexpg_translations_total",
		Help: "Statements run through the SQL translator.",
	})
	FallbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plexpg_fallbacks_total",
		Help: "Statements handed back to the real SQLite engine, by reason.",
	}, []string{"reason"})
	RedirectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plexpg_redirected_statements_total",
		Help: "Statements executed against PostgreSQL, by kind.",
	}, []string{"kind"})

	PoolAcquiresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plexpg_pool_acquires_total",
		Help: "Successful pool slot acquisitions.",
	})
	PoolAcquireFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plexpg_pool_acquire_failures_total",
		Help: "Failed pool acquisitions, by reason.",
	}, []string{"reason"})
	PoolReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plexpg_pool_reconnects_total",
		Help: "Backend connections re-established by the pool.",
	})
	PoolStaleReclaimsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plexpg_pool_stale_reclaims_total",
		Help: "Slots force-released from owners that never came back.",
	})
	PoolSlotsInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "plexpg_pool_slots_in_use",
		Help: "Pool slots currently held by a connection.",
	})

	PreparedCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plexpg_prepared_cache_hits_total",
		Help: "Prepared-statement cache hits.",
	})
	ResultCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plexpg_result_cache_hits_total",
		Help: "Short-lived result cache hits.",
	})
	ResultCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plexpg_result_cache_misses_total",
		Help: "Short-lived result cache misses.",
	})

	WorkerDelegationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plexpg_worker_delegations_total",
		Help: "Prepares delegated to the worker because of re-entrancy depth.",
	})
	ForkResetsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plexpg_fork_resets_total",
		Help: "Times the shim detected a fork and reset its state.",
	})
)

func init() {
	prometheus.MustRegister(
		TranslationsTotal,
		FallbacksTotal,
		RedirectedTotal,
		PoolAcquiresTotal,
		PoolAcquireFailuresTotal,
		PoolReconnectsTotal,
		PoolStaleReclaimsTotal,
		PoolSlotsInUse,
		PreparedCacheHitsTotal,
		ResultCacheHitsTotal,
		ResultCacheMissesTotal,
		WorkerDelegationsTotal,
		ForkResetsTotal,
	)
}
