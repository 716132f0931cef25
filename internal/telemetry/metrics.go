package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	AllocationOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seckill_allocations_total",
		Help: "Allocation decisions by outcome",
	}, []string{"result"})
	AllocationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "seckill_allocation_seconds",
		Help:    "Latency of the allocation request path",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5},
	})
	BreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "seckill_breaker_state",
		Help: "Allocation circuit breaker state (0 closed, 1 half-open, 2 open)",
	})

	WorkerItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seckill_worker_items_total",
		Help: "Queue items handled by the order worker, by outcome",
	}, []string{"outcome"})
	WorkerRecoveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seckill_worker_recoveries_total",
		Help: "Pending list recovery passes",
	})

	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seckill_cache_lookups_total",
		Help: "Cache reads by strategy and result",
	}, []string{"strategy", "result"})
	CacheRebuilds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seckill_cache_rebuilds_total",
		Help: "Cache rebuilds by result",
	}, []string{"result"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			AllocationOutcomes,
			AllocationLatency,
			BreakerState,
			WorkerItems,
			WorkerRecoveries,
			CacheLookups,
			CacheRebuilds,
		)
	})
	return promhttp.Handler()
}
