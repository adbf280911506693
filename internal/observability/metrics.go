// Package observability holds the process-wide Prometheus collectors for batch
// jobs, the scheduler and the counter cache.
package observability

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_job_runs_total",
			Help: "Finished job runs by terminal status.",
		},
		[]string{"job", "status"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batch_job_duration_seconds",
			Help:    "Wall time of one job run.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"job"},
	)

	items = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_items_total",
			Help: "Items handled by chunk steps by outcome (read, written, filtered, skipped).",
		},
		[]string{"job", "outcome"},
	)

	chunkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batch_chunk_duration_seconds",
			Help:    "Time to write and commit one chunk.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"job", "result"},
	)

	triggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_triggers_total",
			Help: "Scheduler firings by result (launched, failed, precondition_false, precondition_error, panic).",
		},
		[]string{"job", "result"},
	)

	cacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Redis operations by result.",
		},
		[]string{"op", "result"},
	)

	cacheOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Latency of redis operations.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100us to ~1.6s
		},
		[]string{"op"},
	)

	counterReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "view_counter_reads_total",
			Help: "View counter cache-aside results (hit, miss, seed, fallback).",
		},
		[]string{"outcome"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reconciler_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

var initMu sync.Mutex

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		jobRuns, jobDuration, items, chunkDuration, triggers,
		cacheOps, cacheOpDuration, counterReads, buildInfo,
	}
}

// Init registers the collectors on reg (the default registerer when nil).
// Registering on the same registry twice is a no-op.
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled {
		return
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	initMu.Lock()
	defer initMu.Unlock()
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}

func ObserveJobRun(job, status string, durationSeconds float64) {
	jobRuns.WithLabelValues(job, status).Inc()
	jobDuration.WithLabelValues(job).Observe(durationSeconds)
}

func AddItems(job, outcome string, n int) {
	if n <= 0 {
		return
	}
	items.WithLabelValues(job, outcome).Add(float64(n))
}

func ObserveChunk(job string, err error, durationSeconds float64) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	chunkDuration.WithLabelValues(job, res).Observe(durationSeconds)
}

func IncTrigger(job, result string) {
	triggers.WithLabelValues(job, result).Inc()
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	cacheOps.WithLabelValues(op, res).Inc()
	cacheOpDuration.WithLabelValues(op).Observe(durationSeconds)
}

func IncCounterRead(outcome string) {
	counterReads.WithLabelValues(outcome).Inc()
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
