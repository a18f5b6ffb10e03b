package datasync

import "github.com/prometheus/client_golang/prometheus"

// syncMetrics bundles hit/miss/write/failure Counter instruments across all
// three coherence strategies, plus a flush-latency Histogram.
type syncMetrics struct {
	hits         prometheus.Counter
	misses       prometheus.Counter
	writeThrough prometheus.Counter
	writeBehind  prometheus.Counter
	failures     prometheus.Counter
	deadLettered prometheus.Counter
	flushLatency prometheus.Histogram
}

func newSyncMetrics(appName string, registerer prometheus.Registerer) *syncMetrics {
	m := &syncMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: appName + "_datasync_cache_hits_total",
			Help: "number of cache-aside reads served from the cache",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: appName + "_datasync_cache_misses_total",
			Help: "number of cache-aside reads that fell through to the loader",
		}),
		writeThrough: prometheus.NewCounter(prometheus.CounterOpts{
			Name: appName + "_datasync_write_through_total",
			Help: "number of successful write-through operations",
		}),
		writeBehind: prometheus.NewCounter(prometheus.CounterOpts{
			Name: appName + "_datasync_write_behind_total",
			Help: "number of write-behind operations enqueued",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: appName + "_datasync_sync_failures_total",
			Help: "number of sync failures across all operations",
		}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: appName + "_datasync_dead_lettered_total",
			Help: "number of pending writes dropped after exhausting retries",
		}),
		flushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    appName + "_datasync_flush_latency_ms",
			Help:    "latency of a flush_pending_writes batch, in ms",
			Buckets: []float64{1, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096},
		}),
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{m.hits, m.misses, m.writeThrough, m.writeBehind, m.failures, m.deadLettered, m.flushLatency} {
		_ = registerer.Register(c)
	}
	return m
}
