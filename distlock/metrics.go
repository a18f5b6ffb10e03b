package distlock

import "github.com/prometheus/client_golang/prometheus"

type lockMetrics struct {
	acquired       prometheus.Counter
	timedOut       prometheus.Counter
	released       prometheus.Counter
	renewed        prometheus.Counter
	renewFailed    prometheus.Counter
	acquireLatency prometheus.Histogram
}

func newLockMetrics(appName string, registerer prometheus.Registerer) *lockMetrics {
	m := &lockMetrics{
		acquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: appName + "_distlock_acquired_total",
			Help: "number of successful lock acquisitions",
		}),
		timedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: appName + "_distlock_timeout_total",
			Help: "number of lock acquisitions that timed out",
		}),
		released: prometheus.NewCounter(prometheus.CounterOpts{
			Name: appName + "_distlock_released_total",
			Help: "number of successful lock releases",
		}),
		renewed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: appName + "_distlock_renewed_total",
			Help: "number of successful lock renewals",
		}),
		renewFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: appName + "_distlock_renew_failed_total",
			Help: "number of lock renewals that found a foreign or missing owner",
		}),
		acquireLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    appName + "_distlock_acquire_latency_ms",
			Help:    "latency of a successful lock acquisition, in ms",
			Buckets: []float64{1, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096},
		}),
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{m.acquired, m.timedOut, m.released, m.renewed, m.renewFailed, m.acquireLatency} {
		_ = registerer.Register(c)
	}
	return m
}
