package cacheconn

import "github.com/prometheus/client_golang/prometheus"

// connMetrics bundles the Counter/Histogram instruments registered once per
// Manager, scoped to connection lifecycle events.
type connMetrics struct {
	connectAttempts prometheus.Counter
	connectFailures prometheus.Counter
	healthCheckFail prometheus.Counter
	restored        prometheus.Counter
	connectLatency  prometheus.Histogram
}

func newConnMetrics(appName string, registerer prometheus.Registerer) *connMetrics {
	m := &connMetrics{
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: appName + "_cacheconn_connect_attempts_total",
			Help: "number of times a fresh cache connection was built",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: appName + "_cacheconn_connect_failures_total",
			Help: "number of cache connection build failures",
		}),
		healthCheckFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: appName + "_cacheconn_health_check_failures_total",
			Help: "number of failed health-check PINGs",
		}),
		restored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: appName + "_cacheconn_restored_total",
			Help: "number of times the connection transitioned from unhealthy to healthy",
		}),
		connectLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    appName + "_cacheconn_connect_latency_ms",
			Help:    "latency of building a fresh cache connection, in ms",
			Buckets: []float64{1, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048},
		}),
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{m.connectAttempts, m.connectFailures, m.healthCheckFail, m.restored, m.connectLatency} {
		_ = registerer.Register(c)
	}
	return m
}
