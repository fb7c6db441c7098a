package lock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAcquire = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gemserver",
		Subsystem: "lock",
		Name:      "acquire_total",
		Help:      "Lock acquisition attempts by result (acquired, takeover, busy, timeout).",
	}, []string{"result"})
	metricWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gemserver",
		Subsystem: "lock",
		Name:      "wait_seconds",
		Help:      "Time spent waiting for a repository lock.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 9),
	})
	metricRenewFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gemserver",
		Subsystem: "lock",
		Name:      "renew_failures_total",
		Help:      "Lease renewals that failed, leaving a rebuild without its lock.",
	})
)
