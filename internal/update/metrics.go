package update

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRuns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gemserver",
		Subsystem: "update",
		Name:      "runs",
		Help:      "Coordinator runs currently in each state.",
	}, []string{"state"})
	metricResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gemserver",
		Subsystem: "update",
		Name:      "results_total",
		Help:      "Finished coordinator runs by operation and result.",
	}, []string{"op", "result"})
	metricRebuildSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gemserver",
		Subsystem: "update",
		Name:      "rebuild_seconds",
		Help:      "Time from lock acquisition to the last persisted write.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"op"})
	metricSpecs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gemserver",
		Subsystem: "update",
		Name:      "specs",
		Help:      "Specs in the full index after the last rebuild of each scope.",
	}, []string{"scope"})
)
