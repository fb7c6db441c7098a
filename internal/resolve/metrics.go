package resolve

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gemserver",
		Subsystem: "resolve",
		Name:      "cache_lookups_total",
		Help:      "Dependency cache lookups by result (hit, miss, shared).",
	}, []string{"result"})
	metricNames = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gemserver",
		Subsystem: "resolve",
		Name:      "request_names",
		Help:      "Gem names per dependency query.",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 200},
	})
)
