package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var metricRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "gemserver",
	Subsystem: "http",
	Name:      "request_seconds",
	Help:      "HTTP request latency by route and status code.",
	Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
}, []string{"route", "code"})

// MetricsHandler serves Prometheus metrics on /metrics and a liveness
// probe on /_health.
func MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/_health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}
