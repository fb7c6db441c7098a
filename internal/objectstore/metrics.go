package objectstore

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/git-pkgs/gemserver/internal/core"
)

var (
	metricOpSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gemserver",
		Subsystem: "store",
		Name:      "operation_seconds",
		Help:      "Latency of object store operations.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 9),
	}, []string{"backend", "op"})
	metricOpErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gemserver",
		Subsystem: "store",
		Name:      "operation_errors_total",
		Help:      "Object store operations that failed, excluding not-found reads.",
	}, []string{"backend", "op"})
	metricCASConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gemserver",
		Subsystem: "store",
		Name:      "cas_conflicts_total",
		Help:      "Compare-and-swap calls that did not match the current value.",
	}, []string{"backend"})
)

type instrumented struct {
	next    Swapper
	backend string
}

// Instrument records latency and error metrics for every call to s.
func Instrument(backend string, s Swapper) Swapper {
	return &instrumented{next: s, backend: backend}
}

func (m *instrumented) observe(op string, start time.Time, err error) {
	metricOpSeconds.WithLabelValues(m.backend, op).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		metricOpErrors.WithLabelValues(m.backend, op).Inc()
	}
}

func (m *instrumented) Get(ctx context.Context, key string) (data []byte, err error) {
	defer func(start time.Time) { m.observe("get", start, err) }(time.Now())
	return m.next.Get(ctx, key)
}

func (m *instrumented) Put(ctx context.Context, key string, data []byte) (err error) {
	defer func(start time.Time) { m.observe("put", start, err) }(time.Now())
	return m.next.Put(ctx, key, data)
}

func (m *instrumented) Delete(ctx context.Context, key string) (err error) {
	defer func(start time.Time) { m.observe("delete", start, err) }(time.Now())
	return m.next.Delete(ctx, key)
}

func (m *instrumented) List(ctx context.Context, prefix string) (keys []string, err error) {
	defer func(start time.Time) { m.observe("list", start, err) }(time.Now())
	return m.next.List(ctx, prefix)
}

func (m *instrumented) CompareAndSwap(ctx context.Context, key string, old, new []byte) (swapped bool, err error) {
	defer func(start time.Time) {
		m.observe("cas", start, err)
		if err == nil && !swapped {
			metricCASConflicts.WithLabelValues(m.backend).Inc()
		}
	}(time.Now())
	return m.next.CompareAndSwap(ctx, key, old, new)
}

func (m *instrumented) Close() error {
	return m.next.Close()
}
