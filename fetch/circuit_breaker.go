package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenk/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	circuit "github.com/rubyist/circuitbreaker"
)

const breakerThreshold = 5

var metricBreakerRejects = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gemserver",
	Subsystem: "mirror",
	Name:      "breaker_rejects_total",
	Help:      "Upstream requests refused because the host breaker was open.",
}, []string{"host"})

// CircuitBreakerFetcher stops calling an upstream host after
// breakerThreshold consecutive failures, probing it again after an
// exponentially growing pause.
type CircuitBreakerFetcher struct {
	next   Downloader
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*circuit.Breaker
}

// NewCircuitBreakerFetcher wraps next. It logs through next's logger when
// next is a *Fetcher.
func NewCircuitBreakerFetcher(next Downloader) *CircuitBreakerFetcher {
	logger := slog.Default()
	if f, ok := next.(*Fetcher); ok && f.logger != nil {
		logger = f.logger
	}
	return &CircuitBreakerFetcher{
		next:     next,
		logger:   logger,
		breakers: make(map[string]*circuit.Breaker),
	}
}

func (c *CircuitBreakerFetcher) breaker(host string) *circuit.Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.breakers[host]; ok {
		return b
	}
	pause := backoff.NewExponentialBackOff()
	pause.InitialInterval = 30 * time.Second
	pause.MaxInterval = 5 * time.Minute
	pause.MaxElapsedTime = 0
	pause.Reset()

	b := circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    pause,
		ShouldTrip: circuit.ThresholdTripFunc(breakerThreshold),
	})
	c.breakers[host] = b
	return b
}

// Fetch opens rawURL unless the breaker of its host is open. A missing
// gem is an answer, not an upstream failure, and does not count against
// the breaker.
func (c *CircuitBreakerFetcher) Fetch(ctx context.Context, rawURL string) (*Artifact, error) {
	host := hostOf(rawURL)
	b := c.breaker(host)
	if !b.Ready() {
		metricBreakerRejects.WithLabelValues(host).Inc()
		return nil, fmt.Errorf("circuit breaker open for %s: %w", host, ErrUpstreamDown)
	}

	artifact, err := c.next.Fetch(ctx, rawURL)
	switch {
	case err == nil, errors.Is(err, ErrNotFound):
		b.Success()
	case errors.Is(err, context.Canceled):
		// the caller gave up; says nothing about the host
	default:
		b.Fail()
		if b.Tripped() {
			c.logger.Warn("Upstream circuit breaker open", "host", host, "failures", b.ConsecFailures())
		}
	}
	return artifact, err
}

// hostOf groups URLs by host. Unparseable URLs fall back to a truncated
// prefix.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		if len(rawURL) > 50 {
			return rawURL[:50]
		}
		return rawURL
	}
	return u.Host
}

// BreakerStates returns "open" or "closed" per upstream host.
func (c *CircuitBreakerFetcher) BreakerStates() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	states := make(map[string]string, len(c.breakers))
	for host, b := range c.breakers {
		states[host] = "closed"
		if b.Tripped() {
			states[host] = "open"
		}
	}
	return states
}
