// Package fetch downloads gem archives from upstream registries with
// retries, a DNS cache and per-host circuit breaking.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenk/backoff"
	"github.com/rs/dnscache"

	"github.com/git-pkgs/gemserver/internal/logutil"
)

var (
	ErrNotFound     = errors.New("artifact not found")
	ErrRateLimited  = errors.New("rate limited by upstream")
	ErrUpstreamDown = errors.New("upstream registry unavailable")
	ErrTooLarge     = errors.New("artifact too large")
)

const (
	defaultUserAgent = "gemserver-mirror/1.0"
	// maxRetryAfter caps how long an upstream Retry-After can stall a mirror.
	maxRetryAfter = 30 * time.Second
)

// Artifact is an open upstream download. The caller closes Body.
type Artifact struct {
	Body io.ReadCloser
	Size int64 // -1 when the upstream sent no length
}

// Downloader is implemented by Fetcher and CircuitBreakerFetcher.
type Downloader interface {
	Fetch(ctx context.Context, url string) (*Artifact, error)
}

// Fetcher downloads artifacts over HTTP.
type Fetcher struct {
	client     *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	authFn     func(url string) (headerName, headerValue string)
	logger     *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the DNS-caching client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.userAgent = ua }
}

// WithMaxRetries bounds retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(f *Fetcher) { f.maxRetries = n }
}

// WithBaseDelay sets the first retry delay; later delays grow
// exponentially.
func WithBaseDelay(d time.Duration) Option {
	return func(f *Fetcher) { f.baseDelay = d }
}

// WithAuthFunc sets a function returning the auth header for a URL, for
// private upstreams. Empty strings skip authentication.
func WithAuthFunc(fn func(url string) (headerName, headerValue string)) Option {
	return func(f *Fetcher) { f.authFn = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = logger }
}

var (
	dnsOnce     sync.Once
	dnsResolver *dnscache.Resolver
)

// sharedResolver returns the process-wide DNS cache, refreshed every five
// minutes.
func sharedResolver() *dnscache.Resolver {
	dnsOnce.Do(func() {
		dnsResolver = &dnscache.Resolver{}
		go func() {
			for range time.Tick(5 * time.Minute) {
				dnsResolver.Refresh(true)
			}
		}()
	})
	return dnsResolver
}

func newTransport() *http.Transport {
	resolver := sharedResolver()
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}

	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var lastErr error
			for _, ip := range ips {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, fmt.Errorf("dial %s: %w", host, lastErr)
		},
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// NewFetcher returns a Fetcher whose dialer resolves through a shared DNS
// cache.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:     &http.Client{Timeout: 5 * time.Minute, Transport: newTransport()},
		userAgent:  defaultUserAgent,
		maxRetries: 3,
		baseDelay:  500 * time.Millisecond,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch opens url. Rate limits and server errors are retried with
// exponential backoff, waiting at least as long as the upstream's
// Retry-After.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Artifact, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.baseDelay
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	b.Reset()

	var (
		lastErr error
		hint    time.Duration
	)
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			delay := max(b.NextBackOff(), min(hint, maxRetryAfter))
			f.logger.Debug("Retrying upstream fetch", "url", url, "attempt", attempt, "delay", delay, logutil.Error(lastErr))
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}

		var artifact *Artifact
		artifact, hint, lastErr = f.get(ctx, url)
		switch {
		case lastErr == nil:
			return artifact, nil
		case errors.Is(lastErr, ErrRateLimited), errors.Is(lastErr, ErrUpstreamDown):
		default:
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// get performs one request. The duration is the upstream's Retry-After.
func (f *Fetcher) get(ctx context.Context, url string) (*Artifact, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/octet-stream")
	if f.authFn != nil {
		if name, value := f.authFn(url); name != "" && value != "" {
			req.Header.Set(name, value)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetching %s: %w", url, err)
	}
	if resp.StatusCode == http.StatusOK {
		return &Artifact{Body: resp.Body, Size: resp.ContentLength}, 0, nil
	}

	defer func() { _ = resp.Body.Close() }()
	switch code := resp.StatusCode; {
	case code == http.StatusNotFound, code == http.StatusGone:
		return nil, 0, ErrNotFound
	case code == http.StatusTooManyRequests:
		return nil, retryAfter(resp.Header.Get("Retry-After")), ErrRateLimited
	case code >= 500:
		return nil, retryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("%w: status %d", ErrUpstreamDown, code)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, 0, fmt.Errorf("unexpected status %d: %s", code, body)
	}
}

// retryAfter parses a Retry-After header in either of its forms.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(time.Until(at), 0)
	}
	return 0
}

// ReadAll fetches url through d and reads at most maxSize bytes of it.
// Larger artifacts fail with ErrTooLarge.
func ReadAll(ctx context.Context, d Downloader, url string, maxSize int64) ([]byte, error) {
	artifact, err := d.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	defer func() { _ = artifact.Body.Close() }()

	if artifact.Size > maxSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, url, artifact.Size, maxSize)
	}
	data, err := io.ReadAll(io.LimitReader(artifact.Body, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, url, maxSize)
	}
	return data, nil
}
