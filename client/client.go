// Package client is the HTTP client used to talk to upstream gem
// registries.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenk/backoff"
)

const defaultUserAgent = "gemserver"

// maxBodySize bounds JSON and body reads. Archives go through fetch.
const maxBodySize = 16 << 20

// RateLimiter delays requests. *rate.Limiter satisfies it.
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

// IsNotFound reports a 404.
func (e *HTTPError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

func (e *HTTPError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client performs GET and HEAD requests with retries.
type Client struct {
	http        *http.Client
	userAgent   string
	maxRetries  int
	baseDelay   time.Duration
	rateLimiter RateLimiter
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithMaxRetries sets how often a failed request is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithBaseDelay sets the first retry delay.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

// WithRateLimiter makes every request wait on l first.
func WithRateLimiter(l RateLimiter) Option {
	return func(c *Client) { c.rateLimiter = l }
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient returns a Client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		http:       &http.Client{Timeout: 30 * time.Second},
		userAgent:  defaultUserAgent,
		maxRetries: 3,
		baseDelay:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultClient returns a Client with default settings.
func DefaultClient() *Client {
	return NewClient()
}

// WithUserAgent returns a copy of c sending ua.
func (c *Client) WithUserAgent(ua string) *Client {
	cp := *c
	cp.userAgent = ua
	return &cp
}

// GetJSON fetches url and decodes the body into v.
func (c *Client) GetJSON(ctx context.Context, url string, v any) error {
	body, err := c.GetBody(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding %s: %w", url, err)
	}
	return nil
}

// GetBody fetches url and returns the body.
func (c *Client) GetBody(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := c.retry(ctx, func() error {
		resp, err := c.do(ctx, http.MethodGet, url)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if err := checkStatus(resp, url); err != nil {
			return err
		}
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		return err
	})
	return body, err
}

// Head issues a HEAD request and returns the status code.
func (c *Client) Head(ctx context.Context, url string) (int, error) {
	var status int
	err := c.retry(ctx, func() error {
		resp, err := c.do(ctx, http.MethodHead, url)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		status = resp.StatusCode
		return checkStatus(resp, url)
	})
	return status, err
}

func (c *Client) do(ctx context.Context, method, url string) (*http.Response, error) {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	return c.http.Do(req)
}

func checkStatus(resp *http.Response, url string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &HTTPError{StatusCode: resp.StatusCode, URL: url, Body: string(snippet)}
}

// retry runs op until it succeeds, fails permanently or the retries run
// out. Only 429, 5xx and transport errors are retried.
func (c *Client) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	b.MaxElapsedTime = 0
	b.Reset()

	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && !httpErr.retryable() {
			return err
		}
		if ctx.Err() != nil || attempt >= c.maxRetries {
			return err
		}

		t := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
