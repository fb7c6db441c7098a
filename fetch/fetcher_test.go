package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// flaky fails the first n requests with code, then serves body.
func flaky(n int32, code int, body string) (http.HandlerFunc, *atomic.Int32) {
	var hits atomic.Int32
	return func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= n {
			w.WriteHeader(code)
			return
		}
		_, _ = w.Write([]byte(body))
	}, &hits
}

func TestFetch(t *testing.T) {
	var gotUA, gotAccept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA, gotAccept = r.UserAgent(), r.Header.Get("Accept")
		w.Header().Set("Content-Length", "11")
		_, _ = w.Write([]byte("gem archive"))
	}))
	defer server.Close()

	artifact, err := NewFetcher().Fetch(context.Background(), server.URL+"/downloads/rack-3.0.8.gem")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	defer func() { _ = artifact.Body.Close() }()

	if artifact.Size != 11 {
		t.Errorf("Size = %d, want 11", artifact.Size)
	}
	body, err := io.ReadAll(artifact.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "gem archive" {
		t.Errorf("body = %q, want %q", body, "gem archive")
	}
	if gotUA != defaultUserAgent {
		t.Errorf("User-Agent = %q, want %q", gotUA, defaultUserAgent)
	}
	if gotAccept != "application/octet-stream" {
		t.Errorf("Accept = %q, want application/octet-stream", gotAccept)
	}
}

func TestFetchRetries(t *testing.T) {
	tests := []struct {
		name     string
		failures int32
		code     int
		retries  int
		wantErr  error
		wantHits int32
	}{
		{"rate limited then ok", 2, http.StatusTooManyRequests, 3, nil, 3},
		{"server error then ok", 1, http.StatusServiceUnavailable, 3, nil, 2},
		{"retries exhausted", 10, http.StatusBadGateway, 2, ErrUpstreamDown, 3},
		{"not found is final", 10, http.StatusNotFound, 3, ErrNotFound, 1},
		{"gone is final", 10, http.StatusGone, 3, ErrNotFound, 1},
		{"forbidden is final", 10, http.StatusForbidden, 3, nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, hits := flaky(tt.failures, tt.code, "ok")
			server := httptest.NewServer(handler)
			defer server.Close()

			f := NewFetcher(WithMaxRetries(tt.retries), WithBaseDelay(time.Millisecond))
			artifact, err := f.Fetch(context.Background(), server.URL+"/rack.gem")
			if artifact != nil {
				_ = artifact.Body.Close()
			}

			switch {
			case tt.wantErr != nil && !errors.Is(err, tt.wantErr):
				t.Errorf("Fetch() error = %v, want %v", err, tt.wantErr)
			case tt.wantErr == nil && tt.failures < 10 && err != nil:
				t.Errorf("Fetch() error = %v", err)
			case tt.wantErr == nil && tt.failures >= 10 && err == nil:
				t.Error("Fetch() succeeded, want an error")
			}
			if got := hits.Load(); got != tt.wantHits {
				t.Errorf("requests = %d, want %d", got, tt.wantHits)
			}
		})
	}
}

func TestFetchHonorsRetryAfter(t *testing.T) {
	var hits, first, gap atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			first.Store(time.Now().UnixNano())
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		gap.Store(time.Now().UnixNano() - first.Load())
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	artifact, err := NewFetcher(WithBaseDelay(time.Millisecond)).Fetch(context.Background(), server.URL+"/rack.gem")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	_ = artifact.Body.Close()
	if got := time.Duration(gap.Load()); got < 900*time.Millisecond {
		t.Errorf("retried after %v, want about 1s", got)
	}
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		header string
		want   time.Duration
	}{
		{"", 0},
		{"7", 7 * time.Second},
		{"-3", 0},
		{"soon", 0},
		{time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		if got := retryAfter(tt.header); got != tt.want {
			t.Errorf("retryAfter(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
	if got := retryAfter(time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)); got <= 0 || got > time.Minute {
		t.Errorf("retryAfter(date) = %v, want within a minute", got)
	}
}

func TestFetchContextCancellation(t *testing.T) {
	handler, _ := flaky(100, http.StatusServiceUnavailable, "")
	server := httptest.NewServer(handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewFetcher(WithBaseDelay(time.Second)).Fetch(ctx, server.URL+"/rack.gem")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Fetch() error = %v, want DeadlineExceeded", err)
	}
}

func TestFetchAuthHeader(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer server.Close()

	f := NewFetcher(WithAuthFunc(func(string) (string, string) {
		return "Authorization", "Bearer secret"
	}))
	artifact, err := f.Fetch(context.Background(), server.URL+"/private.gem")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	_ = artifact.Body.Close()

	if got != "Bearer secret" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer secret")
	}
}

func TestReadAll(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
		wantErr error
	}{
		{"fits", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("gem archive"))
		}, "gem archive", nil},
		{"declared too large", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Length", "64")
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		}, "", ErrTooLarge},
		{"chunked too large", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Transfer-Encoding", "chunked")
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		}, "", ErrTooLarge},
		{"missing", http.NotFound, "", ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			data, err := ReadAll(context.Background(), NewFetcher(WithMaxRetries(0)), server.URL+"/rack.gem", 16)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("ReadAll() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadAll() error = %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("ReadAll() = %q, want %q", data, tt.want)
			}
		})
	}
}
