package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestDefaultClient_UserAgent(t *testing.T) {
	var gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := DefaultClient()
	_, _ = client.GetBody(context.Background(), server.URL)

	if gotUA != "gemserver" {
		t.Errorf("default User-Agent = %q, want %q", gotUA, "gemserver")
	}
}

func TestClient_WithUserAgent(t *testing.T) {
	var gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := DefaultClient().WithUserAgent("mirror/2.0")
	if _, err := client.Head(context.Background(), server.URL); err != nil {
		t.Fatalf("Head() error = %v", err)
	}

	if gotUA != "mirror/2.0" {
		t.Errorf("User-Agent = %q, want %q", gotUA, "mirror/2.0")
	}
}

func TestClient_GetJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"rack","version":"3.0.8"}`))
	}))
	defer server.Close()

	var got struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if err := DefaultClient().GetJSON(context.Background(), server.URL, &got); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if got.Name != "rack" || got.Version != "3.0.8" {
		t.Errorf("GetJSON() = %+v", got)
	}
}

func TestClient_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := NewClient(WithMaxRetries(3), WithBaseDelay(time.Millisecond))
	_, err := client.GetBody(context.Background(), server.URL)

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || !httpErr.IsNotFound() {
		t.Fatalf("GetBody() error = %v, want a 404 HTTPError", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("server saw %d requests, want 1", n)
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := NewClient(WithMaxRetries(3), WithBaseDelay(time.Millisecond))
	body, err := client.GetBody(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("GetBody() error = %v", err)
	}
	if string(body) != "ok" {
		t.Errorf("body = %q, want %q", body, "ok")
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("server saw %d requests, want 3", n)
	}
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(WithMaxRetries(2), WithBaseDelay(time.Millisecond))
	if _, err := client.GetBody(context.Background(), server.URL); err == nil {
		t.Fatal("GetBody() succeeded against a failing server")
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("server saw %d requests, want 3", n)
	}
}

func TestClient_RateLimiter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	client := NewClient(WithRateLimiter(limiter))
	if _, err := client.GetBody(context.Background(), server.URL); err != nil {
		t.Fatalf("first GetBody() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := client.GetBody(ctx, server.URL); err == nil {
		t.Error("second GetBody() passed an exhausted limiter")
	}
}

func TestServerURLs(t *testing.T) {
	urls := BuildURLs(ServerURLs("https://gems.example.com/", "team"), "nokogiri", "1.16.0", "nokogiri-1.16.0-java")

	tests := map[string]string{
		"gem_uri":           "https://gems.example.com/team/gems/nokogiri-1.16.0-java.gem",
		"project_uri":       "https://gems.example.com/team/api/v1/gems/nokogiri.json",
		"documentation_uri": "https://www.rubydoc.info/gems/nokogiri/1.16.0",
		"dependencies_uri":  "https://gems.example.com/team/api/v1/dependencies?gems=nokogiri",
	}
	for key, want := range tests {
		if got := urls[key]; got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestBuildURLsSkipsEmpty(t *testing.T) {
	urls := BuildURLs(&BaseURLs{}, "rack", "3.0.8", "rack-3.0.8")
	if len(urls) != 0 {
		t.Errorf("BuildURLs() = %v, want empty", urls)
	}
}
