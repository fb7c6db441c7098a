package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/git-pkgs/gemserver/client"
	"github.com/git-pkgs/gemserver/fetch"
	"github.com/git-pkgs/gemserver/internal/core"
	"github.com/git-pkgs/gemserver/internal/gemspec"
	"github.com/git-pkgs/gemserver/internal/gemtest"
	"github.com/git-pkgs/gemserver/internal/indexstore"
	"github.com/git-pkgs/gemserver/internal/lock"
	"github.com/git-pkgs/gemserver/internal/logutil"
	"github.com/git-pkgs/gemserver/internal/objectstore/memstore"
	"github.com/git-pkgs/gemserver/internal/rubygems"
	"github.com/git-pkgs/gemserver/internal/update"
)

const scope = "default"

type upstream struct {
	archive      []byte
	sha          string
	failDownload bool
}

func (u *upstream) serve(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/versions/rack.json":
			_ = json.NewEncoder(w).Encode([]map[string]any{
				{"number": "3.0.8", "platform": "ruby", "sha": u.sha},
				{"number": "2.2.8", "platform": "ruby"},
			})
		case "/downloads/rack-3.0.8.gem":
			if u.failDownload {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			_, _ = w.Write(u.archive)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newMirror(t *testing.T, url string) (*Mirror, *memstore.Store) {
	t.Helper()
	logger := logutil.Discard()
	objects := memstore.New()
	coord := update.New(indexstore.New(objects),
		lock.New(objects, lock.WithLogger(logger), lock.WithRetryInterval(time.Millisecond, 10*time.Millisecond)),
		gemspec.New(),
		update.WithLogger(logger))

	reg := rubygems.New(url, client.NewClient(client.WithMaxRetries(0)))
	fetcher := fetch.NewCircuitBreakerFetcher(fetch.NewFetcher(fetch.WithMaxRetries(0), fetch.WithLogger(logger)))
	return New(fetch.NewResolver(reg), fetcher, coord, WithLogger(logger)), objects
}

func rackArchive() []byte {
	return gemtest.Build(gemtest.Gem{Name: "rack", Version: "3.0.8", Summary: "a modular web server interface"})
}

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestMirror(t *testing.T) {
	archive := rackArchive()
	u := &upstream{archive: archive, sha: sha(archive)}
	m, objects := newMirror(t, u.serve(t).URL)

	spec, err := m.Mirror(context.Background(), scope, "rack", "", "")
	if err != nil {
		t.Fatalf("Mirror() error = %v", err)
	}
	if spec.FullName() != "rack-3.0.8" {
		t.Errorf("FullName() = %q, want %q", spec.FullName(), "rack-3.0.8")
	}
	if spec.Checksum != u.sha {
		t.Errorf("Checksum = %q, want %q", spec.Checksum, u.sha)
	}

	stored, err := objects.Get(context.Background(), indexstore.ArchiveKey(scope, "rack-3.0.8"))
	if err != nil {
		t.Fatalf("archive not stored: %v", err)
	}
	if string(stored) != string(archive) {
		t.Error("stored archive differs from upstream")
	}
}

func TestMirrorChecksumMismatch(t *testing.T) {
	u := &upstream{archive: rackArchive(), sha: sha([]byte("something else"))}
	m, objects := newMirror(t, u.serve(t).URL)

	_, err := m.Mirror(context.Background(), scope, "rack", "3.0.8", "ruby")
	if !errors.Is(err, core.ErrCorruptArchive) {
		t.Fatalf("Mirror() error = %v, want ErrCorruptArchive", err)
	}
	if objects.Len() != 0 {
		t.Errorf("store has %d keys after a rejected mirror, want 0", objects.Len())
	}
}

func TestMirrorErrors(t *testing.T) {
	archive := rackArchive()

	tests := []struct {
		name    string
		u       *upstream
		gem     string
		version string
		want    error
	}{
		{"unknown gem", &upstream{archive: archive}, "sinatra", "", core.ErrNotFound},
		{"unknown version", &upstream{archive: archive}, "rack", "1.0.0", core.ErrNotFound},
		{"archive missing upstream", &upstream{archive: archive}, "rack", "2.2.8", core.ErrNotFound},
		{"invalid name", &upstream{archive: archive}, "../rack", "", core.ErrInvalidName},
		{"upstream failure", &upstream{archive: archive, failDownload: true}, "rack", "3.0.8", core.ErrUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newMirror(t, tt.u.serve(t).URL)
			_, err := m.Mirror(context.Background(), scope, tt.gem, tt.version, "")
			if !errors.Is(err, tt.want) {
				t.Errorf("Mirror() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVerify(t *testing.T) {
	data := []byte("archive")
	tests := []struct {
		integrity string
		ok        bool
	}{
		{"", true},
		{"sha256-" + sha(data), true},
		{"sha256-" + sha([]byte("other")), false},
		{"sha512-ignored", true},
	}
	for _, tt := range tests {
		if err := verify(data, tt.integrity); (err == nil) != tt.ok {
			t.Errorf("verify(%q) = %v, want ok=%v", tt.integrity, err, tt.ok)
		}
	}
}
