// Package config holds the command line and environment settings of the
// gemserver command.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/git-pkgs/gemserver"
	"github.com/git-pkgs/gemserver/internal/httpapi"
)

// Config is shared by every command.
type Config struct {
	Store          string        `help:"Object store URL (mem://, leveldb:<dir>, sqlite:<file>, postgres://..., s3://bucket, blob+file:///dir)" env:"GEMSERVER_STORE" default:"leveldb:data"`
	LockTTL        time.Duration `help:"Lease duration of a scope lock" env:"GEMSERVER_LOCK_TTL" default:"2m"`
	LockWait       time.Duration `help:"How long an update waits for a busy scope" env:"GEMSERVER_LOCK_WAIT" default:"30s"`
	CacheSize      int           `help:"Dependency cache entries" env:"GEMSERVER_CACHE_SIZE" default:"4096"`
	CacheTTL       time.Duration `help:"Dependency cache entry lifetime" env:"GEMSERVER_CACHE_TTL" default:"30s"`
	MaxNames       int           `help:"Maximum gem names per dependency query" env:"GEMSERVER_MAX_NAMES" default:"200"`
	MaxArchiveSize int64         `help:"Maximum size of an archive in bytes" env:"GEMSERVER_MAX_ARCHIVE_SIZE" default:"67108864"`
	MaxSpecSize    int64         `help:"Maximum size of an archive's metadata in bytes" env:"GEMSERVER_MAX_SPEC_SIZE" default:"4194304"`
	BaseURL        string        `help:"Public URL of this server, used in info documents" env:"GEMSERVER_BASE_URL"`
	Upstream       string        `help:"Registry to mirror gems from, for example https://rubygems.org. Empty disables mirroring." env:"GEMSERVER_UPSTREAM"`
	LogFormat      string        `help:"Log format (text, json)" env:"GEMSERVER_LOG_FORMAT" default:"text" enum:"text,json"`
	LogLevel       string        `help:"Log level (debug, info, warn, error)" env:"GEMSERVER_LOG_LEVEL" default:"info"`
}

// Validate is called by kong after parsing.
func (c *Config) Validate() error {
	if c.Store == "" {
		return errors.New("--store is required")
	}
	if _, err := url.Parse(c.Store); err != nil {
		return fmt.Errorf("--store: %w", err)
	}
	if c.LockTTL <= 0 {
		return errors.New("--lock-ttl must be positive")
	}
	if c.Upstream != "" {
		if u, err := url.Parse(c.Upstream); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("--upstream: %q is not an absolute URL", c.Upstream)
		}
	}
	return nil
}

// Options returns the repository options described by c.
func (c *Config) Options(logger *slog.Logger) []gemserver.Option {
	opts := []gemserver.Option{
		gemserver.WithLogger(logger),
		gemserver.WithLock(c.LockTTL, c.LockWait),
		gemserver.WithCache(c.CacheSize, c.CacheTTL),
		gemserver.WithMaxNames(c.MaxNames),
		gemserver.WithMaxArchiveSize(c.MaxArchiveSize, c.MaxSpecSize),
		gemserver.WithBaseURL(c.BaseURL),
	}
	if c.Upstream != "" {
		opts = append(opts, gemserver.WithUpstream(c.Upstream))
	}
	return opts
}

// Serve configures the HTTP listeners.
type Serve struct {
	Listen        string  `help:"HTTP listen address" env:"GEMSERVER_LISTEN" default:":9292"`
	MetricsListen string  `help:"Metrics and health listen address; empty disables" env:"GEMSERVER_METRICS_LISTEN" default:"127.0.0.1:9293"`
	APIKey        string  `help:"Key required in the Authorization header of push, yank and mirror requests" env:"GEMSERVER_API_KEY"`
	UploadRate    float64 `help:"Uploads per second across all scopes; 0 is unlimited" env:"GEMSERVER_UPLOAD_RATE" default:"0"`
	UploadBurst   int     `help:"Upload burst size" env:"GEMSERVER_UPLOAD_BURST" default:"10"`
}

// ServerOptions returns the HTTP server options described by s.
func (s *Serve) ServerOptions(c *Config, logger *slog.Logger) []httpapi.Option {
	return []httpapi.Option{
		httpapi.WithLogger(logger),
		httpapi.WithAPIKey(s.APIKey),
		httpapi.WithMaxUpload(c.MaxArchiveSize),
		httpapi.WithUploadRate(rate.Limit(s.UploadRate), s.UploadBurst),
	}
}

// LoadEnv reads variables from the given dotenv files, ".env" when none
// are named. Missing files are skipped and variables already set win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}
