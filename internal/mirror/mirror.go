// Package mirror copies gems from an upstream registry into a scope.
package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/git-pkgs/gemserver/fetch"
	"github.com/git-pkgs/gemserver/internal/core"
	"github.com/git-pkgs/gemserver/internal/logutil"
)

// DefaultMaxArchiveSize bounds downloaded archives.
const DefaultMaxArchiveSize = 64 << 20

var metricMirrored = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gemserver",
	Subsystem: "mirror",
	Name:      "requests_total",
	Help:      "Mirror requests by result.",
}, []string{"result"})

// Submitter stores an archive in a scope. *update.Coordinator satisfies it.
type Submitter interface {
	Update(ctx context.Context, scope string, archive []byte) (*core.Spec, error)
}

// Mirror downloads upstream archives and submits them.
type Mirror struct {
	resolver *fetch.Resolver
	fetcher  fetch.Downloader
	submit   Submitter
	logger   *slog.Logger
	maxSize  int64
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mirror) { m.logger = logger }
}

// WithMaxArchiveSize bounds downloaded archives.
func WithMaxArchiveSize(n int64) Option {
	return func(m *Mirror) {
		if n > 0 {
			m.maxSize = n
		}
	}
}

// New returns a Mirror.
func New(resolver *fetch.Resolver, fetcher fetch.Downloader, submit Submitter, opts ...Option) *Mirror {
	m := &Mirror{
		resolver: resolver,
		fetcher:  fetcher,
		submit:   submit,
		logger:   slog.Default(),
		maxSize:  DefaultMaxArchiveSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mirror copies name into scope. An empty version selects the highest
// upstream release for platform.
func (m *Mirror) Mirror(ctx context.Context, scope, name, version, platform string) (*core.Spec, error) {
	spec, err := m.mirror(ctx, scope, name, version, platform)
	metricMirrored.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		m.logger.Warn("Mirror failed", "scope", scope, "gem", name, "version", version, logutil.Error(err))
	}
	return spec, err
}

func (m *Mirror) mirror(ctx context.Context, scope, name, version, platform string) (*core.Spec, error) {
	start := time.Now()
	info, err := m.resolver.Resolve(ctx, name, version, platform)
	if err != nil {
		return nil, upstreamError(err)
	}

	archive, err := fetch.ReadAll(ctx, m.fetcher, info.URL, m.maxSize)
	if err != nil {
		if errors.Is(err, fetch.ErrNotFound) {
			return nil, &core.NotFoundError{Scope: "upstream", Name: info.Tuple.Name, Version: info.Tuple.Version}
		}
		return nil, upstreamError(err)
	}
	if err := verify(archive, info.Integrity); err != nil {
		return nil, err
	}

	spec, err := m.submit.Update(ctx, scope, archive)
	if err != nil {
		return nil, err
	}
	if spec.Tuple() != info.Tuple {
		m.logger.Warn("Mirrored archive differs from upstream listing", "scope", scope, "want", info.Tuple.String(), "got", spec.Tuple().String())
	}
	m.logger.Info("Mirrored gem", "scope", scope, "gem", spec.FullName(), "url", info.URL, "bytes", len(archive), "duration", time.Since(start))
	return spec, nil
}

// verify checks a "sha256-<hex>" integrity string. An empty one passes.
func verify(archive []byte, integrity string) error {
	want, ok := strings.CutPrefix(integrity, "sha256-")
	if !ok {
		return nil
	}
	sum := sha256.Sum256(archive)
	if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, want) {
		return core.Corrupt("checksum %s does not match upstream %s", got, want)
	}
	return nil
}

func upstreamError(err error) error {
	switch {
	case errors.Is(err, core.ErrNotFound), errors.Is(err, core.ErrInvalidName):
		return err
	case errors.Is(err, fetch.ErrTooLarge):
		return fmt.Errorf("%w: %v", core.ErrTooLarge, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %v", core.ErrUpstream, err)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, core.ErrNotFound):
		return "not_found"
	case errors.Is(err, core.ErrCorruptArchive), errors.Is(err, core.ErrMissingMetadata):
		return "rejected"
	case errors.Is(err, core.ErrUpstream):
		return "upstream_error"
	}
	return "error"
}
