// Package httpapi exposes repositories over the HTTP paths gem and bundler
// clients use, one repository scope per leading path segment.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"golang.org/x/time/rate"

	"github.com/git-pkgs/gemserver"
	"github.com/git-pkgs/gemserver/internal/core"
	"github.com/git-pkgs/gemserver/internal/logutil"
	"github.com/git-pkgs/gemserver/internal/resolve"
)

const (
	quickSuffix    = ".gemspec.rz"
	archiveSuffix  = ".gem"
	jsonSuffix     = ".json"
	retryAfterSecs = "5"
)

// Repository is the part of *gemserver.Repository the server uses.
type Repository interface {
	FullIndex(ctx context.Context, scope string, compressed bool) ([]byte, error)
	LatestIndex(ctx context.Context, scope string, compressed bool) ([]byte, error)
	PrereleaseIndex(ctx context.Context, scope string) ([]byte, error)
	QuickFileByName(ctx context.Context, scope, fullName string) ([]byte, error)
	Download(ctx context.Context, scope, fullName string) ([]byte, error)
	Dependencies(ctx context.Context, scope, gems string) ([]byte, error)
	Lookup(ctx context.Context, scope string, names []string) (map[string][]gemserver.DependencyEntry, error)
	Submit(ctx context.Context, scope string, archive []byte) (*gemserver.Spec, error)
	Info(ctx context.Context, scope, query string) (map[string]any, error)
	Versions(ctx context.Context, scope, query string) ([]map[string]any, error)
	Yank(ctx context.Context, scope string, t gemserver.Tuple) error
	Mirror(ctx context.Context, scope, name, version, platform string) (*gemserver.Spec, error)
}

// Server routes requests to a Repository.
type Server struct {
	repo      Repository
	logger    *slog.Logger
	apiKey    string
	maxUpload int64
	uploads   *rate.Limiter
	router    *httprouter.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithAPIKey requires key in the Authorization header of every request
// that changes a scope. An empty key disables the check.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithMaxUpload bounds the request body of uploads.
func WithMaxUpload(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// WithUploadRate limits uploads and mirror requests across all scopes.
// A zero limit disables limiting.
func WithUploadRate(limit rate.Limit, burst int) Option {
	return func(s *Server) {
		if limit > 0 {
			s.uploads = rate.NewLimiter(limit, burst)
		}
	}
}

// New returns a Server for repo.
func New(repo Repository, opts ...Option) *Server {
	s := &Server{
		repo:      repo,
		logger:    slog.Default(),
		maxUpload: gemserver.DefaultMaxArchiveSize,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := httprouter.New()
	r.HandleMethodNotAllowed = true

	// Index files
	s.handle(r, http.MethodGet, "/:scope/specs.4.8", "specs", s.getIndex(gemserver.Full, false))
	s.handle(r, http.MethodGet, "/:scope/specs.4.8.gz", "specs", s.getIndex(gemserver.Full, true))
	s.handle(r, http.MethodGet, "/:scope/latest_specs.4.8", "latest_specs", s.getIndex(gemserver.Latest, false))
	s.handle(r, http.MethodGet, "/:scope/latest_specs.4.8.gz", "latest_specs", s.getIndex(gemserver.Latest, true))
	s.handle(r, http.MethodGet, "/:scope/prerelease_specs.4.8.gz", "prerelease_specs", s.getIndex(gemserver.Prerelease, true))
	s.handle(r, http.MethodGet, "/:scope/quick/Marshal.4.8/:file", "quick", s.getQuickFile)
	s.handle(r, http.MethodGet, "/:scope/gems/:file", "gems", s.getArchive)

	// API
	s.handle(r, http.MethodGet, "/:scope/api/v1/dependencies", "dependencies", s.getDependencies)            // [gems]
	s.handle(r, http.MethodGet, "/:scope/api/v1/dependencies.json", "dependencies", s.getDependenciesJSON)   // [gems]
	s.handle(r, http.MethodGet, "/:scope/api/v1/gems/:file", "info", s.getInfo)                             // <name>.json
	s.handle(r, http.MethodGet, "/:scope/api/v1/info", "info", s.getInfoQuery)                              // q
	s.handle(r, http.MethodGet, "/:scope/api/v1/versions/:file", "versions", s.getVersions)                 // <name>.json
	s.handle(r, http.MethodPost, "/:scope/api/v1/gems", "push", s.authorized(s.limited(s.postGem)))        // <body>
	s.handle(r, http.MethodDelete, "/:scope/api/v1/gems/yank", "yank", s.authorized(s.deleteGem))          // gem_name version [platform]
	s.handle(r, http.MethodPost, "/:scope/api/v1/mirror", "mirror", s.authorized(s.limited(s.postMirror))) // gem_name [version] [platform]

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, scope string, ps httprouter.Params)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) handle(r *httprouter.Router, method, path, route string, h handlerFunc) {
	r.Handle(method, path, func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, req, ps.ByName("scope"), ps)
		dur := time.Since(start)
		metricRequests.WithLabelValues(route, fmt.Sprint(sw.status)).Observe(dur.Seconds())
		s.logger.Debug("HTTP request", "method", method, "path", req.URL.Path, "status", sw.status, "duration", dur)
	})
}

func (s *Server) authorized(h handlerFunc) handlerFunc {
	if s.apiKey == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request, scope string, ps httprouter.Params) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
			http.Error(w, "Access Denied. Please sign up for an account or provide a valid API key.", http.StatusUnauthorized)
			return
		}
		h(w, r, scope, ps)
	}
}

func (s *Server) limited(h handlerFunc) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request, scope string, ps httprouter.Params) {
		if s.uploads != nil && !s.uploads.Allow() {
			w.Header().Set("Retry-After", retryAfterSecs)
			http.Error(w, "Too many uploads, try again later.", http.StatusTooManyRequests)
			return
		}
		h(w, r, scope, ps)
	}
}

func sendBinary(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	_, _ = w.Write(data)
}

func sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	bs, err := json.Marshal(v)
	if err != nil {
		bs, _ = json.Marshal(map[string]string{"error": err.Error()})
		http.Error(w, string(bs), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(bs)
}

func (s *Server) getIndex(kind gemserver.ArtifactKind, compressed bool) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request, scope string, _ httprouter.Params) {
		var (
			data []byte
			err  error
		)
		switch kind {
		case gemserver.Full:
			data, err = s.repo.FullIndex(r.Context(), scope, compressed)
		case gemserver.Latest:
			data, err = s.repo.LatestIndex(r.Context(), scope, compressed)
		default:
			data, err = s.repo.PrereleaseIndex(r.Context(), scope)
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
		sendBinary(w, data)
	}
}

func (s *Server) getQuickFile(w http.ResponseWriter, r *http.Request, scope string, ps httprouter.Params) {
	fullName, ok := strings.CutSuffix(ps.ByName("file"), quickSuffix)
	if !ok {
		http.NotFound(w, r)
		return
	}
	data, err := s.repo.QuickFileByName(r.Context(), scope, fullName)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sendBinary(w, data)
}

func (s *Server) getArchive(w http.ResponseWriter, r *http.Request, scope string, ps httprouter.Params) {
	fullName, ok := strings.CutSuffix(ps.ByName("file"), archiveSuffix)
	if !ok {
		http.NotFound(w, r)
		return
	}
	data, err := s.repo.Download(r.Context(), scope, fullName)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sendBinary(w, data)
}

func (s *Server) getDependencies(w http.ResponseWriter, r *http.Request, scope string, _ httprouter.Params) {
	gems := r.URL.Query().Get("gems")
	if strings.TrimSpace(gems) == "" {
		// Bundler probes for the endpoint without naming gems.
		w.Header().Set("Content-Type", "application/octet-stream")
		return
	}
	data, err := s.repo.Dependencies(r.Context(), scope, gems)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sendBinary(w, data)
}

type dependencyJSON struct {
	Name         string      `json:"name"`
	Number       string      `json:"number"`
	Platform     string      `json:"platform"`
	Dependencies [][2]string `json:"dependencies"`
}

func (s *Server) getDependenciesJSON(w http.ResponseWriter, r *http.Request, scope string, _ httprouter.Params) {
	names := resolve.ParseNames(r.URL.Query().Get("gems"))
	found, err := s.repo.Lookup(r.Context(), scope, names)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]dependencyJSON, 0)
	for _, name := range names {
		for _, e := range found[name] {
			deps := make([][2]string, len(e.Dependencies))
			for i, d := range e.Dependencies {
				deps[i] = [2]string{d.Name, d.Requirement}
			}
			out = append(out, dependencyJSON{Name: e.Name, Number: e.Number, Platform: e.Platform, Dependencies: deps})
		}
	}
	sendJSON(w, out)
}

func (s *Server) getInfo(w http.ResponseWriter, r *http.Request, scope string, ps httprouter.Params) {
	name, ok := strings.CutSuffix(ps.ByName("file"), jsonSuffix)
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.sendInfo(w, r, scope, name)
}

func (s *Server) getInfoQuery(w http.ResponseWriter, r *http.Request, scope string, _ httprouter.Params) {
	s.sendInfo(w, r, scope, r.URL.Query().Get("q"))
}

func (s *Server) sendInfo(w http.ResponseWriter, r *http.Request, scope, query string) {
	doc, err := s.repo.Info(r.Context(), scope, query)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sendJSON(w, doc)
}

func (s *Server) getVersions(w http.ResponseWriter, r *http.Request, scope string, ps httprouter.Params) {
	name, ok := strings.CutSuffix(ps.ByName("file"), jsonSuffix)
	if !ok {
		http.NotFound(w, r)
		return
	}
	versions, err := s.repo.Versions(r.Context(), scope, name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sendJSON(w, versions)
}

func (s *Server) postGem(w http.ResponseWriter, r *http.Request, scope string, _ httprouter.Params) {
	body := http.MaxBytesReader(w, r.Body, s.maxUpload)
	archive, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = fmt.Errorf("%w: limit %d bytes", core.ErrTooLarge, tooLarge.Limit)
		}
		s.fail(w, r, err)
		return
	}

	spec, err := s.repo.Submit(r.Context(), scope, archive)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("Gem pushed", "scope", scope, "gem", spec.FullName(), "remote", r.RemoteAddr)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Successfully registered gem: %s (%s)", spec.Name, spec.Version)
}

func gemParams(r *http.Request) (name, version, platform string) {
	q := r.URL.Query()
	name = q.Get("gem_name")
	if name == "" {
		name = q.Get("gem")
	}
	return name, q.Get("version"), q.Get("platform")
}

func (s *Server) deleteGem(w http.ResponseWriter, r *http.Request, scope string, _ httprouter.Params) {
	name, version, platform := gemParams(r)
	if name == "" || version == "" {
		http.Error(w, "gem_name and version are required", http.StatusBadRequest)
		return
	}
	t := gemserver.Tuple{Name: name, Version: version, Platform: core.NormalizePlatform(platform)}
	if err := s.repo.Yank(r.Context(), scope, t); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("Gem yanked", "scope", scope, "gem", t.FullName(), "remote", r.RemoteAddr)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Successfully deleted gem: %s (%s)", t.Name, t.FullName())
}

func (s *Server) postMirror(w http.ResponseWriter, r *http.Request, scope string, _ httprouter.Params) {
	name, version, platform := gemParams(r)
	if name == "" {
		http.Error(w, "gem_name is required", http.StatusBadRequest)
		return
	}
	spec, err := s.repo.Mirror(r.Context(), scope, name, version, platform)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sendJSON(w, map[string]string{
		"name":     spec.Name,
		"version":  spec.Version,
		"platform": core.NormalizePlatform(spec.Platform),
		"sha":      spec.Checksum,
	})
}

// fail writes the response for err.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	switch {
	case code == http.StatusConflict:
		w.Header().Set("Retry-After", retryAfterSecs)
	case code >= http.StatusInternalServerError:
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, logutil.Error(err))
	}
	http.Error(w, err.Error(), code)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidName), errors.Is(err, core.ErrTooManyNames):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrIndexPending):
		return http.StatusAccepted
	case errors.Is(err, core.ErrLockTimeout), errors.Is(err, core.ErrLockBusy):
		return http.StatusConflict
	case errors.Is(err, core.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, core.ErrCorruptArchive), errors.Is(err, core.ErrMissingMetadata):
		return http.StatusUnprocessableEntity
	case errors.Is(err, gemserver.ErrMirrorDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, core.ErrUpstream):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
