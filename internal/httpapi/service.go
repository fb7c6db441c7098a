package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/git-pkgs/gemserver/internal/logutil"
)

const shutdownTimeout = 5 * time.Second

// Service serves a handler on a TCP address until its context is
// cancelled. It satisfies suture.Service.
type Service struct {
	name    string
	addr    string
	handler http.Handler
	logger  *slog.Logger

	// started receives the listening address; set only by tests
	started chan string
}

// NewService returns a Service listening on addr.
func NewService(name, addr string, handler http.Handler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{name: name, addr: addr, handler: handler, logger: logger}
}

func (s *Service) Serve(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("%s: listen: %w", s.name, err)
	}

	srv := http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 15 * time.Second,
		// Handlers log what matters; keep net/http quiet.
		ErrorLog: log.New(io.Discard, "", 0),
	}

	s.logger.Info("Listening", "service", s.name, "addr", listener.Addr().String())
	if s.started != nil {
		select {
		case <-ctx.Done():
		case s.started <- listener.Addr().String():
		}
	}

	serveError := make(chan error, 1)
	go func() {
		select {
		case serveError <- srv.Serve(listener):
		case <-ctx.Done():
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Debug("Shutting down", "service", s.name)
	case err = <-serveError:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.logger.Warn("Serve failed, restarting", "service", s.name, logutil.Error(err))
	}

	timeout, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(timeout); errors.Is(serr, context.DeadlineExceeded) {
		_ = srv.Close()
	}
	return err
}

func (s *Service) String() string {
	return fmt.Sprintf("httpapi.Service(%s@%s)", s.name, s.addr)
}
