// Command gemserver serves gem repositories to gem and bundler clients.
//
// Each repository scope lives under its own path prefix:
//
//	gem sources --add http://localhost:9292/default/
//	gem push --host http://localhost:9292/default rack-3.0.8.gem
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/thejerf/suture/v4"

	"github.com/git-pkgs/gemserver"
	_ "github.com/git-pkgs/gemserver/all"
	"github.com/git-pkgs/gemserver/internal/config"
	"github.com/git-pkgs/gemserver/internal/httpapi"
	"github.com/git-pkgs/gemserver/internal/logutil"
)

type cli struct {
	Config config.Config `embed:""`

	Serve   serveCmd   `cmd:"" default:"1" help:"Serve repositories over HTTP (default)"`
	Reindex reindexCmd `cmd:"" help:"Rebuild the indexes of a scope from its stored archives"`
	Push    pushCmd    `cmd:"" help:"Import gem archives into a scope"`
}

func (c *cli) Validate() error { return c.Config.Validate() }

type serveCmd struct {
	config.Serve `embed:""`
}

type reindexCmd struct {
	Scope string `help:"Repository scope" default:"default"`
}

type pushCmd struct {
	Scope string   `help:"Repository scope" default:"default"`
	Files []string `arg:"" type:"existingfile" help:"Gem archives to import"`
}

func main() {
	if err := config.LoadEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "gemserver:", err)
		os.Exit(1)
	}

	var params cli
	kctx := kong.Parse(&params,
		kong.Name("gemserver"),
		kong.Description("A gem repository server."),
		kong.UsageOnError())

	logger, err := logutil.Setup(params.Config.LogFormat, params.Config.LogLevel)
	if err != nil {
		kctx.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := gemserver.Open(ctx, params.Config.Store, params.Config.Options(logger)...)
	if err != nil {
		logger.Error("Failed to open store", "store", params.Config.Store, logutil.Error(err))
		os.Exit(1)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Warn("Failed to close store", logutil.Error(err))
		}
	}()

	kctx.BindTo(ctx, (*context.Context)(nil))
	err = kctx.Run(&params.Config, repo, logger)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Command failed", "command", kctx.Command(), logutil.Error(err))
		stop()
		_ = repo.Close()
		os.Exit(1)
	}
}

func (c *serveCmd) Run(ctx context.Context, cfg *config.Config, repo *gemserver.Repository, logger *slog.Logger) error {
	sup := suture.New("gemserver", suture.Spec{
		EventHook:         func(e suture.Event) { logger.Info("Supervisor event", "event", e.String()) },
		Timeout:           10 * time.Second,
		PassThroughPanics: true,
	})

	api := httpapi.New(repo, c.ServerOptions(cfg, logger)...)
	sup.Add(httpapi.NewService("api", c.Listen, api, logger))
	if c.MetricsListen != "" {
		sup.Add(httpapi.NewService("metrics", c.MetricsListen, httpapi.MetricsHandler(), logger))
	}

	logger.Info("Starting gemserver", "listen", c.Listen, "store", cfg.Store, "mirror", cfg.Upstream != "")
	return sup.Serve(ctx)
}

func (c *reindexCmd) Run(ctx context.Context, repo *gemserver.Repository, logger *slog.Logger) error {
	start := time.Now()
	n, err := repo.Reindex(ctx, c.Scope)
	if err != nil {
		return err
	}
	logger.Info("Reindexed scope", "scope", c.Scope, "specs", n, "duration", time.Since(start))
	return nil
}

func (c *pushCmd) Run(ctx context.Context, repo *gemserver.Repository, logger *slog.Logger) error {
	var failed int
	for _, file := range c.Files {
		archive, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		spec, err := repo.Submit(ctx, c.Scope, archive)
		if err != nil {
			logger.Error("Failed to import gem", "file", file, logutil.Error(err))
			failed++
			continue
		}
		logger.Info("Imported gem", "scope", c.Scope, "gem", spec.FullName())
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d archives failed", failed, len(c.Files))
	}
	return nil
}
