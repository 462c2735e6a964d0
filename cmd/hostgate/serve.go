package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/hostgate/internal/api"
	"github.com/clawinfra/hostgate/internal/audit"
	"github.com/clawinfra/hostgate/internal/config"
	"github.com/clawinfra/hostgate/internal/mcp"
	"github.com/clawinfra/hostgate/internal/security"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server",
		Long: `Run the MCP server on the transports named in the config: stdio for a
directly attached client, the HTTP API for dashboards and remote agents,
or both.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, logger, err := loadSettings(opts.configPath, opts.stderr)
	if err != nil {
		return err
	}
	app, err := setup(cfg, logger)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go waitForShutdown(ctx, cancel, app)

	app.Recorder.Record(ctx, audit.Event{
		Kind:   audit.KindServerStarted,
		Detail: fmt.Sprintf("hostgate %s transport=%s tools=%d", version, cfg.Server.Transport, app.Tools.Len()),
	})
	logger.Info("hostgate starting",
		"version", version,
		"transport", cfg.Server.Transport,
		"tools", app.Tools.Len(),
		"audit", cfg.Audit.Backend)

	app.Scheduler.Start(ctx)
	defer app.Scheduler.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Gate.RunSweeper(ctx, cfg.Confirm.SweepSchedule)
	})

	if cfg.Server.Transport == config.TransportStdio || cfg.Server.Transport == config.TransportBoth {
		srv := mcp.NewServer(app.Tools, mcp.Options{
			Info:    mcp.ServerInfo{Name: cfg.Server.Name, Version: version},
			Pending: func() int { return len(app.Gate.Pending()) },
			Logger:  logger,
		})
		g.Go(func() error {
			err := srv.Serve(ctx, os.Stdin, os.Stdout)
			if err != nil {
				return fmt.Errorf("mcp stdio: %w", err)
			}
			if cfg.Server.Transport == config.TransportStdio {
				// The client closed stdin; nothing else is listening.
				logger.Info("stdio client disconnected")
				cancel()
			}
			return nil
		})
	}

	if cfg.Server.Transport == config.TransportHTTP || cfg.Server.Transport == config.TransportBoth {
		srv := api.NewServer(api.Config{
			Addr:               cfg.Server.HTTPAddr,
			JWTSecret:          security.GetJWTSecret(),
			RateLimitPerMinute: cfg.API.RateLimitPerMinute,
			Burst:              cfg.API.Burst,
			AgentMayConfirm:    !cfg.API.RequireOwnerForConfirm,
			CORSOrigins:        cfg.API.CORSOrigins,
			Version:            version,
		}, api.Deps{
			Tools:    app.Tools,
			Gate:     app.Gate,
			Recorder: app.Recorder,
			Hub:      app.Hub,
			Metrics:  app.Metrics,
		}, logger)
		g.Go(func() error {
			if err := srv.Start(ctx); err != nil {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	logger.Info("hostgate stopped")
	return err
}

// waitForShutdown cancels ctx on the first shutdown signal. Platform
// signals that do not mean shutdown are handled and the wait continues.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, app *App) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, getShutdownSignals()...)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			if handlePlatformSignal(sig, app) {
				continue
			}
			app.Logger.Info("shutdown signal received", "signal", sig)
			cancel()
			return
		}
	}
}
