package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/whookdev/inspector/internal/conductor"
	"github.com/whookdev/inspector/internal/config"
	"github.com/whookdev/inspector/internal/database"
	"github.com/whookdev/inspector/internal/handlers"
	"github.com/whookdev/inspector/internal/redis"
	"github.com/whookdev/inspector/internal/relay"
	"github.com/whookdev/inspector/internal/server"
	"github.com/whookdev/inspector/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "inspector",
		Short:         "Capture, relay and replay HTTP requests per project",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), initiateApp)
		},
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the capture and API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), initiateApp)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), migrate)
		},
	})

	return rootCmd
}

type command func(ctx context.Context, cfg *config.Config, logger *slog.Logger) error

func run(ctx context.Context, fn command) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.NewConfig()
	if err != nil {
		logger.Error("loading configuration", "error", err)
		return err
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := fn(ctx, cfg, logger); err != nil {
		logger.Error("error in app lifecycle", "error", err)
		return err
	}
	return nil
}

func migrate(_ context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := database.Open(cfg)
	if err != nil {
		return err
	}
	defer database.Close(db)

	if err := database.Migrate(db); err != nil {
		return err
	}
	logger.Info("database schema up to date")
	return nil
}

func initiateApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	db, err := database.Open(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(db); err != nil {
			logger.Error("closing database", "error", err)
		}
	}()

	if cfg.AutoMigrate {
		if err := database.Migrate(db); err != nil {
			return err
		}
	}

	rdb, err := redis.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating redis client: %w", err)
	}

	var opts []conductor.Option
	switch err := rdb.Start(ctx); {
	case errors.Is(err, redis.ErrNotConfigured):
		logger.Info("redis not configured, backruns run without a lock")
	case err != nil:
		return fmt.Errorf("reaching redis server: %w", err)
	default:
		defer func() {
			if err := rdb.Stop(); err != nil {
				logger.Error("stopping redis client", "error", err)
			}
		}()
		opts = append(opts, conductor.WithLocker(redis.NewLocker(rdb.Client, "inspector")))
	}

	projects := storage.NewProjectStorage(db, logger)
	requests := storage.NewRequestStorage(db, logger)
	relayClient := relay.New(&http.Client{}, cfg.RelayTimeout, logger)

	c, err := conductor.New(cfg, projects, requests, relayClient, logger, opts...)
	if err != nil {
		return fmt.Errorf("creating conductor: %w", err)
	}

	srv, err := server.New(cfg, server.Handlers{
		Capture:  handlers.NewCaptureHandler(cfg, c, logger),
		Projects: handlers.NewProjectHandler(projects, logger),
		Requests: handlers.NewRequestHandler(cfg, requests, c, logger),
	}, logger)
	if err != nil {
		return fmt.Errorf("creating HTTP server: %w", err)
	}

	serveErr := srv.Start(ctx)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	if err := c.Wait(drainCtx); err != nil {
		logger.Warn("captures still in flight at shutdown", "error", err)
	}

	if serveErr != nil {
		return fmt.Errorf("starting server: %w", serveErr)
	}
	return nil
}
