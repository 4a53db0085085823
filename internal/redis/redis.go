package redis

import (
	"context"
	"errors"
	"log/slog"

	redisi "github.com/redis/go-redis/v9"

	"github.com/whookdev/inspector/internal/config"
)

var ErrNotConfigured = errors.New("redis url not configured")

type RedisServer struct {
	cfg    *config.Config
	Client *redisi.Client
	logger *slog.Logger
}

func New(cfg *config.Config, logger *slog.Logger) (*RedisServer, error) {
	logger = logger.With("component", "redis")

	rs := &RedisServer{
		cfg:    cfg,
		logger: logger,
	}

	return rs, nil
}

func (rs *RedisServer) Start(ctx context.Context) error {
	if rs.cfg.RedisURL == "" {
		return ErrNotConfigured
	}

	opts := parseAddr(rs.cfg.RedisURL)
	rs.Client = redisi.NewClient(opts)

	if err := rs.Client.Ping(ctx).Err(); err != nil {
		rs.logger.Error("failed to connect to redis", "error", err)
		return err
	}

	rs.logger.Info("redis connection established", "addr", opts.Addr)
	return nil
}

func (rs *RedisServer) Stop() error {
	if rs.Client != nil {
		if err := rs.Client.Close(); err != nil {
			rs.logger.Error("failed to close redis connection", "error", err)
			return err
		}
		rs.logger.Info("redis connection closed successfully")
	}
	return nil
}

// parseAddr accepts both redis:// URLs and bare host:port addresses.
func parseAddr(raw string) *redisi.Options {
	if opts, err := redisi.ParseURL(raw); err == nil {
		return opts
	}
	return &redisi.Options{Addr: raw}
}
