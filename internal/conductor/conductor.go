package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whookdev/inspector/internal/config"
	"github.com/whookdev/inspector/internal/models"
	"github.com/whookdev/inspector/internal/relay"
)

type ProjectLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Project, error)
}

type RequestLog interface {
	Insert(ctx context.Context, req *models.CapturedRequest) error
	Latest(ctx context.Context, projectID uuid.UUID, n int) ([]models.CapturedRequest, error)
	MarkForwarded(ctx context.Context, ids []uuid.UUID) error
}

type Relayer interface {
	Relay(ctx context.Context, req relay.Request) bool
}

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error)
}

// Conductor runs the capture pipeline and backruns.
type Conductor struct {
	cfg      *config.Config
	projects ProjectLookup
	requests RequestLog
	relay    Relayer
	lock     Locker
	logger   *slog.Logger

	inflight sync.WaitGroup
}

type Option func(*Conductor)

// WithLocker serialises backruns per project. Without it concurrent backruns
// of the same project are allowed.
func WithLocker(l Locker) Option {
	return func(c *Conductor) { c.lock = l }
}

func New(cfg *config.Config, projects ProjectLookup, requests RequestLog, r Relayer, logger *slog.Logger, opts ...Option) (*Conductor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if projects == nil {
		return nil, fmt.Errorf("project store cannot be nil")
	}
	if requests == nil {
		return nil, fmt.Errorf("request store cannot be nil")
	}
	if r == nil {
		return nil, fmt.Errorf("relay client cannot be nil")
	}

	c := &Conductor{
		cfg:      cfg,
		projects: projects,
		requests: requests,
		relay:    r,
		logger:   logger.With("component", "conductor"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Wait blocks until every dispatched capture has finished or ctx is done.
func (c *Conductor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
