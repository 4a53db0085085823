package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/whookdev/inspector/internal/models"
	"github.com/whookdev/inspector/internal/relay"
	"github.com/whookdev/inspector/internal/storage"
)

const MaxBackrunCount = 100

var (
	ErrConfiguration     = errors.New("project has no relay target configured")
	ErrInvalidCount      = fmt.Errorf("count must be between 1 and %d", MaxBackrunCount)
	ErrBackrunInProgress = errors.New("a backrun is already running for this project")
)

type BackrunResult struct {
	ProcessedCount int    `json:"processedCount"`
	TargetURL      string `json:"targetUrl"`
}

// Backrun replays the project's count most recent requests through its
// current relay target, one at a time. Every selected row is marked forwarded
// before any delivery is attempted, so a row can stay marked even when its
// replay fails. Cancelling ctx does not stop a backrun that has started.
func (c *Conductor) Backrun(ctx context.Context, projectID uuid.UUID, count int) (BackrunResult, error) {
	if count < 1 || count > MaxBackrunCount {
		return BackrunResult{}, ErrInvalidCount
	}
	ctx = context.WithoutCancel(ctx)
	logger := c.logger.With("project", projectID, "count", count)

	project, err := c.projects.Get(ctx, projectID)
	if errors.Is(err, storage.ErrProjectNotFound) {
		return BackrunResult{}, ErrConfiguration
	}
	if err != nil {
		return BackrunResult{}, fmt.Errorf("fetching project: %w", err)
	}
	if !project.RelayEnabled() {
		return BackrunResult{}, ErrConfiguration
	}
	target := *project.RelayTarget

	if c.lock != nil {
		release, ok, err := c.lock.Acquire(ctx, "backrun:"+projectID.String(), c.cfg.BackrunLockTTL)
		switch {
		case err != nil:
			logger.Warn("backrun lock unavailable, continuing without it", "error", err)
		case !ok:
			return BackrunResult{}, ErrBackrunInProgress
		default:
			defer func() {
				if err := release(ctx); err != nil {
					logger.Warn("failed to release backrun lock", "error", err)
				}
			}()
		}
	}

	rows, err := c.requests.Latest(ctx, projectID, count)
	if err != nil {
		return BackrunResult{}, fmt.Errorf("selecting requests: %w", err)
	}

	ids := make([]uuid.UUID, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	if err := c.requests.MarkForwarded(ctx, ids); err != nil {
		return BackrunResult{}, err
	}

	delivered := 0
	for _, row := range rows {
		if c.relay.Relay(ctx, replayRequest(target, row, logger.Warn)) {
			delivered++
		}
	}

	logger.Info("backrun finished",
		"target", target,
		"processed", len(rows),
		"delivered", delivered,
	)
	return BackrunResult{ProcessedCount: len(rows), TargetURL: target}, nil
}

// replayRequest rebuilds the outbound call from a stored row. Columns that no
// longer decode are dropped and reported through warn.
func replayRequest(target string, row models.CapturedRequest, warn func(string, ...any)) relay.Request {
	req := relay.Request{
		Target:    target,
		Method:    row.Method,
		Body:      json.RawMessage(row.Body),
		ProjectID: row.ProjectID.String(),
	}
	if len(row.Query) > 0 {
		if err := json.Unmarshal(row.Query, &req.Query); err != nil {
			warn("stored query not replayable", "request", row.ID, "error", err)
		}
	}
	if len(row.Headers) > 0 {
		if err := json.Unmarshal(row.Headers, &req.Headers); err != nil {
			warn("stored headers not replayable", "request", row.ID, "error", err)
		}
	}
	if row.IP != nil {
		req.ForwardedFor = *row.IP
	}
	return req
}
