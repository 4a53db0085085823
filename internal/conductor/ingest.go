package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/whookdev/inspector/internal/decode"
	"github.com/whookdev/inspector/internal/models"
	"github.com/whookdev/inspector/internal/relay"
	"github.com/whookdev/inspector/internal/storage"
)

// Capture is a snapshot of an inbound request taken before the handler
// returns, so it stays valid after the response is written.
type Capture struct {
	ProjectID   uuid.UUID
	Method      string
	Query       models.Query
	Headers     map[string]string
	ContentType string
	Payload     []byte
	// PayloadErr is set when the inbound body could not be read.
	PayloadErr error
	IP         string
	ReceivedAt time.Time
}

// Dispatch runs Ingest on its own goroutine and returns immediately. Nothing
// that happens there reaches the caller.
func (c *Conductor) Dispatch(capture Capture) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer func() {
			if p := recover(); p != nil {
				c.logger.Error("capture pipeline panicked", "project", capture.ProjectID, "panic", p)
			}
		}()

		if err := c.Ingest(context.Background(), capture); err != nil {
			c.logger.Error("failed to capture request",
				"project", capture.ProjectID,
				"method", capture.Method,
				"error", err,
			)
		}
	}()
}

// Ingest decodes, optionally relays and then stores one captured request.
// Relay and decode failures only affect the stored row; the returned error is
// about persistence.
func (c *Conductor) Ingest(ctx context.Context, capture Capture) error {
	logger := c.logger.With("project", capture.ProjectID, "method", capture.Method)

	var body decode.Body
	if capture.PayloadErr != nil {
		logger.Warn("request body unreadable", "error", capture.PayloadErr)
	} else {
		body = decode.Decode(capture.Method, capture.ContentType, capture.Payload)
	}

	bodyJSON, err := body.JSON()
	if err != nil {
		logger.Warn("decoded body not storable", "kind", body.Kind, "error", err)
		bodyJSON = nil
	}

	forwarded := false
	project, err := c.projects.Get(ctx, capture.ProjectID)
	switch {
	case errors.Is(err, storage.ErrProjectNotFound):
		logger.Warn("capture for unknown project")
	case err != nil:
		logger.Error("failed to look up project", "error", err)
	case project.RelayEnabled():
		forwarded = c.relay.Relay(ctx, relay.Request{
			Target:       *project.RelayTarget,
			Method:       capture.Method,
			Query:        capture.Query,
			Headers:      capture.Headers,
			Body:         bodyJSON,
			ForwardedFor: capture.IP,
			ProjectID:    capture.ProjectID.String(),
		})
	}

	row := &models.CapturedRequest{
		ProjectID: capture.ProjectID,
		Method:    capture.Method,
		Body:      datatypes.JSON(bodyJSON),
		Forwarded: forwarded,
	}
	if capture.Query != nil {
		raw, err := json.Marshal(sanitizeQuery(capture.Query))
		if err != nil {
			return fmt.Errorf("encoding query: %w", err)
		}
		row.Query = datatypes.JSON(raw)
	}
	if capture.Headers != nil {
		raw, err := json.Marshal(sanitizeHeaders(capture.Headers))
		if err != nil {
			return fmt.Errorf("encoding headers: %w", err)
		}
		row.Headers = datatypes.JSON(raw)
	}
	if capture.IP != "" {
		ip := decode.SanitizeText(capture.IP)
		row.IP = &ip
	}

	if err := c.requests.Insert(ctx, row); err != nil {
		return err
	}

	logger.Info("captured request",
		"request", row.ID,
		"body_kind", body.Kind,
		"forwarded", forwarded,
		"elapsed", time.Since(capture.ReceivedAt),
	)
	return nil
}

func sanitizeQuery(q models.Query) models.Query {
	out := make(models.Query, len(q))
	for i, p := range q {
		out[i] = models.QueryParam{Key: decode.SanitizeText(p.Key), Value: decode.SanitizeText(p.Value)}
	}
	return out
}

func sanitizeHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[decode.SanitizeText(k)] = decode.SanitizeText(v)
	}
	return out
}
