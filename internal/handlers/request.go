package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/whookdev/inspector/internal/conductor"
	"github.com/whookdev/inspector/internal/config"
	"github.com/whookdev/inspector/internal/models"
	"github.com/whookdev/inspector/internal/storage"
)

type RequestReader interface {
	Get(ctx context.Context, id uuid.UUID) (*models.CapturedRequest, error)
	Page(ctx context.Context, q storage.PageQuery) (storage.Page, error)
}

type Backrunner interface {
	Backrun(ctx context.Context, projectID uuid.UUID, count int) (conductor.BackrunResult, error)
}

// backrunSlack covers everything in a backrun besides the relays themselves.
const backrunSlack = 10 * time.Second

type RequestHandler struct {
	cfg      *config.Config
	requests RequestReader
	backrun  Backrunner
	logger   *slog.Logger
}

func NewRequestHandler(cfg *config.Config, requests RequestReader, b Backrunner, logger *slog.Logger) *RequestHandler {
	return &RequestHandler{
		cfg:      cfg,
		requests: requests,
		backrun:  b,
		logger:   logger.With("component", "request_handler"),
	}
}

// HandleList serves one keyset page. Query params: cursor (request id),
// direction (backward|forward), limit (1..100) and the inclusive RFC 3339
// bounds startDate and endDate.
func (h *RequestHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	projectID, ok := uuidParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid project id")
		return
	}

	q := storage.PageQuery{ProjectID: projectID, Limit: storage.DefaultPageLimit}
	params := r.URL.Query()

	if raw := params.Get("cursor"); raw != "" {
		cursor, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid cursor")
			return
		}
		q.Cursor = &cursor
	}

	dir, err := storage.ParseDirection(params.Get("direction"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	q.Direction = dir

	if raw := params.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > storage.MaxPageLimit {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be between 1 and 100")
			return
		}
		q.Limit = limit
	}

	for _, b := range []struct {
		name string
		dst  **time.Time
	}{{"startDate", &q.Range.Since}, {"endDate", &q.Range.Until}} {
		raw := params.Get(b.name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid "+b.name)
			return
		}
		*b.dst = &ts
	}
	if q.Range.Since != nil && q.Range.Until != nil && q.Range.Since.After(*q.Range.Until) {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "startDate must not be after endDate")
		return
	}

	page, err := h.requests.Page(r.Context(), q)
	if err != nil {
		h.logger.Error("failed to page requests", "project", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "unable to list requests")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *RequestHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request id")
		return
	}

	req, err := h.requests.Get(r.Context(), id)
	if errors.Is(err, storage.ErrRequestNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "request not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to fetch request", "request", id, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "unable to fetch request")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *RequestHandler) HandleBackrun(w http.ResponseWriter, r *http.Request) {
	projectID, ok := uuidParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid project id")
		return
	}

	var req struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	defer r.Body.Close()

	h.logger.Info("starting backrun", "project", projectID, "count", req.Count)
	h.extendDeadlines(w, req.Count)

	res, err := h.backrun.Backrun(r.Context(), projectID, req.Count)
	switch {
	case errors.Is(err, conductor.ErrInvalidCount):
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	case errors.Is(err, conductor.ErrConfiguration):
		writeError(w, http.StatusBadRequest, "CONFIGURATION", err.Error())
	case errors.Is(err, conductor.ErrBackrunInProgress):
		writeError(w, http.StatusConflict, "CONFLICT", err.Error())
	case err != nil:
		h.logger.Error("backrun failed", "project", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "backrun failed")
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// extendDeadlines lets a backrun of count sequential relays outlive the
// server's write timeout.
func (h *RequestHandler) extendDeadlines(w http.ResponseWriter, count int) {
	count = max(1, min(count, conductor.MaxBackrunCount))
	deadline := time.Now().Add(time.Duration(count)*h.cfg.RelayTimeout + backrunSlack)

	rc := http.NewResponseController(w)
	for _, set := range []func(time.Time) error{rc.SetWriteDeadline, rc.SetReadDeadline} {
		if err := set(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
			h.logger.Warn("failed to extend backrun deadline", "error", err)
		}
	}
}
