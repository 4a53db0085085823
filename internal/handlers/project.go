package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/whookdev/inspector/internal/models"
	"github.com/whookdev/inspector/internal/storage"
)

type ProjectStore interface {
	Create(ctx context.Context, name string) (*models.Project, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Project, error)
	List(ctx context.Context) ([]models.Project, error)
	Update(ctx context.Context, id uuid.UUID, upd storage.ProjectUpdate) (*models.Project, error)
	Delete(ctx context.Context, id uuid.UUID) (*models.Project, error)
}

type ProjectHandler struct {
	projects ProjectStore
	logger   *slog.Logger
}

func NewProjectHandler(projects ProjectStore, logger *slog.Logger) *ProjectHandler {
	return &ProjectHandler{
		projects: projects,
		logger:   logger.With("component", "project_handler"),
	}
}

func (h *ProjectHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	projects, err := h.projects.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list projects", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "unable to list projects")
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *ProjectHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("failed to decode request body", "error", err)
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	defer r.Body.Close()

	p, err := h.projects.Create(r.Context(), req.Name)
	if errors.Is(err, storage.ErrInvalidName) {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to create project", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "unable to create project")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *ProjectHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid project id")
		return
	}
	p, err := h.projects.Get(r.Context(), id)
	h.writeProject(w, p, err, "fetch")
}

func (h *ProjectHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid project id")
		return
	}

	var upd storage.ProjectUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		h.logger.Error("failed to decode request body", "error", err)
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	defer r.Body.Close()

	p, err := h.projects.Update(r.Context(), id, upd)
	if errors.Is(err, storage.ErrInvalidName) || errors.Is(err, storage.ErrInvalidRelayTarget) {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	h.writeProject(w, p, err, "update")
}

func (h *ProjectHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid project id")
		return
	}
	p, err := h.projects.Delete(r.Context(), id)
	h.writeProject(w, p, err, "delete")
}

func (h *ProjectHandler) writeProject(w http.ResponseWriter, p *models.Project, err error, op string) {
	switch {
	case errors.Is(err, storage.ErrProjectNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "project not found")
	case err != nil:
		h.logger.Error("project operation failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "unable to "+op+" project")
	default:
		writeJSON(w, http.StatusOK, p)
	}
}
