package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/whookdev/inspector/internal/models"
)

var ErrRequestNotFound = errors.New("request not found")

type RequestStorage struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewRequestStorage(db *gorm.DB, logger *slog.Logger) *RequestStorage {
	return &RequestStorage{
		db:     db,
		logger: logger.With("component", "request_storage"),
	}
}

// Insert appends req to its project's log, assigning a time-ordered id and
// the arrival timestamp when they are unset.
func (s *RequestStorage) Insert(ctx context.Context, req *models.CapturedRequest) error {
	if req.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generating request id: %w", err)
		}
		req.ID = id
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	if err := s.db.WithContext(ctx).Create(req).Error; err != nil {
		return fmt.Errorf("inserting request: %w", err)
	}

	s.logger.Debug("stored request",
		"project", req.ProjectID,
		"request", req.ID,
		"method", req.Method,
		"forwarded", req.Forwarded,
	)
	return nil
}

func (s *RequestStorage) Get(ctx context.Context, id uuid.UUID) (*models.CapturedRequest, error) {
	var req models.CapturedRequest
	err := s.db.WithContext(ctx).First(&req, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching request: %w", err)
	}
	return &req, nil
}

// Latest returns up to n of the project's most recent requests, newest first.
func (s *RequestStorage) Latest(ctx context.Context, projectID uuid.UUID, n int) ([]models.CapturedRequest, error) {
	reqs := []models.CapturedRequest{}
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("timestamp desc").Order("id desc").
		Limit(n).
		Find(&reqs).Error
	if err != nil {
		return nil, fmt.Errorf("listing latest requests: %w", err)
	}
	return reqs, nil
}

func (s *RequestStorage) MarkForwarded(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Model(&models.CapturedRequest{}).
		Where("id IN ?", ids).
		Update("forwarded", true).Error
	if err != nil {
		return fmt.Errorf("marking requests forwarded: %w", err)
	}
	return nil
}

func (s *RequestStorage) CountByProject(ctx context.Context, projectID uuid.UUID, r TimeRange) (int64, error) {
	var n int64
	tx := s.db.WithContext(ctx).Model(&models.CapturedRequest{}).Where("project_id = ?", projectID)
	if err := r.scope(tx).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting requests: %w", err)
	}
	return n, nil
}
