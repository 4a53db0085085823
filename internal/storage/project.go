package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/whookdev/inspector/internal/models"
)

var (
	ErrProjectNotFound    = errors.New("project not found")
	ErrInvalidName        = errors.New("project name is required")
	ErrInvalidRelayTarget = errors.New("relay target must be an absolute http(s) URL")
)

type ProjectStorage struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewProjectStorage(db *gorm.DB, logger *slog.Logger) *ProjectStorage {
	return &ProjectStorage{
		db:     db,
		logger: logger.With("component", "project_storage"),
	}
}

// ProjectUpdate fields left nil are not changed. An empty RelayTarget
// disables relaying.
type ProjectUpdate struct {
	Name        *string `json:"name"`
	RelayTarget *string `json:"relayTarget"`
}

func (s *ProjectStorage) Create(ctx context.Context, name string) (*models.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}

	p := &models.Project{ID: uuid.New(), Name: name}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, fmt.Errorf("creating project: %w", err)
	}

	s.logger.Info("created project", "project", p.ID, "name", p.Name)
	return p, nil
}

func (s *ProjectStorage) Get(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	var p models.Project
	err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching project: %w", err)
	}
	return &p, nil
}

func (s *ProjectStorage) List(ctx context.Context) ([]models.Project, error) {
	projects := []models.Project{}
	if err := s.db.WithContext(ctx).Order("created_at desc").Order("id desc").Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	return projects, nil
}

func (s *ProjectStorage) Update(ctx context.Context, id uuid.UUID, upd ProjectUpdate) (*models.Project, error) {
	changes := map[string]any{"updated_at": time.Now()}

	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, ErrInvalidName
		}
		changes["name"] = name
	}
	if upd.RelayTarget != nil {
		target := strings.TrimSpace(*upd.RelayTarget)
		if target == "" {
			changes["relay_target"] = nil
		} else {
			if err := ValidateRelayTarget(target); err != nil {
				return nil, err
			}
			changes["relay_target"] = target
		}
	}

	res := s.db.WithContext(ctx).Model(&models.Project{}).Where("id = ?", id).Updates(changes)
	if res.Error != nil {
		return nil, fmt.Errorf("updating project: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrProjectNotFound
	}

	s.logger.Info("updated project", "project", id)
	return s.Get(ctx, id)
}

// Delete removes the project's captured requests before the project itself
// and returns the deleted project.
func (s *ProjectStorage) Delete(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	var deleted models.Project
	var removed int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&deleted, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrProjectNotFound
		}
		if err != nil {
			return err
		}

		res := tx.Where("project_id = ?", id).Delete(&models.CapturedRequest{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected

		return tx.Delete(&models.Project{}, "id = ?", id).Error
	})
	if errors.Is(err, ErrProjectNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("deleting project: %w", err)
	}

	s.logger.Info("deleted project", "project", id, "requests_removed", removed)
	return &deleted, nil
}

func ValidateRelayTarget(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return ErrInvalidRelayTarget
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidRelayTarget
	}
	return nil
}
