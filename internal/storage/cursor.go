package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/whookdev/inspector/internal/models"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100
)

type Direction string

const (
	// Backward pages into older history.
	Backward Direction = "backward"
	// Forward polls for rows newer than the cursor.
	Forward Direction = "forward"
)

func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case "", Backward:
		return Backward, nil
	case Forward:
		return Forward, nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

// TimeRange bounds timestamps inclusively. A nil end is open.
type TimeRange struct {
	Since *time.Time
	Until *time.Time
}

func (r TimeRange) scope(tx *gorm.DB) *gorm.DB {
	if r.Since != nil {
		tx = tx.Where("timestamp >= ?", r.Since.UTC())
	}
	if r.Until != nil {
		tx = tx.Where("timestamp <= ?", r.Until.UTC())
	}
	return tx
}

type PageQuery struct {
	ProjectID uuid.UUID
	Cursor    *uuid.UUID
	Direction Direction
	Limit     int
	Range     TimeRange
}

type Page struct {
	Items          []models.CapturedRequest `json:"items"`
	NextCursor     *uuid.UUID               `json:"nextCursor"`
	PreviousCursor *uuid.UUID               `json:"previousCursor"`
	// Total counts the rows inside the range, regardless of the cursor.
	Total int64 `json:"total"`
}

func normalizeLimit(limit int) int {
	if limit < 1 {
		return DefaultPageLimit
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}

// Page reads the project's log with keyset pagination over (timestamp, id).
//
// Backward returns rows strictly older than the cursor. Forward returns rows
// strictly newer than the cursor, read oldest first so a burst larger than the
// limit is picked up by the next poll. Without a cursor either direction loads
// the newest rows.
//
// Items always come back newest first. NextCursor is the oldest row returned
// while more history remains, PreviousCursor the newest row the caller has
// seen. An unknown cursor yields an empty page. The range narrows both the
// items and Total.
func (s *RequestStorage) Page(ctx context.Context, q PageQuery) (Page, error) {
	limit := normalizeLimit(q.Limit)
	dir := q.Direction
	if dir == "" {
		dir = Backward
	}

	total, err := s.CountByProject(ctx, q.ProjectID, q.Range)
	if err != nil {
		return Page{}, err
	}

	tx := q.Range.scope(s.db.WithContext(ctx).Where("project_id = ?", q.ProjectID))

	if q.Cursor != nil {
		pivot, err := s.Get(ctx, *q.Cursor)
		if errors.Is(err, ErrRequestNotFound) || (err == nil && pivot.ProjectID != q.ProjectID) {
			s.logger.Debug("unknown cursor", "project", q.ProjectID, "cursor", *q.Cursor)
			return Page{Items: []models.CapturedRequest{}, Total: total}, nil
		}
		if err != nil {
			return Page{}, err
		}

		op := "<"
		if dir == Forward {
			op = ">"
		}
		tx = tx.Where(
			fmt.Sprintf("(timestamp %[1]s ? OR (timestamp = ? AND id %[1]s ?))", op),
			pivot.Timestamp, pivot.Timestamp, pivot.ID,
		)
	}

	order := "desc"
	if dir == Forward && q.Cursor != nil {
		order = "asc"
	}

	items := []models.CapturedRequest{}
	err = tx.Order("timestamp " + order).Order("id " + order).Limit(limit + 1).Find(&items).Error
	if err != nil {
		return Page{}, fmt.Errorf("paging requests: %w", err)
	}

	more := len(items) > limit
	if more {
		items = items[:limit]
	}
	if order == "asc" {
		slices.Reverse(items)
	}

	page := Page{Items: items, Total: total}
	if len(items) > 0 {
		newest := items[0].ID
		page.PreviousCursor = &newest
	} else if dir == Forward && q.Cursor != nil {
		cursor := *q.Cursor
		page.PreviousCursor = &cursor
	}
	if order == "desc" && more {
		oldest := items[len(items)-1].ID
		page.NextCursor = &oldest
	}
	return page, nil
}
