package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// CapturedRequest is one entry of a project's append-only capture log.
// Rows are ordered per project by (Timestamp, ID).
type CapturedRequest struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID uuid.UUID      `gorm:"type:uuid;not null;index" json:"projectId"`
	Method    string         `gorm:"not null" json:"method"`
	Query     datatypes.JSON `gorm:"type:jsonb" json:"query"`
	Headers   datatypes.JSON `gorm:"type:jsonb" json:"headers"`
	Body      datatypes.JSON `gorm:"type:jsonb" json:"body"`
	IP        *string        `json:"ip"`
	Timestamp time.Time      `gorm:"not null;index" json:"timestamp"`
	Forwarded bool           `gorm:"not null;default:false" json:"forwarded"`
}

func (CapturedRequest) TableName() string {
	return "requests"
}
