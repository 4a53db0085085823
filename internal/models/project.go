package models

import (
	"time"

	"github.com/google/uuid"
)

type Project struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name        string    `gorm:"not null;index" json:"name"`
	RelayTarget *string   `json:"relayTarget"`
	CreatedAt   time.Time `gorm:"not null" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"not null" json:"updatedAt"`

	Requests []CapturedRequest `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE" json:"-"`
}

// RelayEnabled reports whether captured traffic should be mirrored.
func (p *Project) RelayEnabled() bool {
	return p != nil && p.RelayTarget != nil && *p.RelayTarget != ""
}
