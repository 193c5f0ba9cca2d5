package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Resolutions accepted for a queued conflict.
const (
	ResolutionUseLocal  = "use_local"
	ResolutionUseRemote = "use_remote"
	ResolutionCustom    = "custom"
)

// SyncConflict is a field difference held back for manual review.
type SyncConflict struct {
	ID              string     `gorm:"primaryKey;size:36" json:"id"`
	DeviceID        string     `gorm:"size:36;index;not null" json:"device_id"`
	IntegrationID   string     `gorm:"size:36;index;not null" json:"integration_id"`
	OrganizationID  string     `gorm:"size:36;index" json:"organization_id"`
	FieldName       string     `gorm:"size:128;not null" json:"field_name"`
	LocalValue      string     `gorm:"type:text" json:"local_value"`
	RemoteValue     string     `gorm:"type:text" json:"remote_value"`
	DetectedAt      time.Time  `gorm:"not null" json:"detected_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy      string     `gorm:"size:64" json:"resolved_by,omitempty"`
	Resolution      string     `gorm:"size:16" json:"resolution,omitempty"`
	ResolutionNotes string     `gorm:"type:text" json:"resolution_notes,omitempty"`
}

func (c *SyncConflict) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}
