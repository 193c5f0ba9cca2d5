package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	FirmwareSourceSync   = "sync"
	FirmwareSourceManual = "manual"
)

// FirmwareHistory records one firmware version transition. Rows are never
// updated or deleted.
type FirmwareHistory struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	DeviceID        string    `gorm:"size:36;index;not null" json:"device_id"`
	OrganizationID  string    `gorm:"size:36;index" json:"organization_id"`
	PreviousVersion string    `gorm:"size:64;not null" json:"previous_version"`
	NewVersion      string    `gorm:"size:64;not null" json:"new_version"`
	Source          string    `gorm:"size:16;not null" json:"source"`
	CreatedAt       time.Time `gorm:"index" json:"created_at"`
}

func (f *FirmwareHistory) BeforeCreate(*gorm.DB) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	return nil
}
