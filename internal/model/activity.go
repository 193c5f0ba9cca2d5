package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	ActivityTypeDeviceSync = "device_sync"

	ActivityStatusSuccess = "success"
	ActivityStatusPartial = "partial"
	ActivityStatusError   = "error"

	TriggerManual   = "manual"
	TriggerAutoSync = "auto_sync"
)

// ActivityMetadata is stored alongside each activity entry.
type ActivityMetadata struct {
	Trigger    string      `json:"trigger"`
	ScheduleID string      `json:"schedule_id,omitempty"`
	Direction  Direction   `json:"direction"`
	Summary    *RunSummary `json:"summary,omitempty"`
}

// ActivityLog is an append-only audit entry for an integration.
type ActivityLog struct {
	ID             string           `gorm:"primaryKey;size:36" json:"id"`
	IntegrationID  string           `gorm:"size:36;index;not null" json:"integration_id"`
	OrganizationID string           `gorm:"size:36;index;not null" json:"organization_id"`
	Type           string           `gorm:"size:32;not null" json:"type"`
	Direction      string           `gorm:"size:16" json:"direction"`
	Status         string           `gorm:"size:16;not null" json:"status"`
	Message        string           `gorm:"type:text" json:"message"`
	Metadata       ActivityMetadata `gorm:"serializer:json;type:text" json:"metadata"`
	CreatedAt      time.Time        `gorm:"index" json:"created_at"`
}

func (a *ActivityLog) BeforeCreate(*gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}
