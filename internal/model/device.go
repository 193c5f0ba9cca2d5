package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Device is the platform's own record of a device. Empty strings stand in
// for absent serial numbers, external ids, cohorts and firmware versions.
type Device struct {
	ID                string         `gorm:"primaryKey;size:36" json:"id"`
	OrganizationID    string         `gorm:"size:36;index;not null" json:"organization_id"`
	IntegrationID     *string        `gorm:"size:36;index" json:"integration_id"`
	Name              string         `gorm:"size:256;not null" json:"name"`
	DeviceType        string         `gorm:"size:64;not null" json:"device_type"`
	SerialNumber      string         `gorm:"size:128;index" json:"serial_number,omitempty"`
	ExternalDeviceID  string         `gorm:"size:256;index" json:"external_device_id,omitempty"`
	HardwareIDs       []string       `gorm:"serializer:json;type:text" json:"hardware_ids,omitempty"`
	FirmwareVersion   string         `gorm:"size:64" json:"firmware_version,omitempty"`
	LastSeenOnline    *time.Time     `json:"last_seen_online,omitempty"`
	CohortID          string         `gorm:"size:128" json:"cohort_id,omitempty"`
	Tags              []string       `gorm:"serializer:json;type:text" json:"tags,omitempty"`
	Metadata          map[string]any `gorm:"serializer:json;type:text" json:"metadata,omitempty"`
	RemoteAbsent      bool           `gorm:"not null" json:"remote_absent"`
	RemoteAbsentSince *time.Time     `json:"remote_absent_since,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func (d *Device) BeforeCreate(*gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}

// HasAnyTag reports whether the device carries at least one of tags.
func (d *Device) HasAnyTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range d.Tags {
			if have == want {
				return true
			}
		}
	}
	return false
}

// LinkedTo reports whether the device belongs to the given integration.
func (d *Device) LinkedTo(integrationID string) bool {
	return d.IntegrationID != nil && *d.IntegrationID == integrationID
}
