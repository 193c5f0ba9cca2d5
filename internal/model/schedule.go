package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Direction selects which side is authoritative during a sync run.
type Direction string

const (
	DirectionImport        Direction = "import"
	DirectionExport        Direction = "export"
	DirectionBidirectional Direction = "bidirectional"
)

func (d Direction) Valid() bool {
	switch d {
	case DirectionImport, DirectionExport, DirectionBidirectional:
		return true
	}
	return false
}

// Imports reports whether remote state may be written locally.
func (d Direction) Imports() bool { return d == DirectionImport || d == DirectionBidirectional }

// Exports reports whether local state may be pushed to the remote.
func (d Direction) Exports() bool { return d == DirectionExport || d == DirectionBidirectional }

// ConflictPolicy chooses the winning side for a field both sides disagree on.
type ConflictPolicy string

const (
	PolicyNewestWins ConflictPolicy = "newest_wins"
	PolicyLocalWins  ConflictPolicy = "local_wins"
	PolicyRemoteWins ConflictPolicy = "remote_wins"
	PolicyManual     ConflictPolicy = "manual"
)

func (p ConflictPolicy) Valid() bool {
	switch p {
	case PolicyNewestWins, PolicyLocalWins, PolicyRemoteWins, PolicyManual:
		return true
	}
	return false
}

// RunStatus is the outcome of one sync run.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

const (
	DeviceFilterAll    = "all"
	DeviceFilterTagged = "tagged"
)

// SyncSchedule drives autonomous sync runs for one integration.
type SyncSchedule struct {
	ID                 string         `gorm:"primaryKey;size:36" json:"id"`
	IntegrationID      string         `gorm:"size:36;uniqueIndex;not null" json:"integration_id"`
	OrganizationID     string         `gorm:"size:36;index;not null" json:"organization_id"`
	Enabled            bool           `gorm:"not null" json:"enabled"`
	FrequencyMinutes   int            `gorm:"not null" json:"frequency_minutes"`
	Direction          Direction      `gorm:"size:16;not null" json:"direction"`
	ConflictResolution ConflictPolicy `gorm:"size:16;not null" json:"conflict_resolution"`
	OnlyOnline         bool           `gorm:"not null" json:"only_online"`
	TimeWindowEnabled  bool           `gorm:"not null" json:"time_window_enabled"`
	TimeWindowStart    string         `gorm:"size:5" json:"time_window_start,omitempty"`
	TimeWindowEnd      string         `gorm:"size:5" json:"time_window_end,omitempty"`
	DeviceFilter       string         `gorm:"size:16;not null" json:"device_filter"`
	DeviceTags         []string       `gorm:"serializer:json;type:text" json:"device_tags"`
	LastRunAt          *time.Time     `json:"last_run_at"`
	LastRunStatus      RunStatus      `gorm:"size:16" json:"last_run_status,omitempty"`
	LastRunSummary     *RunSummary    `gorm:"serializer:json;type:text" json:"last_run_summary,omitempty"`
	NextRunAt          *time.Time     `gorm:"index" json:"next_run_at"`
	Running            bool           `gorm:"not null" json:"running"`
	RunningSince       *time.Time     `json:"running_since,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func (s *SyncSchedule) BeforeCreate(*gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// Tags returns the tag filter, or nil when the schedule covers all devices.
func (s *SyncSchedule) Tags() []string {
	if s.DeviceFilter != DeviceFilterTagged {
		return nil
	}
	return s.DeviceTags
}

// Frequency returns the configured cadence, never less than a minute.
func (s *SyncSchedule) Frequency() time.Duration {
	if s.FrequencyMinutes < 1 {
		return time.Minute
	}
	return time.Duration(s.FrequencyMinutes) * time.Minute
}
