package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"device-sync-backend/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflictResolved is returned when resolving a conflict twice.
	ErrConflictResolved = errors.New("conflict already resolved")
)

// Store defines the interface for all database operations.
type Store interface {
	// InTx runs fn against a Store bound to a single transaction.
	InTx(ctx context.Context, fn func(tx Store) error) error

	GetIntegration(ctx context.Context, id string) (*model.Integration, error)
	AcquireRunLease(ctx context.Context, integrationID, holder string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseRunLease(ctx context.Context, integrationID, holder string) error

	GetDevice(ctx context.Context, id string) (*model.Device, error)
	ListCandidateDevices(ctx context.Context, organizationID, integrationID string) ([]model.Device, error)
	CreateDevice(ctx context.Context, device *model.Device) error
	UpdateDevice(ctx context.Context, device *model.Device, columns ...string) error
	MarkRemoteAbsent(ctx context.Context, deviceIDs []string, since time.Time) error

	AppendFirmwareHistory(ctx context.Context, entry *model.FirmwareHistory) error
	ListFirmwareHistory(ctx context.Context, deviceID string, limit int) ([]model.FirmwareHistory, error)

	RecordConflicts(ctx context.Context, conflicts []model.SyncConflict) error
	GetConflict(ctx context.Context, id string) (*model.SyncConflict, error)
	ListUnresolvedConflicts(ctx context.Context, integrationID string) ([]model.SyncConflict, error)
	ResolveConflict(ctx context.Context, id string, res Resolution) error

	AppendActivity(ctx context.Context, entry *model.ActivityLog) error
	ListActivity(ctx context.Context, integrationID string, limit int) ([]model.ActivityLog, error)

	DueSchedules(ctx context.Context, now time.Time, staleAfter time.Duration) ([]model.SyncSchedule, error)
	ClaimSchedule(ctx context.Context, id string, now time.Time, staleAfter time.Duration) (bool, error)
	CompleteSchedule(ctx context.Context, id string, outcome ScheduleOutcome) error
	GetSchedule(ctx context.Context, integrationID string) (*model.SyncSchedule, error)
	UpsertSchedule(ctx context.Context, schedule *model.SyncSchedule) error
}

// Resolution stamps a queued conflict as handled.
type Resolution struct {
	Resolution string
	ResolvedBy string
	Notes      string
	At         time.Time
}

// ScheduleOutcome is persisted when a scheduled run finishes.
type ScheduleOutcome struct {
	Status    model.RunStatus
	Summary   *model.RunSummary
	RanAt     time.Time
	NextRunAt time.Time
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx})
	})
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	}
	return limit
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
	}
	return fmt.Errorf("failed to load %s %s: %w", what, id, err)
}

func (s *gormStore) GetIntegration(ctx context.Context, id string) (*model.Integration, error) {
	var in model.Integration
	if err := s.db.WithContext(ctx).First(&in, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "integration", id)
	}
	return &in, nil
}

// AcquireRunLease claims the integration for one sync run. It fails when
// another holder's lease has not yet expired.
func (s *gormStore) AcquireRunLease(ctx context.Context, integrationID, holder string, now time.Time, ttl time.Duration) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Integration{}).
		Where("id = ? AND (sync_lease_until IS NULL OR sync_lease_until < ?)", integrationID, now).
		UpdateColumns(map[string]any{
			"sync_lease_holder": holder,
			"sync_lease_until":  now.Add(ttl),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to acquire run lease for integration %s: %w", integrationID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *gormStore) ReleaseRunLease(ctx context.Context, integrationID, holder string) error {
	err := s.db.WithContext(ctx).Model(&model.Integration{}).
		Where("id = ? AND sync_lease_holder = ?", integrationID, holder).
		UpdateColumns(map[string]any{
			"sync_lease_holder": "",
			"sync_lease_until":  nil,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to release run lease for integration %s: %w", integrationID, err)
	}
	return nil
}
