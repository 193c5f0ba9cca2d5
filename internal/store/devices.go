package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"device-sync-backend/internal/model"
)

func (s *gormStore) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	var d model.Device
	if err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "device", id)
	}
	return &d, nil
}

// ListCandidateDevices returns the organization's devices that are linked to
// the integration or not linked to any integration yet.
func (s *gormStore) ListCandidateDevices(ctx context.Context, organizationID, integrationID string) ([]model.Device, error) {
	var devices []model.Device
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND (integration_id = ? OR integration_id IS NULL)", organizationID, integrationID).
		Order("created_at, id").
		Find(&devices).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list devices for integration %s: %w", integrationID, err)
	}
	return devices, nil
}

func (s *gormStore) CreateDevice(ctx context.Context, device *model.Device) error {
	if err := s.db.WithContext(ctx).Create(device).Error; err != nil {
		return fmt.Errorf("failed to create device %q: %w", device.Name, err)
	}
	return nil
}

// UpdateDevice writes only the named columns. updated_at is always written.
func (s *gormStore) UpdateDevice(ctx context.Context, device *model.Device, columns ...string) error {
	if len(columns) == 0 {
		return nil
	}
	cols := append(append([]string(nil), columns...), "updated_at")
	err := s.db.WithContext(ctx).Model(device).Select(cols).Updates(device).Error
	if err != nil {
		return fmt.Errorf("failed to update device %s: %w", device.ID, err)
	}
	return nil
}

// MarkRemoteAbsent flags devices missing from the remote registry. Devices
// already flagged keep their original since timestamp.
func (s *gormStore) MarkRemoteAbsent(ctx context.Context, deviceIDs []string, since time.Time) error {
	if len(deviceIDs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&model.Device{}).
		Where("id IN ? AND remote_absent = ?", deviceIDs, false).
		Updates(map[string]any{
			"remote_absent":       true,
			"remote_absent_since": since,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark %d devices remote-absent: %w", len(deviceIDs), err)
	}
	return nil
}

// AppendFirmwareHistory inserts inside a nested transaction so that a failed
// insert rolls back to a savepoint instead of aborting the caller's
// transaction.
func (s *gormStore) AppendFirmwareHistory(ctx context.Context, entry *model.FirmwareHistory) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("failed to append firmware history for device %s: %w", entry.DeviceID, err)
		}
		return nil
	})
}

func (s *gormStore) ListFirmwareHistory(ctx context.Context, deviceID string, limit int) ([]model.FirmwareHistory, error) {
	var entries []model.FirmwareHistory
	err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("created_at DESC").
		Limit(clampLimit(limit)).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list firmware history for device %s: %w", deviceID, err)
	}
	return entries, nil
}
