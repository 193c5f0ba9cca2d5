package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"device-sync-backend/internal/model"
)

// RecordConflicts queues manual conflicts. An unresolved conflict for the
// same device field is refreshed rather than duplicated.
func (s *gormStore) RecordConflicts(ctx context.Context, conflicts []model.SyncConflict) error {
	if len(conflicts) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range conflicts {
			c := &conflicts[i]
			var existing model.SyncConflict
			err := tx.Where("device_id = ? AND field_name = ? AND resolved_at IS NULL", c.DeviceID, c.FieldName).
				First(&existing).Error
			switch {
			case err == nil:
				c.ID = existing.ID
				err = tx.Model(&existing).Updates(map[string]any{
					"local_value":  c.LocalValue,
					"remote_value": c.RemoteValue,
					"detected_at":  c.DetectedAt,
				}).Error
			case errors.Is(err, gorm.ErrRecordNotFound):
				err = tx.Create(c).Error
			}
			if err != nil {
				return fmt.Errorf("failed to record conflict on %s for device %s: %w", c.FieldName, c.DeviceID, err)
			}
		}
		return nil
	})
}

func (s *gormStore) GetConflict(ctx context.Context, id string) (*model.SyncConflict, error) {
	var c model.SyncConflict
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "conflict", id)
	}
	return &c, nil
}

func (s *gormStore) ListUnresolvedConflicts(ctx context.Context, integrationID string) ([]model.SyncConflict, error) {
	var conflicts []model.SyncConflict
	err := s.db.WithContext(ctx).
		Where("integration_id = ? AND resolved_at IS NULL", integrationID).
		Order("detected_at DESC").
		Find(&conflicts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts for integration %s: %w", integrationID, err)
	}
	return conflicts, nil
}

func (s *gormStore) ResolveConflict(ctx context.Context, id string, res Resolution) error {
	result := s.db.WithContext(ctx).Model(&model.SyncConflict{}).
		Where("id = ? AND resolved_at IS NULL", id).
		UpdateColumns(map[string]any{
			"resolved_at":      res.At,
			"resolved_by":      res.ResolvedBy,
			"resolution":       res.Resolution,
			"resolution_notes": res.Notes,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to resolve conflict %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetConflict(ctx, id); err != nil {
			return err
		}
		return ErrConflictResolved
	}
	return nil
}

func (s *gormStore) AppendActivity(ctx context.Context, entry *model.ActivityLog) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append activity for integration %s: %w", entry.IntegrationID, err)
	}
	return nil
}

func (s *gormStore) ListActivity(ctx context.Context, integrationID string, limit int) ([]model.ActivityLog, error) {
	var entries []model.ActivityLog
	err := s.db.WithContext(ctx).
		Where("integration_id = ?", integrationID).
		Order("created_at DESC").
		Limit(clampLimit(limit)).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list activity for integration %s: %w", integrationID, err)
	}
	return entries, nil
}
