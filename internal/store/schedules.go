package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"device-sync-backend/internal/model"
)

// DueSchedules returns enabled schedules whose next run time has passed and
// that are not held by a live run.
func (s *gormStore) DueSchedules(ctx context.Context, now time.Time, staleAfter time.Duration) ([]model.SyncSchedule, error) {
	var schedules []model.SyncSchedule
	err := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Where("next_run_at IS NULL OR next_run_at <= ?", now).
		Where("running = ? OR running_since IS NULL OR running_since < ?", false, now.Add(-staleAfter)).
		Order("next_run_at").
		Find(&schedules).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load due schedules: %w", err)
	}
	return schedules, nil
}

// ClaimSchedule moves a due schedule into the running state. A running
// claim older than staleAfter is treated as abandoned.
func (s *gormStore) ClaimSchedule(ctx context.Context, id string, now time.Time, staleAfter time.Duration) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.SyncSchedule{}).
		Where("id = ? AND enabled = ?", id, true).
		Where("next_run_at IS NULL OR next_run_at <= ?", now).
		Where("running = ? OR running_since IS NULL OR running_since < ?", false, now.Add(-staleAfter)).
		UpdateColumns(map[string]any{
			"running":       true,
			"running_since": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim schedule %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// CompleteSchedule records the run outcome and releases the claim. The next
// run time only ever moves forward.
func (s *gormStore) CompleteSchedule(ctx context.Context, id string, outcome ScheduleOutcome) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sched model.SyncSchedule
		if err := tx.First(&sched, "id = ?", id).Error; err != nil {
			return notFound(err, "schedule", id)
		}

		next := outcome.NextRunAt
		if sched.NextRunAt != nil && sched.NextRunAt.After(next) {
			next = *sched.NextRunAt
		}
		ranAt := outcome.RanAt

		sched.LastRunAt = &ranAt
		sched.LastRunStatus = outcome.Status
		sched.LastRunSummary = outcome.Summary
		sched.NextRunAt = &next
		sched.Running = false
		sched.RunningSince = nil

		err := tx.Model(&sched).
			Select("last_run_at", "last_run_status", "last_run_summary", "next_run_at", "running", "running_since", "updated_at").
			Updates(&sched).Error
		if err != nil {
			return fmt.Errorf("failed to complete schedule %s: %w", id, err)
		}
		return nil
	})
}

func (s *gormStore) GetSchedule(ctx context.Context, integrationID string) (*model.SyncSchedule, error) {
	var sched model.SyncSchedule
	if err := s.db.WithContext(ctx).First(&sched, "integration_id = ?", integrationID).Error; err != nil {
		return nil, notFound(err, "schedule for integration", integrationID)
	}
	return &sched, nil
}

// UpsertSchedule inserts or replaces the configuration of the integration's
// schedule. Run state columns are left untouched on update.
func (s *gormStore) UpsertSchedule(ctx context.Context, schedule *model.SyncSchedule) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "integration_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"enabled", "frequency_minutes", "direction", "conflict_resolution", "only_online",
			"time_window_enabled", "time_window_start", "time_window_end",
			"device_filter", "device_tags", "next_run_at", "updated_at",
		}),
	}).Create(schedule).Error
	if err != nil {
		return fmt.Errorf("failed to save schedule for integration %s: %w", schedule.IntegrationID, err)
	}

	// On update the generated id is not the stored one; read the row back.
	saved, err := s.GetSchedule(ctx, schedule.IntegrationID)
	if err != nil {
		return err
	}
	*schedule = *saved
	return nil
}

// IsNotFound reports whether err came from a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
