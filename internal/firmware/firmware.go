// Package firmware keeps the append-only audit trail of firmware version
// changes.
package firmware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"device-sync-backend/internal/model"
)

// Appender persists a history entry, usually inside the caller's
// transaction.
type Appender interface {
	AppendFirmwareHistory(ctx context.Context, entry *model.FirmwareHistory) error
}

// Change describes a firmware version transition on one device.
type Change struct {
	DeviceID       string
	OrganizationID string
	Previous       string
	New            string
	Source         string
}

type Logger struct {
	log zerolog.Logger
	now func() time.Time
}

// NewLogger stamps entries with now, or time.Now when now is nil.
func NewLogger(log zerolog.Logger, now func() time.Time) *Logger {
	if now == nil {
		now = time.Now
	}
	return &Logger{log: log, now: now}
}

// LogIfChanged appends an entry when both versions are present and differ.
// A failed append is logged and swallowed; it reports whether an entry was
// written.
func (l *Logger) LogIfChanged(ctx context.Context, app Appender, c Change) bool {
	if c.Previous == "" || c.New == "" || c.Previous == c.New {
		return false
	}
	entry := &model.FirmwareHistory{
		DeviceID:        c.DeviceID,
		OrganizationID:  c.OrganizationID,
		PreviousVersion: c.Previous,
		NewVersion:      c.New,
		Source:          c.Source,
		CreatedAt:       l.now().UTC(),
	}
	if err := app.AppendFirmwareHistory(ctx, entry); err != nil {
		l.log.Warn().Err(err).
			Str("device_id", c.DeviceID).
			Str("previous_version", c.Previous).
			Str("new_version", c.New).
			Msg("failed to record firmware history")
		return false
	}
	return true
}
