package model

// All lists every persisted model, in migration order.
func All() []any {
	return []any{
		&Integration{},
		&Device{},
		&SyncSchedule{},
		&ActivityLog{},
		&FirmwareHistory{},
		&SyncConflict{},
	}
}
