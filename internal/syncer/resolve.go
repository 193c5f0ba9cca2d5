package syncer

import (
	"context"
	"encoding/json"
	"fmt"

	"device-sync-backend/internal/firmware"
	"device-sync-backend/internal/model"
	"device-sync-backend/internal/store"
)

// Resolve is an operator's decision on a queued conflict.
type Resolve struct {
	Resolution string
	// Value is the JSON encoded value for a custom resolution.
	Value      json.RawMessage
	ResolvedBy string
	Notes      string
}

// ResolveConflict applies the chosen value to the local device and marks the
// conflict resolved in one transaction. use_local leaves the device as is.
func (s *Syncer) ResolveConflict(ctx context.Context, conflictID string, in Resolve) (*model.SyncConflict, error) {
	switch in.Resolution {
	case model.ResolutionUseLocal, model.ResolutionUseRemote:
	case model.ResolutionCustom:
		if len(in.Value) == 0 {
			return nil, fmt.Errorf("%w: custom resolution needs a value", ErrInvalidResolution)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, in.Resolution)
	}

	c, err := s.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if c.ResolvedAt != nil {
		return nil, store.ErrConflictResolved
	}

	err = s.store.InTx(ctx, func(tx store.Store) error {
		if in.Resolution != model.ResolutionUseLocal {
			raw := []byte(c.RemoteValue)
			if in.Resolution == model.ResolutionCustom {
				raw = in.Value
			}
			v, err := decodeField(c.FieldName, raw)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidResolution, err)
			}
			d, err := tx.GetDevice(ctx, c.DeviceID)
			if err != nil {
				return err
			}
			previous := d.FirmwareVersion
			col, err := setLocalField(d, c.FieldName, v)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidResolution, err)
			}
			if err := tx.UpdateDevice(ctx, d, col); err != nil {
				return err
			}
			s.firmware.LogIfChanged(ctx, tx, firmware.Change{
				DeviceID:       d.ID,
				OrganizationID: d.OrganizationID,
				Previous:       previous,
				New:            d.FirmwareVersion,
				Source:         model.FirmwareSourceManual,
			})
		}
		return tx.ResolveConflict(ctx, c.ID, store.Resolution{
			Resolution: in.Resolution,
			ResolvedBy: in.ResolvedBy,
			Notes:      in.Notes,
			At:         s.cfg.Now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("conflict_id", c.ID).
		Str("device_id", c.DeviceID).
		Str("field", c.FieldName).
		Str("resolution", in.Resolution).
		Msg("conflict resolved")
	return s.store.GetConflict(ctx, conflictID)
}
