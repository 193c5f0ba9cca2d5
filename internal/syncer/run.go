package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"device-sync-backend/internal/conflict"
	"device-sync-backend/internal/firmware"
	"device-sync-backend/internal/match"
	"device-sync-backend/internal/model"
	"device-sync-backend/internal/provider"
	"device-sync-backend/internal/store"
)

// run holds the state of a single Run call.
type run struct {
	*Syncer
	req         Request
	integration *model.Integration
	log         zerolog.Logger
	result      *Result

	client provider.Adapter
	caps   provider.Capabilities
	now    time.Time
}

func (r *run) execute(ctx context.Context) error {
	a, err := r.adapter(r.integration)
	if err != nil {
		return fmt.Errorf("failed to build %s adapter: %w", r.integration.Kind, err)
	}
	r.client = a
	r.caps = a.Capabilities()

	locals, err := r.store.ListCandidateDevices(ctx, r.integration.OrganizationID, r.integration.ID)
	if err != nil {
		return err
	}

	listCtx, cancel := context.WithTimeout(ctx, r.cfg.ListTimeout)
	listing, err := a.ListDevices(listCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRemoteFetchFailed, err)
	}

	sum := &r.result.Summary
	for _, f := range listing.Failures {
		sum.Errored++
		r.detail(model.DeviceDetail{ExternalID: f.ExternalID, Reason: model.ReasonListFailed, Message: f.Err.Error()})
		r.log.Warn().Err(f.Err).Str("external_id", f.ExternalID).Msg("remote device could not be listed")
	}

	r.now = r.cfg.Now()
	report := match.Match(locals, listing.Devices)
	r.log.Debug().
		Int("locals", len(locals)).
		Int("remotes", len(listing.Devices)).
		Int("remote_absent", len(report.RemoteAbsent)).
		Msg("inventories matched")

	for i := range report.Results {
		if r.cancelled(ctx) {
			return nil
		}
		res := &report.Results[i]
		switch res.Outcome {
		case match.Matched:
			r.syncPair(ctx, res.Local, &res.Remote)
		case match.Ambiguous:
			r.ambiguous(res)
		default:
			r.importRemote(ctx, &res.Remote)
		}
	}

	var absent []string
	for _, local := range report.RemoteAbsent {
		if r.cancelled(ctx) {
			return nil
		}
		if id, ok := r.localOnly(ctx, local); ok {
			absent = append(absent, id)
		}
	}
	r.markAbsent(ctx, absent, len(listing.Failures) > 0)
	return nil
}

func (r *run) cancelled(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	if !r.result.Summary.Cancelled {
		r.result.Summary.Cancelled = true
		r.log.Warn().Err(ctx.Err()).Msg("sync run cancelled, keeping devices processed so far")
	}
	return true
}

func (r *run) inScope(local *model.Device, remote *provider.RemoteDevice) bool {
	tags := r.req.Options.Tags
	if len(tags) == 0 {
		return true
	}
	if local != nil && local.HasAnyTag(tags) {
		return true
	}
	if remote != nil {
		rd := model.Device{Tags: remote.Tags}
		return rd.HasAnyTag(tags)
	}
	return false
}

func (r *run) detail(d model.DeviceDetail) {
	sum := &r.result.Summary
	if len(sum.Details) >= r.cfg.MaxErrorDetails {
		sum.DetailsTruncated++
		return
	}
	sum.Details = append(sum.Details, d)
}

func (r *run) fail(deviceID, externalID, name string, err error) {
	err = fmt.Errorf("%w: %w", ErrPerDeviceWriteFailed, err)
	r.result.Summary.Errored++
	r.detail(model.DeviceDetail{
		DeviceID:   deviceID,
		ExternalID: externalID,
		Name:       name,
		Reason:     model.ReasonWriteFailed,
		Message:    err.Error(),
	})
	r.log.Warn().Err(err).Str("device_id", deviceID).Str("external_id", externalID).Msg("device sync failed")
}

type fieldValue struct {
	field string
	value any
}

// syncPair reconciles one matched pair. Direction decides which side may be
// written; the conflict policy decides whose value a written field takes.
func (r *run) syncPair(ctx context.Context, local *model.Device, remote *provider.RemoteDevice) {
	if !r.inScope(local, remote) {
		return
	}
	sum := &r.result.Summary
	sum.Matched++

	if r.req.Options.OnlyOnline && !provider.Online(remote.LastSeenOnline, r.now, r.cfg.Staleness) {
		sum.Skipped++
		r.detail(model.DeviceDetail{DeviceID: local.ID, ExternalID: remote.ExternalID, Name: local.Name, Reason: model.ReasonStale,
			Message: "remote snapshot is older than the staleness threshold"})
		return
	}
	if !r.req.Options.UpdateExisting {
		sum.Skipped++
		return
	}

	diff := conflict.Compare(local, remote, r.req.ConflictPolicy)
	if len(diff.Conflicts) > 0 {
		r.result.Conflicts = append(r.result.Conflicts, DeviceConflicts{DeviceID: local.ID, ExternalID: remote.ExternalID, Records: diff.Conflicts})
	}
	if manual := diff.Manual(); len(manual) > 0 {
		sum.Conflicts += len(manual)
		fields := make([]string, len(manual))
		for i, c := range manual {
			fields[i] = c.Field
		}
		r.detail(model.DeviceDetail{DeviceID: local.ID, ExternalID: remote.ExternalID, Name: local.Name, Reason: model.ReasonManualConflict,
			Message: "held for review: " + strings.Join(fields, ", ")})
		if !r.req.DryRun {
			r.queueConflicts(ctx, local, manual)
		}
	}

	var toLocal, toRemote []fieldValue
	for _, c := range diff.Conflicts {
		v, ok := c.Value()
		if !ok || blank(v) {
			continue
		}
		if c.Winner == conflict.SideRemote {
			toLocal = append(toLocal, fieldValue{c.Field, v})
		} else {
			toRemote = append(toRemote, fieldValue{c.Field, v})
		}
	}
	for _, f := range diff.Fills {
		if f.From == conflict.SideRemote {
			toLocal = append(toLocal, fieldValue{f.Field, f.Value})
		} else {
			toRemote = append(toRemote, fieldValue{f.Field, f.Value})
		}
	}
	if !r.req.Direction.Imports() {
		toLocal = nil
	}
	if !r.req.Direction.Exports() {
		toRemote = nil
	}
	toRemote = r.exportable(toRemote)

	unsupported := false
	if len(toRemote) > 0 && !r.caps.Export {
		unsupported = true
		toRemote = nil
	}

	updated := *local
	updated.Metadata = cloneMetadata(local.Metadata)
	var cols []string
	for _, fv := range toLocal {
		col, err := setLocalField(&updated, fv.field, fv.value)
		if err != nil {
			r.fail(local.ID, remote.ExternalID, local.Name, err)
			return
		}
		cols = appendUnique(cols, col)
	}
	changed := len(cols) > 0 || len(toRemote) > 0
	cols = append(cols, r.link(&updated, local, remote)...)

	if r.req.DryRun {
		r.outcome(changed, unsupported, local, remote)
		return
	}

	dctx, cancel := context.WithTimeout(ctx, r.cfg.DeviceTimeout)
	defer cancel()

	if len(cols) > 0 {
		if err := r.writeLocal(dctx, local, &updated, cols); err != nil {
			r.fail(local.ID, remote.ExternalID, local.Name, err)
			return
		}
	}
	if len(toRemote) > 0 {
		push := *remote
		push.Metadata = cloneMetadata(remote.Metadata)
		for _, fv := range toRemote {
			if err := setRemoteField(&push, fv.field, fv.value); err != nil {
				r.fail(local.ID, remote.ExternalID, local.Name, err)
				return
			}
		}
		if _, err := r.client.UpsertDevice(dctx, push); err != nil {
			r.fail(local.ID, remote.ExternalID, local.Name, err)
			return
		}
	}
	r.outcome(changed, unsupported, local, remote)
}

func (r *run) outcome(changed, unsupported bool, local *model.Device, remote *provider.RemoteDevice) {
	sum := &r.result.Summary
	switch {
	case changed:
		sum.Updated++
	case unsupported:
		sum.Skipped++
		r.detail(model.DeviceDetail{DeviceID: local.ID, ExternalID: remote.ExternalID, Name: local.Name, Reason: model.ReasonUnsupported,
			Message: fmt.Sprintf("%s does not accept device writes", r.integration.Kind)})
	default:
		sum.Unchanged++
	}
}

// exportable drops fields the remote platform cannot store.
func (r *run) exportable(fields []fieldValue) []fieldValue {
	out := fields[:0:0]
	for _, fv := range fields {
		switch {
		case fv.field == conflict.FieldFirmwareVersion && !r.caps.FirmwareManagement:
		case fv.field == conflict.FieldCohortID && !r.caps.Cohorts:
		default:
			out = append(out, fv)
		}
	}
	return out
}

// link records bookkeeping that follows from a match: the pairing itself,
// the remote identifier, liveness and remote presence. It returns the
// columns it touched.
func (r *run) link(updated, local *model.Device, remote *provider.RemoteDevice) []string {
	var cols []string
	if updated.IntegrationID == nil {
		id := r.integration.ID
		updated.IntegrationID = &id
		cols = append(cols, "integration_id")
	}
	if updated.ExternalDeviceID == "" && remote.ExternalID != "" {
		updated.ExternalDeviceID = remote.ExternalID
		cols = append(cols, "external_device_id")
	}
	if updated.SerialNumber == "" && remote.SerialNumber != "" && r.req.Direction.Imports() {
		updated.SerialNumber = remote.SerialNumber
		cols = append(cols, "serial_number")
	}
	if remote.LastSeenOnline != nil && (local.LastSeenOnline == nil || remote.LastSeenOnline.After(*local.LastSeenOnline)) {
		seen := *remote.LastSeenOnline
		updated.LastSeenOnline = &seen
		cols = append(cols, "last_seen_online")
	}
	if local.RemoteAbsent {
		updated.RemoteAbsent = false
		updated.RemoteAbsentSince = nil
		cols = append(cols, "remote_absent", "remote_absent_since")
	}
	return cols
}

// writeLocal applies one device's changes and its firmware history entry
// atomically.
func (r *run) writeLocal(ctx context.Context, before, after *model.Device, cols []string) error {
	return r.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateDevice(ctx, after, cols...); err != nil {
			return err
		}
		r.firmware.LogIfChanged(ctx, tx, firmware.Change{
			DeviceID:       after.ID,
			OrganizationID: after.OrganizationID,
			Previous:       before.FirmwareVersion,
			New:            after.FirmwareVersion,
			Source:         model.FirmwareSourceSync,
		})
		return nil
	})
}

func (r *run) queueConflicts(ctx context.Context, local *model.Device, records []conflict.Record) {
	rows := make([]model.SyncConflict, 0, len(records))
	for _, c := range records {
		lv, _ := json.Marshal(c.LocalValue)
		rv, _ := json.Marshal(c.RemoteValue)
		rows = append(rows, model.SyncConflict{
			DeviceID:       local.ID,
			IntegrationID:  r.integration.ID,
			OrganizationID: r.integration.OrganizationID,
			FieldName:      c.Field,
			LocalValue:     string(lv),
			RemoteValue:    string(rv),
			DetectedAt:     r.now.UTC(),
		})
	}
	dctx, cancel := context.WithTimeout(ctx, r.cfg.DeviceTimeout)
	defer cancel()
	if err := r.store.RecordConflicts(dctx, rows); err != nil {
		r.log.Warn().Err(err).Str("device_id", local.ID).Msg("failed to queue manual conflicts")
	}
}

func (r *run) ambiguous(res *match.Result) {
	inScope := r.inScope(nil, &res.Remote)
	for _, c := range res.Candidates {
		inScope = inScope || r.inScope(c, nil)
	}
	if !inScope {
		return
	}
	r.result.Summary.Skipped++
	r.detail(model.DeviceDetail{
		ExternalID: res.Remote.ExternalID,
		Name:       res.Remote.Name,
		Reason:     model.ReasonAmbiguousMatch,
		Message:    fmt.Sprintf("%d local candidates share its %s", len(res.Candidates), res.Tier),
	})
}

// importRemote creates a local record for a remote device no local device
// matched.
func (r *run) importRemote(ctx context.Context, remote *provider.RemoteDevice) {
	if !r.req.Direction.Imports() || !r.inScope(nil, remote) {
		return
	}
	sum := &r.result.Summary
	if !r.req.Options.CreateMissing {
		sum.Skipped++
		return
	}
	if r.req.DryRun {
		sum.Created++
		return
	}

	d := r.deviceFromRemote(remote)
	dctx, cancel := context.WithTimeout(ctx, r.cfg.DeviceTimeout)
	defer cancel()
	if err := r.store.CreateDevice(dctx, d); err != nil {
		r.fail("", remote.ExternalID, remote.Name, err)
		return
	}
	sum.Created++
}

// localOnly handles a local device with no remote counterpart. It returns
// the device id when the device should be flagged remote-absent.
func (r *run) localOnly(ctx context.Context, local *model.Device) (string, bool) {
	if !r.inScope(local, nil) {
		return "", false
	}
	if !r.req.Direction.Exports() {
		if r.req.Options.MarkRemoteAbsent && local.LinkedTo(r.integration.ID) && !local.RemoteAbsent {
			return local.ID, true
		}
		return "", false
	}
	if !r.req.Options.CreateMissing {
		return "", false
	}

	sum := &r.result.Summary
	if !r.caps.Export {
		sum.Skipped++
		r.detail(model.DeviceDetail{DeviceID: local.ID, Name: local.Name, Reason: model.ReasonUnsupported,
			Message: fmt.Sprintf("%s does not accept device writes", r.integration.Kind)})
		return "", false
	}
	if r.req.DryRun {
		sum.Created++
		return "", false
	}

	dctx, cancel := context.WithTimeout(ctx, r.cfg.DeviceTimeout)
	defer cancel()

	created, err := r.client.UpsertDevice(dctx, r.remoteFromLocal(local))
	if err != nil {
		r.fail(local.ID, local.ExternalDeviceID, local.Name, err)
		return "", false
	}

	updated := *local
	var cols []string
	if created.ExternalID != "" && created.ExternalID != local.ExternalDeviceID {
		updated.ExternalDeviceID = created.ExternalID
		cols = append(cols, "external_device_id")
	}
	if !local.LinkedTo(r.integration.ID) {
		id := r.integration.ID
		updated.IntegrationID = &id
		cols = append(cols, "integration_id")
	}
	if err := r.store.UpdateDevice(dctx, &updated, cols...); err != nil {
		r.fail(local.ID, created.ExternalID, local.Name, err)
		return "", false
	}
	sum.Created++
	return "", false
}

func (r *run) markAbsent(ctx context.Context, ids []string, listingIncomplete bool) {
	if len(ids) == 0 || r.req.DryRun {
		return
	}
	if listingIncomplete {
		r.log.Warn().Int("devices", len(ids)).Msg("remote listing was incomplete, not marking devices remote-absent")
		return
	}
	if err := r.store.MarkRemoteAbsent(context.WithoutCancel(ctx), ids, r.now.UTC()); err != nil {
		r.log.Warn().Err(err).Msg("failed to mark devices remote-absent")
		return
	}
	r.log.Info().Int("devices", len(ids)).Msg("devices marked remote-absent")
}

func (r *run) deviceFromRemote(remote *provider.RemoteDevice) *model.Device {
	id := r.integration.ID
	d := &model.Device{
		OrganizationID:   r.integration.OrganizationID,
		IntegrationID:    &id,
		Name:             remote.Name,
		DeviceType:       remote.DeviceType,
		SerialNumber:     remote.SerialNumber,
		ExternalDeviceID: remote.ExternalID,
		HardwareIDs:      remote.HardwareIDs,
		FirmwareVersion:  remote.FirmwareVersion,
		LastSeenOnline:   remote.LastSeenOnline,
		CohortID:         remote.CohortID,
		Tags:             remote.Tags,
		Metadata:         cloneMetadata(remote.Metadata),
	}
	if d.Name == "" {
		d.Name = remote.ExternalID
	}
	if d.DeviceType == "" {
		d.DeviceType = "unknown"
	}
	return d
}

func (r *run) remoteFromLocal(local *model.Device) provider.RemoteDevice {
	rd := provider.RemoteDevice{
		ExternalID:     local.ExternalDeviceID,
		Name:           local.Name,
		SerialNumber:   local.SerialNumber,
		DeviceType:     local.DeviceType,
		HardwareIDs:    local.HardwareIDs,
		LastSeenOnline: local.LastSeenOnline,
		Metadata:       cloneMetadata(local.Metadata),
	}
	if r.caps.FirmwareManagement {
		rd.FirmwareVersion = local.FirmwareVersion
	}
	if r.caps.Cohorts {
		rd.CohortID = local.CohortID
	}
	if r.caps.Tags {
		rd.Tags = local.Tags
	}
	return rd
}
