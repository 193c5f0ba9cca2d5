// Package conflict compares a matched local/remote pair over a fixed set of
// fields and resolves disagreements according to a conflict policy.
package conflict

import (
	"encoding/json"
	"sort"
	"strings"

	"device-sync-backend/internal/model"
	"device-sync-backend/internal/provider"
)

const (
	FieldName            = "name"
	FieldFirmwareVersion = "firmware_version"
	FieldHardwareIDs     = "hardware_ids"
	FieldCohortID        = "cohort_id"
	metadataPrefix       = "metadata."
)

// MetadataField names the conflict field for one metadata key.
func MetadataField(key string) string { return metadataPrefix + key }

// MetadataKey reports the metadata key a field refers to, if any.
func MetadataKey(field string) (string, bool) {
	return strings.CutPrefix(field, metadataPrefix)
}

type Classification string

const (
	AutoResolvable Classification = "auto"
	Manual         Classification = "manual"
)

type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// Record is one field both sides hold different values for.
type Record struct {
	Field          string               `json:"field"`
	LocalValue     any                  `json:"local_value"`
	RemoteValue    any                  `json:"remote_value"`
	Classification Classification       `json:"classification"`
	Winner         Side                 `json:"winner,omitempty"`
	Rule           model.ConflictPolicy `json:"rule,omitempty"`
}

// Value returns the winning side's value. Manual records have none.
func (r Record) Value() (any, bool) {
	switch r.Winner {
	case SideLocal:
		return r.LocalValue, true
	case SideRemote:
		return r.RemoteValue, true
	}
	return nil, false
}

// Fill is a metadata key only one side carries. Fills never conflict; the
// value flows toward the side that lacks it when direction allows.
type Fill struct {
	Field string `json:"field"`
	Value any    `json:"value"`
	From  Side   `json:"from"`
}

// Diff is the full comparison of one pair.
type Diff struct {
	Conflicts []Record
	Fills     []Fill
}

// Manual returns the records held back for review.
func (d Diff) Manual() []Record {
	var out []Record
	for _, r := range d.Conflicts {
		if r.Classification == Manual {
			out = append(out, r)
		}
	}
	return out
}

// Detect returns the conflict records for a matched pair.
func Detect(local *model.Device, remote *provider.RemoteDevice, policy model.ConflictPolicy) []Record {
	return Compare(local, remote, policy).Conflicts
}

// Compare diffs name, firmware version, hardware ids, cohort id and the
// metadata keys both sides carry. A tracked field set on one side and empty on
// the other is a conflict like any other difference and goes through the
// policy. Metadata keys present on only one side are reported as fills.
func Compare(local *model.Device, remote *provider.RemoteDevice, policy model.ConflictPolicy) Diff {
	var d Diff
	winner := resolver(local, remote, policy)

	scalar := func(field, lv, rv string) {
		if lv != rv {
			d.Conflicts = append(d.Conflicts, newRecord(field, lv, rv, policy, winner))
		}
	}
	scalar(FieldName, local.Name, remote.Name)
	scalar(FieldFirmwareVersion, local.FirmwareVersion, remote.FirmwareVersion)
	scalar(FieldCohortID, local.CohortID, remote.CohortID)

	if lh, rh := local.HardwareIDs, remote.HardwareIDs; !sameSet(lh, rh) {
		d.Conflicts = append(d.Conflicts, newRecord(FieldHardwareIDs, lh, rh, policy, winner))
	}

	for _, key := range sortedKeys(local.Metadata, remote.Metadata) {
		lv, inLocal := local.Metadata[key]
		rv, inRemote := remote.Metadata[key]
		switch {
		case inLocal && inRemote:
			if !equalJSON(lv, rv) {
				d.Conflicts = append(d.Conflicts, newRecord(MetadataField(key), lv, rv, policy, winner))
			}
		case inRemote:
			d.Fills = append(d.Fills, Fill{Field: MetadataField(key), Value: rv, From: SideRemote})
		case inLocal:
			d.Fills = append(d.Fills, Fill{Field: MetadataField(key), Value: lv, From: SideLocal})
		}
	}
	return d
}

func newRecord(field string, lv, rv any, policy model.ConflictPolicy, winner Side) Record {
	r := Record{Field: field, LocalValue: lv, RemoteValue: rv}
	if policy == model.PolicyManual {
		r.Classification = Manual
		return r
	}
	r.Classification = AutoResolvable
	r.Winner = winner
	r.Rule = policy
	return r
}

// resolver picks the winning side for every field of the pair. newest_wins
// compares the remote's last-seen-online time with the local update time;
// ties and missing remote timestamps keep the local value.
func resolver(local *model.Device, remote *provider.RemoteDevice, policy model.ConflictPolicy) Side {
	switch policy {
	case model.PolicyRemoteWins:
		return SideRemote
	case model.PolicyLocalWins, model.PolicyManual:
		return SideLocal
	}
	if remote.LastSeenOnline != nil && remote.LastSeenOnline.After(local.UpdatedAt) {
		return SideRemote
	}
	return SideLocal
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func sortedKeys(a, b map[string]any) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// equalJSON compares values by their JSON encoding so numbers decoded from
// different sources compare equal.
func equalJSON(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}
