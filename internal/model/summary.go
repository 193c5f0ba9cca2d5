package model

// Reasons attached to per-device outcomes in a run summary.
const (
	ReasonAmbiguousMatch = "ambiguous_match"
	ReasonManualConflict = "manual_conflict"
	ReasonStale          = "stale"
	ReasonUnsupported    = "unsupported"
	ReasonWriteFailed    = "write_failed"
	ReasonListFailed     = "list_failed"
	ReasonCancelled      = "cancelled"
)

// RunSummary is the immutable record of one sync run.
type RunSummary struct {
	Direction Direction `json:"direction"`
	DryRun    bool      `json:"dry_run"`
	Cancelled bool      `json:"cancelled,omitempty"`
	Matched   int       `json:"matched"`
	Created   int       `json:"created"`
	Updated   int       `json:"updated"`
	Unchanged int       `json:"unchanged"`
	Skipped   int       `json:"skipped"`
	Errored   int       `json:"errored"`
	Conflicts int       `json:"conflicts"`
	// Details is bounded; DetailsTruncated counts what was dropped.
	Details          []DeviceDetail `json:"details,omitempty"`
	DetailsTruncated int            `json:"details_truncated,omitempty"`
	Error            string         `json:"error,omitempty"`
}

// Synced counts devices whose processing succeeded.
func (s *RunSummary) Synced() int {
	return s.Created + s.Updated + s.Unchanged
}

// DeviceDetail describes a skipped or failed device.
type DeviceDetail struct {
	DeviceID   string `json:"device_id,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Reason     string `json:"reason"`
	Message    string `json:"message,omitempty"`
}
