package syncer

import (
	"encoding/json"
	"fmt"

	"device-sync-backend/internal/conflict"
	"device-sync-backend/internal/model"
	"device-sync-backend/internal/provider"
)

// setLocalField writes a compared field onto a local device and returns the
// column it lives in.
func setLocalField(d *model.Device, field string, v any) (string, error) {
	if key, ok := conflict.MetadataKey(field); ok {
		if d.Metadata == nil {
			d.Metadata = make(map[string]any)
		}
		d.Metadata[key] = v
		return "metadata", nil
	}
	switch field {
	case conflict.FieldName:
		s, err := asString(field, v)
		if err != nil {
			return "", err
		}
		d.Name = s
	case conflict.FieldFirmwareVersion:
		s, err := asString(field, v)
		if err != nil {
			return "", err
		}
		d.FirmwareVersion = s
	case conflict.FieldCohortID:
		s, err := asString(field, v)
		if err != nil {
			return "", err
		}
		d.CohortID = s
	case conflict.FieldHardwareIDs:
		ids, err := asStrings(field, v)
		if err != nil {
			return "", err
		}
		d.HardwareIDs = ids
	default:
		return "", fmt.Errorf("unknown field %q", field)
	}
	return field, nil
}

func setRemoteField(rd *provider.RemoteDevice, field string, v any) error {
	if key, ok := conflict.MetadataKey(field); ok {
		if rd.Metadata == nil {
			rd.Metadata = make(map[string]any)
		}
		rd.Metadata[key] = v
		return nil
	}
	var err error
	switch field {
	case conflict.FieldName:
		rd.Name, err = asString(field, v)
	case conflict.FieldFirmwareVersion:
		rd.FirmwareVersion, err = asString(field, v)
	case conflict.FieldCohortID:
		rd.CohortID, err = asString(field, v)
	case conflict.FieldHardwareIDs:
		rd.HardwareIDs, err = asStrings(field, v)
	default:
		err = fmt.Errorf("unknown field %q", field)
	}
	return err
}

// decodeField parses a JSON encoded value for field into the type
// setLocalField expects.
func decodeField(field string, raw []byte) (any, error) {
	if _, ok := conflict.MetadataKey(field); ok {
		var v any
		err := json.Unmarshal(raw, &v)
		return v, err
	}
	switch field {
	case conflict.FieldName, conflict.FieldFirmwareVersion, conflict.FieldCohortID:
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	case conflict.FieldHardwareIDs:
		var ids []string
		err := json.Unmarshal(raw, &ids)
		return ids, err
	}
	return nil, fmt.Errorf("unknown field %q", field)
}

func asString(field string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %s wants a string, got %T", field, v)
	}
	return s, nil
}

func asStrings(field string, v any) ([]string, error) {
	switch ids := v.(type) {
	case []string:
		return append([]string(nil), ids...), nil
	case []any:
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			s, ok := id.(string)
			if !ok {
				return nil, fmt.Errorf("field %s wants strings, got %T", field, id)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("field %s wants a list of strings, got %T", field, v)
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func appendUnique(cols []string, col string) []string {
	for _, c := range cols {
		if c == col {
			return cols
		}
	}
	return append(cols, col)
}

// blank reports whether a winning value is empty. Empty winners are recorded
// but never written over the other side.
func blank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []string:
		return len(t) == 0
	}
	return false
}
