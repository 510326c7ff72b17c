package draftengine

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
)

// Snapshot is the full in-memory editable state of a document at a point in
// time: an open field map owned by the surrounding editor UI.
type Snapshot map[string]any

// Clone returns a shallow copy so a debounced write observes the field map
// as it was when scheduled, not as the editor keeps mutating it.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

const (
	inlineDataPrefix   = "data:"
	inlineBase64Marker = ";base64,"
)

// Schema declares which snapshot fields may carry an inline binary payload
// (an image pasted into the editor that has not been uploaded yet). Declared
// fields are sanitized whenever they hold an inline data value; undeclared
// fields are only sanitized when the value matches the full data-URI
// signature, so a sanitized snapshot never retains an embedded binary
// regardless of how the schema was configured.
type Schema struct {
	assetFields map[string]struct{}
}

// NewSchema builds a schema from the names of the asset-bearing fields.
func NewSchema(assetFields ...string) Schema {
	fields := make(map[string]struct{}, len(assetFields))
	for _, name := range assetFields {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		fields[name] = struct{}{}
	}
	return Schema{assetFields: fields}
}

// IsAssetField reports whether the field was declared asset-bearing.
func (s Schema) IsAssetField(name string) bool {
	_, ok := s.assetFields[name]
	return ok
}

func isInlinePayload(v any) bool {
	str, ok := v.(string)
	if !ok {
		return false
	}
	return strings.HasPrefix(str, inlineDataPrefix) && strings.Contains(str, inlineBase64Marker)
}

func (s Schema) isPending(name string, v any) bool {
	if _, declared := s.assetFields[name]; declared {
		str, ok := v.(string)
		return ok && strings.HasPrefix(str, inlineDataPrefix)
	}
	return isInlinePayload(v)
}

// Sanitize returns a copy of the snapshot with every pending-asset value
// replaced by an empty string. It is idempotent, never mutates its input,
// and never fails on malformed or partial snapshots: values it does not
// recognize pass through untouched.
func (s Schema) Sanitize(snap Snapshot) Snapshot {
	if snap == nil {
		return nil
	}
	out := make(Snapshot, len(snap))
	for name, value := range snap {
		if s.isPending(name, value) {
			out[name] = ""
			continue
		}
		out[name] = value
	}
	return out
}

// HasPendingAsset reports whether any field currently holds a not-yet-uploaded
// inline binary payload. The remote flush interval widens while this is true.
func (s Schema) HasPendingAsset(snap Snapshot) bool {
	for name, value := range snap {
		if s.isPending(name, value) {
			return true
		}
	}
	return false
}

// PendingAssetFields returns the sorted names of fields holding a pending
// asset, for the commit path to upload in a stable order.
func (s Schema) PendingAssetFields(snap Snapshot) []string {
	var fields []string
	for name, value := range snap {
		if s.isPending(name, value) {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)
	return fields
}

// decodeInlinePayload extracts the raw bytes from a data-URI value such as
// "data:image/png;base64,iVBOR...".
func decodeInlinePayload(value string) ([]byte, error) {
	idx := strings.Index(value, inlineBase64Marker)
	if !strings.HasPrefix(value, inlineDataPrefix) || idx < 0 {
		return nil, fmt.Errorf("value is not an inline base64 payload")
	}
	encoded := value[idx+len(inlineBase64Marker):]
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode inline payload: %w", err)
	}
	return data, nil
}
