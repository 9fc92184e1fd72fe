package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Timestamp fields stamped by the application state on every write. They are
// for display and ordering only, never for conflict resolution.
const (
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

// Record is a single persisted entity. The payload is opaque to the core.
type Record map[string]any

// Clone returns a deep copy of the record, made through a JSON round trip so
// that nested maps and slices are not shared with the caller.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		// Records only ever hold JSON-compatible values; fall back to a
		// shallow copy rather than losing the record.
		out := make(Record, len(r))
		for k, v := range r {
			out[k] = v
		}
		return out
	}
	var out Record
	_ = json.Unmarshal(data, &out)
	return out
}

// Marshal encodes the record as JSON.
func (r Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal decodes a JSON object into a Record.
func Unmarshal(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("record is not a JSON object")
	}
	return r, nil
}

// Touch stamps updatedAt, and createdAt when absent, using now.
func (r Record) Touch(now time.Time) {
	ts := now.UTC().Format(time.RFC3339Nano)
	if _, ok := r[FieldCreatedAt]; !ok {
		r[FieldCreatedAt] = ts
	}
	r[FieldUpdatedAt] = ts
}

// Merge copies every field of src into dst and returns dst. Fields present only
// in dst are preserved. A nil dst yields a copy of src.
func Merge(dst, src Record) Record {
	if dst == nil {
		dst = make(Record, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// NewID generates an identifier of the form {prefix}-{unixMillis}-{random}.
// An empty prefix yields "rec".
func NewID(prefix string, now time.Time) string {
	if prefix == "" {
		prefix = "rec"
	}
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", prefix, now.UnixMilli(), random)
}
