package schema

import (
	"fmt"
	"math"
	"sort"
	"strconv"
)

// DefaultKeyField is the key field used by tables that don't declare one.
const DefaultKeyField = "id"

// Table describes one named collection of records.
type Table struct {
	// Name is the table name, e.g. "patients".
	Name string `json:"name" yaml:"name"`

	// KeyField is the record field holding the primary key (default: "id").
	KeyField string `json:"key_field" yaml:"key_field"`

	// IDPrefix is used when generating ids for records created without one.
	IDPrefix string `json:"id_prefix,omitempty" yaml:"id_prefix,omitempty"`

	// Since is the registry version that introduced the table.
	Since int `json:"since" yaml:"since"`
}

// Key returns the effective key field of the table.
func (t Table) Key() string {
	if t.KeyField == "" {
		return DefaultKeyField
	}
	return t.KeyField
}

// GeneratesIDs reports whether records may be created without a key, in which
// case an id is generated for them.
func (t Table) GeneratesIDs() bool {
	return t.Key() == DefaultKeyField
}

// KeyOf extracts the primary key of rec as a string.
//
// String keys must be non-empty. Integral numbers are accepted and formatted in
// base 10 so that records decoded from JSON (float64) and records built in Go
// (int) address the same row. Any other value is rejected.
func (t Table) KeyOf(rec Record) (string, error) {
	field := t.Key()
	v, ok := rec[field]
	if !ok || v == nil {
		return "", fmt.Errorf("record has no %q field", field)
	}

	switch k := v.(type) {
	case string:
		if k == "" {
			return "", fmt.Errorf("record has empty %q field", field)
		}
		return k, nil
	case int:
		return strconv.Itoa(k), nil
	case int64:
		return strconv.FormatInt(k, 10), nil
	case float64:
		if k != math.Trunc(k) || math.IsInf(k, 0) || math.IsNaN(k) {
			return "", fmt.Errorf("record %q field is not an integral number: %v", field, k)
		}
		// float64(math.MaxInt64) rounds up to 2^63, which int64 can't hold.
		if k < math.MinInt64 || k >= math.MaxInt64 {
			return "", fmt.Errorf("record %q field is out of range: %v", field, k)
		}
		return strconv.FormatInt(int64(k), 10), nil
	default:
		return "", fmt.Errorf("record %q field has unsupported type %T", field, v)
	}
}

// Registry is a versioned set of tables.
type Registry struct {
	Version int     `json:"version" yaml:"version"`
	Tables  []Table `json:"tables" yaml:"tables"`
}

// Validate checks the registry for duplicate or empty table names.
func (r Registry) Validate() error {
	if r.Version < 1 {
		return fmt.Errorf("registry version must be >= 1 (got %d)", r.Version)
	}
	if len(r.Tables) == 0 {
		return fmt.Errorf("registry declares no tables")
	}
	seen := make(map[string]bool, len(r.Tables))
	for _, t := range r.Tables {
		if t.Name == "" {
			return fmt.Errorf("table name is required")
		}
		if !validName(t.Name) {
			return fmt.Errorf("invalid table name %q", t.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate table %q", t.Name)
		}
		if t.Since > r.Version {
			return fmt.Errorf("table %q introduced at version %d, after registry version %d", t.Name, t.Since, r.Version)
		}
		seen[t.Name] = true
	}
	return nil
}

// Lookup returns the table with the given name.
func (r Registry) Lookup(name string) (Table, bool) {
	for _, t := range r.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// Names returns the table names in sorted order.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r.Tables))
	for _, t := range r.Tables {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

// At returns the registry as it looked at an earlier version: only tables
// introduced at or before that version are kept.
func (r Registry) At(version int) Registry {
	out := Registry{Version: version}
	for _, t := range r.Tables {
		if t.Since <= version {
			out.Tables = append(out.Tables, t)
		}
	}
	return out
}

// validName restricts table names to identifiers that are safe to embed in SQL
// table names and object keys.
func validName(name string) bool {
	for i, c := range name {
		switch {
		case c >= 'a' && c <= 'z':
		case c == '_':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// DefaultRegistry returns the table set of the clinic application.
//
// Version history:
//   - v1: patients, queue, users
//   - v2: staff, attendance, inventory, bills, expenses
//   - v3: salaries, settings
func DefaultRegistry() Registry {
	return Registry{
		Version: 3,
		Tables: []Table{
			{Name: "patients", KeyField: "id", IDPrefix: "pat", Since: 1},
			{Name: "queue", KeyField: "id", IDPrefix: "q", Since: 1},
			{Name: "users", KeyField: "role", Since: 1},
			{Name: "staff", KeyField: "id", IDPrefix: "stf", Since: 2},
			{Name: "attendance", KeyField: "id", IDPrefix: "att", Since: 2},
			{Name: "inventory", KeyField: "id", IDPrefix: "inv", Since: 2},
			{Name: "bills", KeyField: "id", IDPrefix: "bill", Since: 2},
			{Name: "expenses", KeyField: "id", IDPrefix: "exp", Since: 2},
			{Name: "salaries", KeyField: "id", IDPrefix: "sal", Since: 3},
			{Name: "settings", KeyField: "id", IDPrefix: "set", Since: 3},
		},
	}
}
