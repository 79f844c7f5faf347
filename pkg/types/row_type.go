// Package types holds the schema-driven runtime row types of derived entities and
// the process caches that register them: the type factory and the key/value
// mapping registry. Both caches are safe for concurrent use.
package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ekaya-inc/ekaya-streams/pkg/models"
)

// RowType is the runtime type of a derived entity's value, described by its columns.
type RowType struct {
	Name      string
	Namespace string
	Fields    []models.ColumnShape
}

// FullName returns "<namespace>.<name>", or just the name without a namespace.
func (t *RowType) FullName() string {
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// Field returns the named field, compared case-insensitively.
func (t *RowType) Field(name string) (models.ColumnShape, bool) {
	return models.FindColumn(t.Fields, name)
}

// NewRow decodes values (as returned by a ksqlDB query) into a Row of this type.
// Columns not declared by the type are dropped.
func (t *RowType) NewRow(values map[string]any) *Row {
	r := &Row{Type: t, values: make(map[string]any, len(t.Fields))}
	for k, v := range values {
		if f, ok := t.Field(k); ok {
			r.values[strings.ToUpper(f.Name)] = v
		}
	}
	return r
}

// Row is one value of a RowType with typed accessors over the raw column values.
type Row struct {
	Type   *RowType
	values map[string]any
}

// Get returns the raw value of a column.
func (r *Row) Get(name string) (any, bool) {
	v, ok := r.values[strings.ToUpper(name)]
	return v, ok && v != nil
}

// Set stores a value for a declared column.
func (r *Row) Set(name string, value any) error {
	f, ok := r.Type.Field(name)
	if !ok {
		return fmt.Errorf("row type %s has no field %q", r.Type.FullName(), name)
	}
	if value == nil && !f.Nullable {
		return fmt.Errorf("field %s of %s is not nullable", f.Name, r.Type.FullName())
	}
	r.values[strings.ToUpper(f.Name)] = value
	return nil
}

// String returns a column as a string.
func (r *Row) String(name string) (string, bool) {
	v, ok := r.Get(name)
	if !ok {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return x, true
	case fmt.Stringer:
		return x.String(), true
	default:
		return fmt.Sprint(x), true
	}
}

// Int64 returns a column as an int64. JSON numbers decode as float64 and are
// accepted when they carry no fractional part.
func (r *Row) Int64(name string) (int64, bool) {
	v, ok := r.Get(name)
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case float64:
		if x != math.Trunc(x) {
			return 0, false
		}
		return int64(x), true
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Float64 returns a column as a float64.
func (r *Row) Float64(name string) (float64, bool) {
	v, ok := r.Get(name)
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

// Bool returns a column as a bool.
func (r *Row) Bool(name string) (bool, bool) {
	v, ok := r.Get(name)
	if !ok {
		return false, false
	}
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(x)
		return b, err == nil
	}
	return false, false
}

// Time returns a column as a time. Epoch milliseconds (ksqlDB BIGINT timestamps
// and WINDOWSTART) and RFC 3339 strings are accepted.
func (r *Row) Time(name string) (time.Time, bool) {
	if ms, ok := r.Int64(name); ok {
		return time.UnixMilli(ms).UTC(), true
	}
	s, ok := r.String(name)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
