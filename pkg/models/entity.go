package models

import (
	"strings"
)

// ============================================================================
// Role
// ============================================================================

// Role identifies what a derived entity is used for.
type Role string

const (
	RoleHub  Role = "hub"
	RoleLive Role = "live"
)

// rolePriority defines the execution priority for each role.
var rolePriority = map[Role]int{
	RoleHub:  0,
	RoleLive: 1,
}

// Priority returns the execution priority of a role. Unknown roles sort last.
func (r Role) Priority() int {
	if p, ok := rolePriority[r]; ok {
		return p
	}
	return len(rolePriority)
}

// IsValid checks if the role is one of the known roles.
func (r Role) IsValid() bool {
	_, ok := rolePriority[r]
	return ok
}

// ============================================================================
// Columns
// ============================================================================

// ColumnShape is a (name, type, nullable) triple describing one column.
type ColumnShape struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type" yaml:"type"`
	Nullable bool   `json:"nullable" yaml:"nullable"`
}

// ColumnNames returns the names of shapes in order.
func ColumnNames(shapes []ColumnShape) []string {
	names := make([]string, len(shapes))
	for i, s := range shapes {
		names[i] = s.Name
	}
	return names
}

// FindColumn returns the column with the given name, compared case-insensitively.
func FindColumn(shapes []ColumnShape, name string) (ColumnShape, bool) {
	for _, s := range shapes {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return ColumnShape{}, false
}

// Property is one declared property of a source entity.
// IsKey and IsTimestamp carry the [Key] / [Timestamp] annotations.
type Property struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Nullable    bool   `json:"nullable,omitempty" yaml:"nullable"`
	IsKey       bool   `json:"is_key,omitempty" yaml:"key"`
	IsTimestamp bool   `json:"is_timestamp,omitempty" yaml:"timestamp"`
}

// Shape converts the property to a column shape.
func (p Property) Shape() ColumnShape {
	return ColumnShape{Name: p.Name, Type: p.Type, Nullable: p.Nullable}
}

// ============================================================================
// QueryMetadata
// ============================================================================

// QueryMetadata describes how a derived entity was (or will be) produced.
// Role and TimeframeRaw are never silently overwritten once set.
type QueryMetadata struct {
	Identifier      string        `json:"identifier"`
	Role            Role          `json:"role,omitempty"`
	TimeframeRaw    string        `json:"timeframe,omitempty"`
	Keys            []ColumnShape `json:"keys,omitempty"`
	Projection      []ColumnShape `json:"projection,omitempty"`
	TimestampColumn string        `json:"timestamp_column,omitempty"`
	RetentionMs     int64         `json:"retention_ms,omitempty"`
	GraceSeconds    int           `json:"grace_seconds,omitempty"`
	InputHint       string        `json:"input_hint,omitempty"`
	Namespace       string        `json:"namespace,omitempty"`
}

// IsZero reports whether no metadata has been recorded.
func (m QueryMetadata) IsZero() bool {
	return m.Identifier == "" && m.Role == "" && m.TimeframeRaw == "" &&
		len(m.Keys) == 0 && len(m.Projection) == 0
}

// Clone returns a deep copy.
func (m QueryMetadata) Clone() QueryMetadata {
	c := m
	c.Keys = append([]ColumnShape(nil), m.Keys...)
	c.Projection = append([]ColumnShape(nil), m.Projection...)
	return c
}

// EnsureRole sets the role only when none is recorded and returns the effective role.
func (m *QueryMetadata) EnsureRole(r Role) Role {
	if m.Role == "" {
		m.Role = r
	}
	return m.Role
}

// EnsureTimeframe sets the timeframe only when none is recorded and returns the effective value.
func (m *QueryMetadata) EnsureTimeframe(tf string) string {
	if m.TimeframeRaw == "" {
		m.TimeframeRaw = tf
	}
	return m.TimeframeRaw
}

// RecordGrace stores grace seconds without letting the recorded value regress.
func (m *QueryMetadata) RecordGrace(seconds int) int {
	if seconds > m.GraceSeconds {
		m.GraceSeconds = seconds
	}
	return m.GraceSeconds
}

// ============================================================================
// EntityModel
// ============================================================================

// EntityModel describes one logical stream or table registered with the orchestrator.
// The planner and DDL planner refine Metadata in place as shapes are resolved.
type EntityModel struct {
	Name                string            `json:"name"`
	TopicName           string            `json:"topic"`
	KeyProperties       []Property        `json:"key_properties,omitempty"`
	AllProperties       []Property        `json:"properties,omitempty"`
	Partitions          int               `json:"partitions,omitempty"`
	ReplicationFactor   int               `json:"replication_factor,omitempty"`
	ValueSchemaFullName string            `json:"value_schema_full_name,omitempty"`
	AdditionalSettings  map[string]string `json:"additional_settings,omitempty"`
	Metadata            QueryMetadata     `json:"metadata"`
}

// KeyColumns returns the [Key]-annotated properties, from KeyProperties first and
// then from AllProperties, preserving declaration order.
func (e *EntityModel) KeyColumns() []ColumnShape {
	seen := make(map[string]bool)
	var out []ColumnShape
	add := func(p Property) {
		k := strings.ToUpper(p.Name)
		if seen[k] {
			return
		}
		seen[k] = true
		out = append(out, p.Shape())
	}
	for _, p := range e.KeyProperties {
		add(p)
	}
	for _, p := range e.AllProperties {
		if p.IsKey {
			add(p)
		}
	}
	return out
}

// TimestampProperty returns the [Timestamp]-annotated property, if any.
func (e *EntityModel) TimestampProperty() (Property, bool) {
	for _, p := range e.AllProperties {
		if p.IsTimestamp {
			return p, true
		}
	}
	return Property{}, false
}

// Property returns the named property, compared case-insensitively.
func (e *EntityModel) Property(name string) (Property, bool) {
	for _, p := range e.AllProperties {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	for _, p := range e.KeyProperties {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Property{}, false
}

// Setting returns an additional setting by key.
func (e *EntityModel) Setting(key string) (string, bool) {
	if e.AdditionalSettings == nil {
		return "", false
	}
	v, ok := e.AdditionalSettings[key]
	return v, ok
}

// SetShapes replaces keys and values and rebuilds AllProperties so that key and
// value columns stay disjoint.
func (e *EntityModel) SetShapes(keys, values []ColumnShape, timestampColumn string) {
	keySet := make(map[string]bool, len(keys))
	e.KeyProperties = make([]Property, 0, len(keys))
	for _, k := range keys {
		keySet[strings.ToUpper(k.Name)] = true
		e.KeyProperties = append(e.KeyProperties, Property{Name: k.Name, Type: k.Type, Nullable: k.Nullable, IsKey: true})
	}

	props := make([]Property, 0, len(keys)+len(values))
	props = append(props, e.KeyProperties...)
	for _, v := range values {
		if keySet[strings.ToUpper(v.Name)] {
			continue
		}
		props = append(props, Property{
			Name:        v.Name,
			Type:        v.Type,
			Nullable:    v.Nullable,
			IsTimestamp: timestampColumn != "" && strings.EqualFold(v.Name, timestampColumn),
		})
	}
	e.AllProperties = props

	e.Metadata.Keys = append([]ColumnShape(nil), keys...)
	e.Metadata.Projection = DisjointValues(keys, values)
	if timestampColumn != "" {
		e.Metadata.TimestampColumn = timestampColumn
	}
}

// DisjointValues drops value columns whose names collide with a key column.
func DisjointValues(keys, values []ColumnShape) []ColumnShape {
	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		keySet[strings.ToUpper(k.Name)] = true
	}
	out := make([]ColumnShape, 0, len(values))
	for _, v := range values {
		if !keySet[strings.ToUpper(v.Name)] {
			out = append(out, v)
		}
	}
	return out
}
