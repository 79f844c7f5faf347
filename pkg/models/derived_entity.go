package models

import (
	"fmt"
	"strings"
	"time"
)

// DefaultBaseGraceSeconds is the grace period used when a TumblingSpec does not set one.
const DefaultBaseGraceSeconds = 1

// ============================================================================
// TumblingSpec
// ============================================================================

// AggregateKind is the aggregate function applied to a projected column.
type AggregateKind string

const (
	AggregateNone     AggregateKind = ""
	AggregateSum      AggregateKind = "SUM"
	AggregateCount    AggregateKind = "COUNT"
	AggregateAvg      AggregateKind = "AVG"
	AggregateMin      AggregateKind = "MIN"
	AggregateMax      AggregateKind = "MAX"
	AggregateEarliest AggregateKind = "EARLIEST_BY_OFFSET"
	AggregateLatest   AggregateKind = "LATEST_BY_OFFSET"
)

// ParseAggregateKind normalizes an aggregate name ("sum", "first", "last", ...).
func ParseAggregateKind(raw string) (AggregateKind, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "":
		return AggregateNone, nil
	case "SUM":
		return AggregateSum, nil
	case "COUNT":
		return AggregateCount, nil
	case "AVG", "AVERAGE":
		return AggregateAvg, nil
	case "MIN":
		return AggregateMin, nil
	case "MAX":
		return AggregateMax, nil
	case "EARLIEST_BY_OFFSET", "EARLIEST", "FIRST", "OPEN":
		return AggregateEarliest, nil
	case "LATEST_BY_OFFSET", "LATEST", "LAST", "CLOSE":
		return AggregateLatest, nil
	default:
		return AggregateNone, fmt.Errorf("unknown aggregate %q", raw)
	}
}

// ProjectedColumn is one column of a logical query projection.
// Argument is the source column the aggregate is applied to; for plain columns it
// is the column itself.
type ProjectedColumn struct {
	Alias     string        `json:"alias" yaml:"alias"`
	Aggregate AggregateKind `json:"aggregate,omitempty" yaml:"aggregate"`
	Argument  string        `json:"argument,omitempty" yaml:"argument"`
	Type      string        `json:"type" yaml:"type"`
	Nullable  bool          `json:"nullable,omitempty" yaml:"nullable"`
	IsKey     bool          `json:"is_key,omitempty" yaml:"key"`
}

// Shape converts the projected column to a column shape.
func (c ProjectedColumn) Shape() ColumnShape {
	return ColumnShape{Name: c.Alias, Type: c.Type, Nullable: c.Nullable}
}

// BasedOnSpec carries session-like boundary information for a tumbling query.
type BasedOnSpec struct {
	JoinKeys      []string `json:"join_keys,omitempty" yaml:"join_keys"`
	OpenProperty  string   `json:"open_property,omitempty" yaml:"open_property"`
	CloseProperty string   `json:"close_property,omitempty" yaml:"close_property"`
	DayKey        string   `json:"day_key,omitempty" yaml:"day_key"`
}

// TumblingSpec is the parsed declaration of a windowed aggregation over a base entity.
type TumblingSpec struct {
	Keys             []string          `json:"keys"`
	Timeframes       []string          `json:"timeframes"`
	BaseGraceSeconds int               `json:"base_grace_seconds,omitempty"`
	GraceOverrides   map[string]int    `json:"grace_overrides,omitempty"`
	HopSeconds       map[string]int64  `json:"hop_seconds,omitempty"`
	TimestampColumn  string            `json:"timestamp_column,omitempty"`
	BasedOn          *BasedOnSpec      `json:"based_on,omitempty"`
	WeekAnchor       time.Weekday      `json:"week_anchor,omitempty"`
	TopicSettings    map[string]string `json:"topic_settings,omitempty"`
}

// EffectiveBaseGrace returns BaseGraceSeconds or DefaultBaseGraceSeconds.
func (s TumblingSpec) EffectiveBaseGrace() int {
	if s.BaseGraceSeconds > 0 {
		return s.BaseGraceSeconds
	}
	return DefaultBaseGraceSeconds
}

// GraceFor returns the explicit override for a timeframe or the base grace.
func (s TumblingSpec) GraceFor(tf Timeframe) int {
	if s.GraceOverrides != nil {
		if g, ok := s.GraceOverrides[tf.String()]; ok && g >= 0 {
			return g
		}
	}
	return s.EffectiveBaseGrace()
}

// HopFor returns the hopping advance for a timeframe, or 0 for tumbling windows.
func (s TumblingSpec) HopFor(tf Timeframe) int64 {
	if s.HopSeconds == nil {
		return 0
	}
	hop := s.HopSeconds[tf.String()]
	if hop <= 0 || hop >= tf.Seconds() {
		return 0
	}
	return hop
}

// ============================================================================
// DerivedEntity
// ============================================================================

// DerivedEntity is a planning-time description of one hub or live entity.
type DerivedEntity struct {
	ID           string
	Role         Role
	Timeframe    Timeframe
	KeyShape     []ColumnShape
	ValueShape   []ColumnShape
	InputHint    string
	GraceSeconds int
	HopSeconds   int64
	BasedOnSpec  *BasedOnSpec
	WeekAnchor   time.Weekday
}

// HubName returns the hub identifier for a base entity.
func HubName(base string) string {
	return strings.ToLower(base) + "_" + HubTimeframe + "_rows"
}

// LiveName returns the live identifier for a base entity and timeframe.
func LiveName(base string, tf Timeframe) string {
	return strings.ToLower(base) + "_" + tf.String() + "_live"
}

// RowsLastName returns the companion latest-row table identifier for a hub.
func RowsLastName(hub string) string {
	return hub + "_last"
}

// IsHubIdentifier reports whether an identifier names a hub stream.
func IsHubIdentifier(id string) bool {
	return strings.HasSuffix(strings.ToLower(id), "_"+HubTimeframe+"_rows")
}

// ============================================================================
// QueryModel
// ============================================================================

// WindowKind selects the window clause.
type WindowKind string

const (
	WindowTumbling WindowKind = "TUMBLING"
	WindowHopping  WindowKind = "HOPPING"
)

// WindowSpec is the window portion of a windowed query.
type WindowSpec struct {
	Kind           WindowKind
	SizeSeconds    int64
	AdvanceSeconds int64
}

// QueryModel is the logical query the DDL-text builder renders.
type QueryModel struct {
	SourceName      string
	Keys            []string
	Projection      []ProjectedColumn
	TimestampColumn string
	Where           string

	// Set by the DDL planner.
	TargetName          string
	TargetTopic         string
	CreateKind          string // STREAM or TABLE
	KeyColumns          []ColumnShape
	ValueColumns        []ColumnShape
	Window              *WindowSpec
	GraceSeconds        int
	EmitChanges         bool
	RetentionMs         int64
	Partitions          int
	Replicas            int
	ValueSchemaFullName string
	ExpressionOverrides map[string]string
}

// Clone returns a copy that can be mutated without touching the receiver.
func (q QueryModel) Clone() QueryModel {
	c := q
	c.Keys = append([]string(nil), q.Keys...)
	c.Projection = append([]ProjectedColumn(nil), q.Projection...)
	c.KeyColumns = append([]ColumnShape(nil), q.KeyColumns...)
	c.ValueColumns = append([]ColumnShape(nil), q.ValueColumns...)
	if q.Window != nil {
		w := *q.Window
		c.Window = &w
	}
	if q.ExpressionOverrides != nil {
		c.ExpressionOverrides = make(map[string]string, len(q.ExpressionOverrides))
		for k, v := range q.ExpressionOverrides {
			c.ExpressionOverrides[k] = v
		}
	}
	return c
}

// ============================================================================
// Executions
// ============================================================================

// PersistentQueryExecution is one in-flight or completed CREATE ... AS SELECT.
type PersistentQueryExecution struct {
	QueryID         string
	TargetModel     *EntityModel
	TargetTopic     string
	Statement       string
	InputTopic      string
	IsDerived       bool
	ConsumerGroupID string
}

// ExecutionResult is returned to the caller for every planned derived entity.
type ExecutionResult struct {
	Model      *EntityModel
	Role       Role
	Timeframe  string
	Statement  string
	InputTopic string
	Response   string
	QueryID    string
	Executed   bool
}
