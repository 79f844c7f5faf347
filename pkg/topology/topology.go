// Package topology loads the YAML file that declares the base entities to
// orchestrate and their tumbling derivations.
package topology

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-streams/pkg/models"
)

// File is the on-disk topology document.
type File struct {
	Entities []EntityDoc `yaml:"entities"`
}

// EntityDoc declares one base entity.
type EntityDoc struct {
	Name                string            `yaml:"name"`
	Topic               string            `yaml:"topic"`
	Partitions          int               `yaml:"partitions"`
	ReplicationFactor   int               `yaml:"replication_factor"`
	ValueSchemaFullName string            `yaml:"value_schema_full_name"`
	Settings            map[string]string `yaml:"settings"`
	Properties          []models.Property `yaml:"properties"`
	Tumbling            TumblingDoc       `yaml:"tumbling"`
	Query               QueryDoc          `yaml:"query"`
}

// TumblingDoc declares the windowed derivation of an entity.
type TumblingDoc struct {
	Keys             []string            `yaml:"keys"`
	Timeframes       []string            `yaml:"timeframes"`
	BaseGraceSeconds int                 `yaml:"base_grace_seconds"`
	GraceOverrides   map[string]int      `yaml:"grace_overrides"`
	HopSeconds       map[string]int64    `yaml:"hop_seconds"`
	TimestampColumn  string              `yaml:"timestamp_column"`
	WeekAnchor       string              `yaml:"week_anchor"`
	TopicSettings    map[string]string   `yaml:"topic_settings"`
	BasedOn          *models.BasedOnSpec `yaml:"based_on"`
}

// QueryDoc declares the aggregation projected by every live table.
type QueryDoc struct {
	Where   string      `yaml:"where"`
	Columns []ColumnDoc `yaml:"columns"`
}

// ColumnDoc is one projected column. Aggregate accepts the aliases understood
// by models.ParseAggregateKind (sum, avg, first, last, ...).
type ColumnDoc struct {
	Alias     string `yaml:"alias"`
	Aggregate string `yaml:"aggregate"`
	Argument  string `yaml:"argument"`
	Type      string `yaml:"type"`
	Nullable  bool   `yaml:"nullable"`
	Key       bool   `yaml:"key"`
}

// Entry is one resolved base entity ready for the pipeline.
type Entry struct {
	Base  *models.EntityModel
	Spec  models.TumblingSpec
	Query models.QueryModel
}

// Load reads and resolves the topology file at path.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology %s: %w", path, err)
	}
	return Parse(data)
}

// Parse resolves a topology document.
func Parse(data []byte) ([]Entry, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}
	if len(f.Entities) == 0 {
		return nil, fmt.Errorf("topology declares no entities")
	}

	seen := make(map[string]bool, len(f.Entities))
	entries := make([]Entry, 0, len(f.Entities))
	for i, doc := range f.Entities {
		entry, err := doc.resolve()
		if err != nil {
			return nil, fmt.Errorf("entity %d (%s): %w", i, doc.Name, err)
		}
		key := strings.ToLower(doc.Name)
		if seen[key] {
			return nil, fmt.Errorf("entity %s is declared twice", doc.Name)
		}
		seen[key] = true
		entries = append(entries, entry)
	}
	return entries, nil
}

func (d EntityDoc) resolve() (Entry, error) {
	if strings.TrimSpace(d.Name) == "" {
		return Entry{}, fmt.Errorf("name is required")
	}
	if len(d.Tumbling.Timeframes) == 0 {
		return Entry{}, fmt.Errorf("at least one timeframe is required")
	}
	if _, err := models.NormalizeTimeframes(d.Tumbling.Timeframes); err != nil {
		return Entry{}, err
	}
	anchor, err := parseWeekday(d.Tumbling.WeekAnchor)
	if err != nil {
		return Entry{}, err
	}

	topic := d.Topic
	if topic == "" {
		topic = strings.ToLower(d.Name)
	}
	base := &models.EntityModel{
		Name:                d.Name,
		TopicName:           topic,
		AllProperties:       append([]models.Property(nil), d.Properties...),
		Partitions:          d.Partitions,
		ReplicationFactor:   d.ReplicationFactor,
		ValueSchemaFullName: d.ValueSchemaFullName,
		AdditionalSettings:  d.Settings,
	}

	keys := d.Tumbling.Keys
	if len(keys) == 0 {
		keys = models.ColumnNames(base.KeyColumns())
	}

	spec := models.TumblingSpec{
		Keys:             keys,
		Timeframes:       d.Tumbling.Timeframes,
		BaseGraceSeconds: d.Tumbling.BaseGraceSeconds,
		GraceOverrides:   d.Tumbling.GraceOverrides,
		HopSeconds:       d.Tumbling.HopSeconds,
		TimestampColumn:  d.Tumbling.TimestampColumn,
		BasedOn:          d.Tumbling.BasedOn,
		WeekAnchor:       anchor,
		TopicSettings:    d.Tumbling.TopicSettings,
	}

	query := models.QueryModel{
		SourceName:      topic,
		Keys:            keys,
		TimestampColumn: d.Tumbling.TimestampColumn,
		Where:           d.Query.Where,
	}
	for _, c := range d.Query.Columns {
		agg, err := models.ParseAggregateKind(c.Aggregate)
		if err != nil {
			return Entry{}, fmt.Errorf("column %s: %w", c.Alias, err)
		}
		if strings.TrimSpace(c.Alias) == "" {
			return Entry{}, fmt.Errorf("column alias is required")
		}
		query.Projection = append(query.Projection, models.ProjectedColumn{
			Alias:     c.Alias,
			Aggregate: agg,
			Argument:  c.Argument,
			Type:      c.Type,
			Nullable:  c.Nullable,
			IsKey:     c.Key,
		})
	}

	return Entry{Base: base, Spec: spec, Query: query}, nil
}

func parseWeekday(raw string) (time.Weekday, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Sunday, nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := d.String()
		if strings.EqualFold(raw, name) || strings.EqualFold(raw, name[:3]) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown week anchor %q", raw)
}
