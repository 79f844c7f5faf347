// Package ksqltext renders resolved query models into ksqlDB CREATE statements.
package ksqltext

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-streams/pkg/models"
	"github.com/ekaya-inc/ekaya-streams/pkg/sql"
)

// Builder renders three statement shapes:
//   - a stream declaration (no source): CREATE STREAM t (cols) WITH (...)
//   - a windowed aggregation: CREATE TABLE t WITH (...) AS SELECT ... WINDOW ... GROUP BY ...
//   - an unwindowed aggregation: CREATE TABLE t WITH (...) AS SELECT ... GROUP BY ...
type Builder struct {
	KeyFormat   string
	ValueFormat string
}

// NewBuilder creates a Builder. Empty formats default to KAFKA keys and JSON values;
// entities with a value schema full name are always rendered as AVRO.
func NewBuilder(keyFormat, valueFormat string) *Builder {
	if keyFormat == "" {
		keyFormat = "KAFKA"
	}
	if valueFormat == "" {
		valueFormat = "JSON"
	}
	return &Builder{KeyFormat: strings.ToUpper(keyFormat), ValueFormat: strings.ToUpper(valueFormat)}
}

// Build implements ddl.TextBuilder.
func (b *Builder) Build(q models.QueryModel) (string, error) {
	if strings.TrimSpace(q.TargetName) == "" {
		return "", fmt.Errorf("target name is required")
	}
	if err := sql.CheckIdentifier(q.TargetName); err != nil {
		return "", err
	}

	var text string
	var err error
	if q.SourceName == "" {
		text, err = b.declaration(q)
	} else {
		text, err = b.aggregation(q)
	}
	if err != nil {
		return "", err
	}
	return sql.SingleStatement(text)
}

func (b *Builder) declaration(q models.QueryModel) (string, error) {
	kind := strings.ToUpper(q.CreateKind)
	if kind == "" {
		kind = "STREAM"
	}
	if len(q.KeyColumns) == 0 {
		return "", fmt.Errorf("%s %s: key columns are required", strings.ToLower(kind), q.TargetName)
	}

	keyWord := "KEY"
	if kind == "TABLE" {
		keyWord = "PRIMARY KEY"
	}

	cols := make([]string, 0, len(q.KeyColumns)+len(q.ValueColumns))
	for _, k := range q.KeyColumns {
		cols = append(cols, fmt.Sprintf("%s %s %s", sql.QuoteIdentifier(k.Name), columnType(k.Type), keyWord))
	}
	for _, v := range models.DisjointValues(q.KeyColumns, q.ValueColumns) {
		cols = append(cols, fmt.Sprintf("%s %s", sql.QuoteIdentifier(v.Name), columnType(v.Type)))
	}

	props := b.withProperties(q)
	if q.TimestampColumn != "" {
		props = append(props, fmt.Sprintf("TIMESTAMP='%s'", strings.ToUpper(q.TimestampColumn)))
	}

	return fmt.Sprintf("CREATE %s %s (%s) WITH (%s);",
		kind, q.TargetName, strings.Join(cols, ", "), strings.Join(props, ", ")), nil
}

func (b *Builder) aggregation(q models.QueryModel) (string, error) {
	if err := sql.CheckIdentifier(q.SourceName); err != nil {
		return "", err
	}
	keys := q.Keys
	if len(keys) == 0 {
		keys = models.ColumnNames(q.KeyColumns)
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("table %s: group by keys are required", q.TargetName)
	}

	selects := make([]string, 0, len(keys)+len(q.Projection)+1)
	for _, k := range keys {
		selects = append(selects, sql.QuoteIdentifier(k))
	}
	if q.Window != nil {
		if _, ok := models.FindColumn(q.ValueColumns, "BucketStart"); ok {
			selects = append(selects, "WINDOWSTART AS "+sql.QuoteIdentifier("BucketStart"))
		}
	}
	for _, c := range q.Projection {
		expr, ok := q.ExpressionOverrides[c.Alias]
		if !ok {
			expr = aggregateExpression(c)
		}
		selects = append(selects, fmt.Sprintf("%s AS %s", expr, sql.QuoteIdentifier(c.Alias)))
	}

	var sb strings.Builder
	kind := strings.ToUpper(q.CreateKind)
	if kind == "" {
		kind = "TABLE"
	}
	fmt.Fprintf(&sb, "CREATE %s %s WITH (%s) AS SELECT %s FROM %s",
		kind, q.TargetName, strings.Join(b.withProperties(q), ", "),
		strings.Join(selects, ", "), q.SourceName)

	if q.Window != nil {
		sb.WriteString(" " + windowClause(q.Window, q.GraceSeconds))
	}
	if strings.TrimSpace(q.Where) != "" {
		sb.WriteString(" WHERE " + strings.TrimSpace(q.Where))
	}

	grouped := make([]string, len(keys))
	for i, k := range keys {
		grouped[i] = sql.QuoteIdentifier(k)
	}
	sb.WriteString(" GROUP BY " + strings.Join(grouped, ", "))
	if q.EmitChanges {
		sb.WriteString(" EMIT CHANGES")
	}
	sb.WriteString(";")
	return sb.String(), nil
}

func (b *Builder) withProperties(q models.QueryModel) []string {
	topic := q.TargetTopic
	if topic == "" {
		topic = strings.ToUpper(q.TargetName)
	}
	valueFormat := b.ValueFormat
	if q.ValueSchemaFullName != "" {
		valueFormat = "AVRO"
	}

	props := []string{
		fmt.Sprintf("KAFKA_TOPIC='%s'", topic),
		fmt.Sprintf("KEY_FORMAT='%s'", b.KeyFormat),
		fmt.Sprintf("VALUE_FORMAT='%s'", valueFormat),
	}
	if q.Partitions > 0 {
		props = append(props, fmt.Sprintf("PARTITIONS=%d", q.Partitions))
	}
	if q.Replicas > 0 {
		props = append(props, fmt.Sprintf("REPLICAS=%d", q.Replicas))
	}
	if q.RetentionMs > 0 {
		props = append(props, fmt.Sprintf("RETENTION_MS=%d", q.RetentionMs))
	}
	if q.ValueSchemaFullName != "" {
		props = append(props, fmt.Sprintf("VALUE_SCHEMA_FULL_NAME='%s'", q.ValueSchemaFullName))
	}
	return props
}

func windowClause(w *models.WindowSpec, graceSeconds int) string {
	parts := []string{fmt.Sprintf("SIZE %d SECONDS", w.SizeSeconds)}
	kind := models.WindowTumbling
	if w.Kind == models.WindowHopping && w.AdvanceSeconds > 0 {
		kind = models.WindowHopping
		parts = append(parts, fmt.Sprintf("ADVANCE BY %d SECONDS", w.AdvanceSeconds))
	}
	if graceSeconds > 0 {
		parts = append(parts, fmt.Sprintf("GRACE PERIOD %d SECONDS", graceSeconds))
	}
	return fmt.Sprintf("WINDOW %s (%s)", kind, strings.Join(parts, ", "))
}

func aggregateExpression(c models.ProjectedColumn) string {
	arg := c.Argument
	if arg == "" {
		arg = c.Alias
	}
	switch c.Aggregate {
	case models.AggregateCount:
		if c.Argument == "" || c.Argument == "*" {
			return "COUNT(*)"
		}
		return fmt.Sprintf("COUNT(%s)", sql.QuoteIdentifier(arg))
	case models.AggregateNone:
		return fmt.Sprintf("%s(%s)", models.AggregateLatest, sql.QuoteIdentifier(arg))
	default:
		return fmt.Sprintf("%s(%s)", c.Aggregate, sql.QuoteIdentifier(arg))
	}
}

func columnType(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return "STRING"
	}
	return strings.ToUpper(t)
}
