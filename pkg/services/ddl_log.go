package services

import (
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-streams/pkg/ksql"
	"github.com/ekaya-inc/ekaya-streams/pkg/models"
	"github.com/ekaya-inc/ekaya-streams/pkg/reports"
)

// DDLRecord is one DDL attempt written to the DDL log.
type DDLRecord struct {
	RunID     uuid.UUID
	Entity    string
	Topic     string
	Role      models.Role
	Timeframe string
	QueryID   string
	DDL       string
	Response  string
	Err       error
}

// DDLLog appends one block per DDL attempt. Writes are best-effort.
type DDLLog struct {
	writer *reports.BlockWriter
}

// NewDDLLog creates a DDL log at path. An empty path disables it.
func NewDDLLog(path string, logger *zap.Logger) *DDLLog {
	return &DDLLog{writer: reports.NewBlockWriter(path, logger.Named("ddl-log"))}
}

// Path returns the log file path.
func (l *DDLLog) Path() string {
	if l == nil {
		return ""
	}
	return l.writer.Path()
}

// Record appends rec.
func (l *DDLLog) Record(rec DDLRecord) {
	if l == nil {
		return
	}

	fields := []reports.Field{
		{Key: "ATTEMPT", Value: uuid.New().String()},
		{Key: "RUN", Value: rec.RunID.String()},
		{Key: "ENTITY", Value: rec.Entity},
		{Key: "TOPIC", Value: rec.Topic},
		{Key: "ROLE", Value: string(rec.Role)},
		{Key: "TIMEFRAME", Value: rec.Timeframe},
		{Key: "QUERY_ID", Value: rec.QueryID},
	}
	sections := []reports.Section{
		{Title: "DDL", Body: rec.DDL},
		{Title: "RESPONSE", Body: strings.TrimSpace(rec.Response)},
	}
	if rec.Err != nil {
		sections = append(sections, reports.Section{Title: "ERROR", Body: rec.Err.Error()})
		var se *ksql.StatementError
		if errors.As(rec.Err, &se) && se.Detail != "" {
			sections = append(sections, reports.Section{Title: "DETAIL", Body: se.Detail})
		}
	}
	l.writer.Append(fields, sections...)
}
