package services

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-streams/pkg/ksql"
	"github.com/ekaya-inc/ekaya-streams/pkg/models"
)

func TestDDLLog_RecordsStatementErrorDetail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "derived_ddl.log")
	log := NewDDLLog(path, zap.NewNop())

	se := ksql.NewStatementError("CREATE TABLE TRADE_5M_LIVE AS SELECT 1;", "Invalid column name FOO", 40001)
	se.Detail = "statement: CREATE TABLE TRADE_5M_LIVE AS SELECT 1;"
	log.Record(DDLRecord{
		RunID:  uuid.New(),
		Entity: "trade_5m_live",
		Topic:  "TRADE_5M_LIVE",
		Role:   models.RoleLive,
		DDL:    "CREATE TABLE TRADE_5M_LIVE AS SELECT 1;",
		Err:    fmt.Errorf("submit trade_5m_live: %w", se),
	})
	log.Record(DDLRecord{Entity: "trade_1h_live", DDL: "CREATE TABLE TRADE_1H_LIVE AS SELECT 1;"})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "ENTITY: trade_5m_live")
	assert.Contains(t, content, "=== ERROR ===\nsubmit trade_5m_live: ksql statement failed (code 40001, unrecognized): Invalid column name FOO\n")
	assert.Contains(t, content, "=== DETAIL ===\nstatement: CREATE TABLE TRADE_5M_LIVE AS SELECT 1;\n")
	assert.Equal(t, 1, strings.Count(content, "=== DETAIL ==="))
	assert.Equal(t, path, log.Path())
}

