//go:build integration

package repositories

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-streams/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-streams/pkg/models"
	"github.com/ekaya-inc/ekaya-streams/pkg/testhelpers"
)

func setupQueryMetadataTest(t *testing.T) QueryMetadataRepository {
	t.Helper()
	testDB := testhelpers.GetMetadataDB(t)

	_, err := testDB.DB.Exec(context.Background(), "DELETE FROM streams_query_metadata")
	require.NoError(t, err)

	return NewQueryMetadataRepository(testDB.DB)
}

func TestQueryMetadataRepository_UpsertAndGet(t *testing.T) {
	repo := setupQueryMetadataTest(t)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, liveMetadata(3)))

	meta, err := repo.Get(ctx, "TRADE_5M_LIVE")
	require.NoError(t, err)
	assert.Equal(t, "trade_5m_live", meta.Identifier)
	assert.Equal(t, models.RoleLive, meta.Role)
	assert.Equal(t, "5m", meta.TimeframeRaw)
	assert.Equal(t, 3, meta.GraceSeconds)
	assert.Equal(t, []models.ColumnShape{{Name: "Symbol", Type: "STRING"}}, meta.Keys)
	assert.Equal(t, "trade_1s_rows", meta.InputHint)
}

func TestQueryMetadataRepository_UpsertNeverRegresses(t *testing.T) {
	repo := setupQueryMetadataTest(t)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, liveMetadata(5)))
	next := liveMetadata(2)
	next.Role = models.RoleHub
	next.TimeframeRaw = "1h"
	next.RetentionMs = 86400000
	require.NoError(t, repo.Upsert(ctx, next))

	meta, err := repo.Get(ctx, "trade_5m_live")
	require.NoError(t, err)
	assert.Equal(t, 5, meta.GraceSeconds)
	assert.Equal(t, models.RoleLive, meta.Role)
	assert.Equal(t, "5m", meta.TimeframeRaw)
	assert.Equal(t, int64(86400000), meta.RetentionMs)
}

func TestQueryMetadataRepository_ListAndDelete(t *testing.T) {
	repo := setupQueryMetadataTest(t)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &models.QueryMetadata{Identifier: "trade_5m_live"}))
	require.NoError(t, repo.Upsert(ctx, &models.QueryMetadata{Identifier: "trade_1s_rows", Role: models.RoleHub}))

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "trade_1s_rows", all[0].Identifier)

	require.NoError(t, repo.Delete(ctx, "trade_5m_live"))
	_, err = repo.Get(ctx, "trade_5m_live")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "trade_5m_live"), apperrors.ErrNotFound)
}
