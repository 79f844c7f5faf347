package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-streams/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-streams/pkg/database"
	"github.com/ekaya-inc/ekaya-streams/pkg/models"
)

// QueryMetadataRepository persists the QueryMetadata of derived entities between runs.
type QueryMetadataRepository interface {
	// Get returns the metadata recorded for identifier, or apperrors.ErrNotFound.
	Get(ctx context.Context, identifier string) (*models.QueryMetadata, error)

	// Upsert inserts or updates metadata. A recorded role or timeframe is never
	// overwritten and the recorded grace never decreases.
	Upsert(ctx context.Context, meta *models.QueryMetadata) error

	// List returns all recorded metadata ordered by identifier.
	List(ctx context.Context) ([]*models.QueryMetadata, error)

	// Delete removes the metadata for identifier.
	Delete(ctx context.Context, identifier string) error
}

func metadataKey(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

// ============================================================================
// PostgreSQL
// ============================================================================

type queryMetadataRepository struct {
	db *database.DB
}

var _ QueryMetadataRepository = (*queryMetadataRepository)(nil)

// NewQueryMetadataRepository creates a PostgreSQL-backed repository.
func NewQueryMetadataRepository(db *database.DB) QueryMetadataRepository {
	return &queryMetadataRepository{db: db}
}

func (r *queryMetadataRepository) Get(ctx context.Context, identifier string) (*models.QueryMetadata, error) {
	query := `
		SELECT identifier, role, timeframe, keys, projection, timestamp_column,
		       retention_ms, grace_seconds, input_hint, namespace
		FROM streams_query_metadata
		WHERE identifier = $1`

	meta, err := scanMetadata(r.db.QueryRow(ctx, query, metadataKey(identifier)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("query metadata %s: %w", identifier, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get query metadata: %w", err)
	}
	return meta, nil
}

func (r *queryMetadataRepository) Upsert(ctx context.Context, meta *models.QueryMetadata) error {
	if meta == nil || strings.TrimSpace(meta.Identifier) == "" {
		return fmt.Errorf("query metadata identifier is required")
	}

	keys, err := json.Marshal(meta.Keys)
	if err != nil {
		return fmt.Errorf("failed to marshal keys: %w", err)
	}
	projection, err := json.Marshal(meta.Projection)
	if err != nil {
		return fmt.Errorf("failed to marshal projection: %w", err)
	}

	query := `
		INSERT INTO streams_query_metadata (
			identifier, role, timeframe, keys, projection, timestamp_column,
			retention_ms, grace_seconds, input_hint, namespace, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (identifier) DO UPDATE SET
			role = COALESCE(NULLIF(streams_query_metadata.role, ''), EXCLUDED.role),
			timeframe = COALESCE(NULLIF(streams_query_metadata.timeframe, ''), EXCLUDED.timeframe),
			keys = EXCLUDED.keys,
			projection = EXCLUDED.projection,
			timestamp_column = EXCLUDED.timestamp_column,
			retention_ms = EXCLUDED.retention_ms,
			grace_seconds = GREATEST(streams_query_metadata.grace_seconds, EXCLUDED.grace_seconds),
			input_hint = EXCLUDED.input_hint,
			namespace = EXCLUDED.namespace,
			updated_at = NOW()`

	_, err = r.db.Exec(ctx, query,
		metadataKey(meta.Identifier), string(meta.Role), meta.TimeframeRaw, keys, projection,
		meta.TimestampColumn, meta.RetentionMs, meta.GraceSeconds, meta.InputHint, meta.Namespace)
	if err != nil {
		return fmt.Errorf("failed to upsert query metadata: %w", err)
	}
	return nil
}

func (r *queryMetadataRepository) List(ctx context.Context) ([]*models.QueryMetadata, error) {
	query := `
		SELECT identifier, role, timeframe, keys, projection, timestamp_column,
		       retention_ms, grace_seconds, input_hint, namespace
		FROM streams_query_metadata
		ORDER BY identifier`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list query metadata: %w", err)
	}
	defer rows.Close()

	var out []*models.QueryMetadata
	for rows.Next() {
		meta, err := scanMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan query metadata: %w", err)
		}
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating query metadata: %w", err)
	}
	return out, nil
}

func (r *queryMetadataRepository) Delete(ctx context.Context, identifier string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM streams_query_metadata WHERE identifier = $1`, metadataKey(identifier))
	if err != nil {
		return fmt.Errorf("failed to delete query metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("query metadata %s: %w", identifier, apperrors.ErrNotFound)
	}
	return nil
}

func scanMetadata(row pgx.Row) (*models.QueryMetadata, error) {
	var (
		meta             models.QueryMetadata
		role             string
		keys, projection []byte
	)
	err := row.Scan(&meta.Identifier, &role, &meta.TimeframeRaw, &keys, &projection,
		&meta.TimestampColumn, &meta.RetentionMs, &meta.GraceSeconds, &meta.InputHint, &meta.Namespace)
	if err != nil {
		return nil, err
	}
	meta.Role = models.Role(role)
	if len(keys) > 0 {
		if err := json.Unmarshal(keys, &meta.Keys); err != nil {
			return nil, fmt.Errorf("failed to unmarshal keys: %w", err)
		}
	}
	if len(projection) > 0 {
		if err := json.Unmarshal(projection, &meta.Projection); err != nil {
			return nil, fmt.Errorf("failed to unmarshal projection: %w", err)
		}
	}
	return &meta, nil
}

// ============================================================================
// In-memory
// ============================================================================

type memoryQueryMetadataRepository struct {
	mu    sync.RWMutex
	items map[string]models.QueryMetadata
}

var _ QueryMetadataRepository = (*memoryQueryMetadataRepository)(nil)

// NewMemoryQueryMetadataRepository creates a process-local repository, used when
// no database is configured.
func NewMemoryQueryMetadataRepository() QueryMetadataRepository {
	return &memoryQueryMetadataRepository{items: make(map[string]models.QueryMetadata)}
}

func (r *memoryQueryMetadataRepository) Get(_ context.Context, identifier string) (*models.QueryMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.items[metadataKey(identifier)]
	if !ok {
		return nil, fmt.Errorf("query metadata %s: %w", identifier, apperrors.ErrNotFound)
	}
	c := meta.Clone()
	return &c, nil
}

func (r *memoryQueryMetadataRepository) Upsert(_ context.Context, meta *models.QueryMetadata) error {
	if meta == nil || strings.TrimSpace(meta.Identifier) == "" {
		return fmt.Errorf("query metadata identifier is required")
	}
	key := metadataKey(meta.Identifier)

	r.mu.Lock()
	defer r.mu.Unlock()

	next := meta.Clone()
	next.Identifier = key
	if prev, ok := r.items[key]; ok {
		if prev.Role != "" {
			next.Role = prev.Role
		}
		if prev.TimeframeRaw != "" {
			next.TimeframeRaw = prev.TimeframeRaw
		}
		if prev.GraceSeconds > next.GraceSeconds {
			next.GraceSeconds = prev.GraceSeconds
		}
	}
	r.items[key] = next
	return nil
}

func (r *memoryQueryMetadataRepository) List(_ context.Context) ([]*models.QueryMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.QueryMetadata, 0, len(r.items))
	for _, meta := range r.items {
		c := meta.Clone()
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

func (r *memoryQueryMetadataRepository) Delete(_ context.Context, identifier string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := metadataKey(identifier)
	if _, ok := r.items[key]; !ok {
		return fmt.Errorf("query metadata %s: %w", identifier, apperrors.ErrNotFound)
	}
	delete(r.items, key)
	return nil
}
