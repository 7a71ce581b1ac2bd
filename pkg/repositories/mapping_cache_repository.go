package repositories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

// MappingCacheRepository stores confirmed pattern-to-target mappings.
// All counter updates are single-statement upserts so concurrent sessions
// never take cross-session locks.
type MappingCacheRepository interface {
	// FindByPattern returns every entry for a normalized pattern.
	FindByPattern(ctx context.Context, entityType, pattern string) ([]*models.MappingCacheEntry, error)

	// RecordConfirmed creates the entry (usage 1) or increments usage and raises confidence.
	RecordConfirmed(ctx context.Context, entityType, pattern, targetField string, confidence float64) (*models.MappingCacheEntry, error)

	// RecordOutcome folds one success/failure into the rolling success rate.
	RecordOutcome(ctx context.Context, entityType, pattern, targetField string, success bool, learningRate float64) error

	// List returns entries for an entity type ordered by usage.
	List(ctx context.Context, entityType string, limit int) ([]*models.MappingCacheEntry, error)
}

type mappingCacheRepository struct{}

// NewMappingCacheRepository creates a new MappingCacheRepository.
func NewMappingCacheRepository() MappingCacheRepository {
	return &mappingCacheRepository{}
}

var _ MappingCacheRepository = (*mappingCacheRepository)(nil)

const cacheColumns = `id, entity_type, pattern, target_field, confidence, usage_count, success_rate, last_used_at, created_at`

func (r *mappingCacheRepository) FindByPattern(ctx context.Context, entityType, pattern string) ([]*models.MappingCacheEntry, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx,
		`SELECT `+cacheColumns+` FROM import_mapping_cache WHERE entity_type = $1 AND pattern = $2`,
		entityType, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to query mapping cache: %w", err)
	}
	defer rows.Close()

	return scanCacheEntries(rows)
}

func (r *mappingCacheRepository) RecordConfirmed(ctx context.Context, entityType, pattern, targetField string, confidence float64) (*models.MappingCacheEntry, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO import_mapping_cache (entity_type, pattern, target_field, confidence, usage_count, success_rate, last_used_at)
		VALUES ($1, $2, $3, $4, 1, 1, NOW())
		ON CONFLICT (entity_type, pattern, target_field) DO UPDATE SET
			usage_count = import_mapping_cache.usage_count + 1,
			confidence = GREATEST(import_mapping_cache.confidence, EXCLUDED.confidence),
			last_used_at = NOW()
		RETURNING ` + cacheColumns

	row := scope.Conn.QueryRow(ctx, query, entityType, pattern, targetField, confidence)
	entry, err := scanCacheEntry(row)
	if err != nil {
		return nil, fmt.Errorf("failed to record confirmed mapping: %w", err)
	}
	return entry, nil
}

func (r *mappingCacheRepository) RecordOutcome(ctx context.Context, entityType, pattern, targetField string, success bool, learningRate float64) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	target := 0.0
	if success {
		target = 1.0
	}

	query := `
		UPDATE import_mapping_cache
		SET success_rate = LEAST(1, GREATEST(0, success_rate + $4 * ($5 - success_rate))),
		    last_used_at = NOW()
		WHERE entity_type = $1 AND pattern = $2 AND target_field = $3`

	if _, err := scope.Conn.Exec(ctx, query, entityType, pattern, targetField, learningRate, target); err != nil {
		return fmt.Errorf("failed to record mapping outcome: %w", err)
	}
	return nil
}

func (r *mappingCacheRepository) List(ctx context.Context, entityType string, limit int) ([]*models.MappingCacheEntry, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}

	rows, err := scope.Conn.Query(ctx,
		`SELECT `+cacheColumns+` FROM import_mapping_cache WHERE entity_type = $1 ORDER BY usage_count DESC, last_used_at DESC LIMIT $2`,
		entityType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list mapping cache: %w", err)
	}
	defer rows.Close()

	return scanCacheEntries(rows)
}

func scanCacheEntries(rows pgx.Rows) ([]*models.MappingCacheEntry, error) {
	var entries []*models.MappingCacheEntry
	for rows.Next() {
		e, err := scanCacheEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping cache entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanCacheEntry(row pgx.Row) (*models.MappingCacheEntry, error) {
	var e models.MappingCacheEntry
	err := row.Scan(&e.ID, &e.EntityType, &e.Pattern, &e.TargetField, &e.Confidence,
		&e.UsageCount, &e.SuccessRate, &e.LastUsedAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
