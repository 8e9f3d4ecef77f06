package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coursebridge/coursebridge/internal/services/sync/storage"
)

// UpsertMapping creates or overwrites the mapping for the record's
// (entity type, source system, source id) key.
func (s *Store) UpsertMapping(ctx context.Context, mapping storage.MappingRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if err := validateMapping(&mapping); err != nil {
		return err
	}
	return upsertMapping(ctx, s.sqlDB, mapping)
}

type execContexter interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertMapping(ctx context.Context, db execContexter, mapping storage.MappingRecord) error {
	now := time.Now().UTC()
	if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = now
	}
	if mapping.UpdatedAt.IsZero() {
		mapping.UpdatedAt = now
	}

	_, err := db.ExecContext(ctx, `
INSERT INTO entity_mappings (
	entity_type,
	source_system,
	source_id,
	target_system,
	target_id,
	created_at,
	updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (entity_type, source_system, source_id) DO UPDATE SET
	target_system = excluded.target_system,
	target_id = excluded.target_id,
	updated_at = excluded.updated_at
`,
		mapping.EntityType,
		mapping.SourceSystem,
		mapping.SourceID,
		mapping.TargetSystem,
		mapping.TargetID,
		toMillis(mapping.CreatedAt),
		toMillis(mapping.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert entity mapping: %w", err)
	}
	return nil
}

func validateMapping(mapping *storage.MappingRecord) error {
	mapping.EntityType = strings.TrimSpace(mapping.EntityType)
	mapping.SourceSystem = strings.TrimSpace(mapping.SourceSystem)
	mapping.SourceID = strings.TrimSpace(mapping.SourceID)
	mapping.TargetSystem = strings.TrimSpace(mapping.TargetSystem)
	mapping.TargetID = strings.TrimSpace(mapping.TargetID)
	if mapping.EntityType == "" {
		return fmt.Errorf("entity type is required")
	}
	if mapping.SourceSystem == "" || mapping.SourceID == "" {
		return fmt.Errorf("source system and id are required")
	}
	if mapping.TargetSystem == "" || mapping.TargetID == "" {
		return fmt.Errorf("target system and id are required")
	}
	return nil
}

// GetMapping returns the mapping visible from either side of the link.
func (s *Store) GetMapping(ctx context.Context, entityType, system, id string) (storage.MappingRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.MappingRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.MappingRecord{}, fmt.Errorf("storage is not configured")
	}

	entityType = strings.TrimSpace(entityType)
	system = strings.TrimSpace(system)
	id = strings.TrimSpace(id)
	if entityType == "" || system == "" || id == "" {
		return storage.MappingRecord{}, fmt.Errorf("entity type, system, and id are required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT
	entity_type,
	source_system,
	source_id,
	target_system,
	target_id,
	created_at,
	updated_at
FROM entity_mappings
WHERE entity_type = ?
AND (
	(source_system = ? AND source_id = ?)
	OR
	(target_system = ? AND target_id = ?)
)
`, entityType, system, id, system, id)

	var mapping storage.MappingRecord
	var createdAt, updatedAt int64
	err := row.Scan(
		&mapping.EntityType,
		&mapping.SourceSystem,
		&mapping.SourceID,
		&mapping.TargetSystem,
		&mapping.TargetID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MappingRecord{}, storage.ErrNotFound
		}
		return storage.MappingRecord{}, fmt.Errorf("get entity mapping: %w", err)
	}
	mapping.CreatedAt = fromMillis(createdAt)
	mapping.UpdatedAt = fromMillis(updatedAt)
	return mapping, nil
}

// deleteMapping removes the mapping visible from either side of the link.
// CommitDelete validates and runs it inside the delete transaction.
func deleteMapping(ctx context.Context, db execContexter, entityType, system, id string) (bool, error) {
	result, err := db.ExecContext(ctx, `
DELETE FROM entity_mappings
WHERE entity_type = ?
AND (
	(source_system = ? AND source_id = ?)
	OR
	(target_system = ? AND target_id = ?)
)
`, entityType, system, id, system, id)
	if err != nil {
		return false, fmt.Errorf("delete entity mapping: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete entity mapping rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// ListMappings lists mappings for one entity type, newest first.
func (s *Store) ListMappings(ctx context.Context, entityType string, limit int) ([]storage.MappingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	entityType = strings.TrimSpace(entityType)
	if entityType == "" {
		return nil, fmt.Errorf("entity type is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT
	entity_type,
	source_system,
	source_id,
	target_system,
	target_id,
	created_at,
	updated_at
FROM entity_mappings
WHERE entity_type = ?
ORDER BY updated_at DESC, source_id ASC
LIMIT ?
`, entityType, limit)
	if err != nil {
		return nil, fmt.Errorf("list entity mappings: %w", err)
	}
	defer rows.Close()

	mappings := make([]storage.MappingRecord, 0, limit)
	for rows.Next() {
		var mapping storage.MappingRecord
		var createdAt, updatedAt int64
		if err := rows.Scan(
			&mapping.EntityType,
			&mapping.SourceSystem,
			&mapping.SourceID,
			&mapping.TargetSystem,
			&mapping.TargetID,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan entity mapping: %w", err)
		}
		mapping.CreatedAt = fromMillis(createdAt)
		mapping.UpdatedAt = fromMillis(updatedAt)
		mappings = append(mappings, mapping)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entity mappings: %w", err)
	}
	return mappings, nil
}
