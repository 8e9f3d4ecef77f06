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

// UpsertState writes the per-entity sync state row, replacing any prior row
// for the same entity.
func (s *Store) UpsertState(ctx context.Context, state storage.StateRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return upsertState(ctx, s.sqlDB, state)
}

func upsertState(ctx context.Context, db execContexter, state storage.StateRecord) error {
	state.EntityType = strings.TrimSpace(state.EntityType)
	state.EntityID = strings.TrimSpace(state.EntityID)
	state.Status = strings.TrimSpace(state.Status)
	if state.EntityType == "" || state.EntityID == "" {
		return fmt.Errorf("entity type and id are required")
	}
	if state.Status == "" {
		return fmt.Errorf("state status is required")
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	_, err := db.ExecContext(ctx, `
INSERT INTO sync_states (
	entity_type,
	entity_id,
	last_synced_at,
	source_version,
	target_version,
	status,
	last_error,
	updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (entity_type, entity_id) DO UPDATE SET
	last_synced_at = excluded.last_synced_at,
	source_version = excluded.source_version,
	target_version = excluded.target_version,
	status = excluded.status,
	last_error = excluded.last_error,
	updated_at = excluded.updated_at
`,
		state.EntityType,
		state.EntityID,
		nullableMillis(state.LastSyncedAt),
		nullableMillis(state.SourceVersion),
		nullableMillis(state.TargetVersion),
		state.Status,
		strings.TrimSpace(state.LastError),
		toMillis(state.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert sync state: %w", err)
	}
	return nil
}

// GetState returns the sync state row for one entity.
func (s *Store) GetState(ctx context.Context, entityType, entityID string) (storage.StateRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.StateRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.StateRecord{}, fmt.Errorf("storage is not configured")
	}
	entityType = strings.TrimSpace(entityType)
	entityID = strings.TrimSpace(entityID)
	if entityType == "" || entityID == "" {
		return storage.StateRecord{}, fmt.Errorf("entity type and id are required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT
	entity_type,
	entity_id,
	last_synced_at,
	source_version,
	target_version,
	status,
	last_error,
	updated_at
FROM sync_states
WHERE entity_type = ?
AND entity_id = ?
`, entityType, entityID)

	var state storage.StateRecord
	var lastSyncedAt, sourceVersion, targetVersion sql.NullInt64
	var updatedAt int64
	err := row.Scan(
		&state.EntityType,
		&state.EntityID,
		&lastSyncedAt,
		&sourceVersion,
		&targetVersion,
		&state.Status,
		&state.LastError,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.StateRecord{}, storage.ErrNotFound
		}
		return storage.StateRecord{}, fmt.Errorf("get sync state: %w", err)
	}
	state.LastSyncedAt = fromNullableMillis(lastSyncedAt)
	state.SourceVersion = fromNullableMillis(sourceVersion)
	state.TargetVersion = fromNullableMillis(targetVersion)
	state.UpdatedAt = fromMillis(updatedAt)
	return state, nil
}

// deleteState removes the sync state row for one entity, reporting whether a
// row was deleted. CommitDelete runs it inside the delete transaction.
func deleteState(ctx context.Context, db execContexter, entityType, entityID string) (bool, error) {
	result, err := db.ExecContext(ctx, `
DELETE FROM sync_states
WHERE entity_type = ?
AND entity_id = ?
`, entityType, entityID)
	if err != nil {
		return false, fmt.Errorf("delete sync state: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete sync state rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// CountStatesByStatus returns the number of entities per sync status.
func (s *Store) CountStatesByStatus(ctx context.Context) (map[string]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT status, COUNT(*)
FROM sync_states
GROUP BY status
`)
	if err != nil {
		return nil, fmt.Errorf("count sync states: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if scanErr := rows.Scan(&status, &count); scanErr != nil {
			return nil, fmt.Errorf("scan sync state count: %w", scanErr)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync state counts: %w", err)
	}
	return counts, nil
}
