package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/coursebridge/coursebridge/internal/services/sync/storage"
)

// RecordResult appends one sync audit row. Rows are never updated.
func (s *Store) RecordResult(ctx context.Context, result storage.ResultRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	result.ID = strings.TrimSpace(result.ID)
	result.EntityType = strings.TrimSpace(result.EntityType)
	result.EntityID = strings.TrimSpace(result.EntityID)
	result.Status = strings.TrimSpace(result.Status)
	if result.ID == "" {
		return fmt.Errorf("result id is required")
	}
	if result.EntityType == "" || result.EntityID == "" {
		return fmt.Errorf("entity type and id are required")
	}
	if result.Status == "" {
		return fmt.Errorf("result status is required")
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO sync_results (
	id,
	entity_type,
	entity_id,
	started_at,
	completed_at,
	status,
	source_updates,
	target_updates,
	last_error,
	created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		result.ID,
		result.EntityType,
		result.EntityID,
		nullableMillis(result.StartedAt),
		nullableMillis(result.CompletedAt),
		result.Status,
		result.SourceUpdates,
		result.TargetUpdates,
		strings.TrimSpace(result.LastError),
		toMillis(result.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record sync result: %w", err)
	}
	return nil
}

// ListResults returns the most recent audit rows, newest first.
func (s *Store) ListResults(ctx context.Context, limit int) ([]storage.ResultRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT
	id,
	entity_type,
	entity_id,
	started_at,
	completed_at,
	status,
	source_updates,
	target_updates,
	last_error,
	created_at
FROM sync_results
ORDER BY created_at DESC, id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync results: %w", err)
	}
	defer rows.Close()

	results := make([]storage.ResultRecord, 0, limit)
	for rows.Next() {
		var result storage.ResultRecord
		var startedAt, completedAt sql.NullInt64
		var createdAt int64
		if scanErr := rows.Scan(
			&result.ID,
			&result.EntityType,
			&result.EntityID,
			&startedAt,
			&completedAt,
			&result.Status,
			&result.SourceUpdates,
			&result.TargetUpdates,
			&result.LastError,
			&createdAt,
		); scanErr != nil {
			return nil, fmt.Errorf("scan sync result: %w", scanErr)
		}
		result.StartedAt = fromNullableMillis(startedAt)
		result.CompletedAt = fromNullableMillis(completedAt)
		result.CreatedAt = fromMillis(createdAt)
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync results: %w", err)
	}
	return results, nil
}
