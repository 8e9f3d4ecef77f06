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

const queueEventColumns = `
	id,
	tier,
	origin_tier,
	entity_type,
	entity_id,
	op,
	source_system,
	target_system,
	payload_json,
	status,
	attempt_count,
	next_attempt_at,
	lease_owner,
	lease_expires_at,
	last_error,
	processed_at,
	created_at,
	updated_at
`

// EnqueueEvent persists one sync operation into its tier's queue.
func (s *Store) EnqueueEvent(ctx context.Context, event storage.QueueEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	event.ID = strings.TrimSpace(event.ID)
	event.Tier = strings.TrimSpace(event.Tier)
	event.EntityType = strings.TrimSpace(event.EntityType)
	event.EntityID = strings.TrimSpace(event.EntityID)
	if event.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if event.Tier == "" {
		return fmt.Errorf("tier is required")
	}
	if event.EntityType == "" || event.EntityID == "" {
		return fmt.Errorf("entity type and id are required")
	}
	if strings.TrimSpace(event.PayloadJSON) == "" {
		return fmt.Errorf("payload is required")
	}

	now := time.Now().UTC()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	if event.NextAttemptAt.IsZero() {
		event.NextAttemptAt = event.CreatedAt
	}
	if event.Status == "" {
		event.Status = storage.QueueStatusPending
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO sync_queue (
	id,
	tier,
	origin_tier,
	entity_type,
	entity_id,
	op,
	source_system,
	target_system,
	payload_json,
	status,
	attempt_count,
	next_attempt_at,
	lease_owner,
	lease_expires_at,
	last_error,
	processed_at,
	created_at,
	updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', NULL, '', NULL, ?, ?)
`,
		event.ID,
		event.Tier,
		event.Tier,
		event.EntityType,
		event.EntityID,
		event.Op,
		event.SourceSystem,
		event.TargetSystem,
		event.PayloadJSON,
		event.Status,
		event.AttemptCount,
		toMillis(event.NextAttemptAt),
		toMillis(event.CreatedAt),
		toMillis(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("enqueue sync event: %w", err)
	}
	return nil
}

// GetEvent returns one queue event by ID.
func (s *Store) GetEvent(ctx context.Context, id string) (storage.QueueEvent, error) {
	if err := ctx.Err(); err != nil {
		return storage.QueueEvent{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.QueueEvent{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.QueueEvent{}, fmt.Errorf("event id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+queueEventColumns+` FROM sync_queue WHERE id = ?`, id)
	event, err := scanQueueEvent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.QueueEvent{}, storage.ErrNotFound
		}
		return storage.QueueEvent{}, fmt.Errorf("get sync event: %w", err)
	}
	return event, nil
}

// LeaseEvents leases due events from one tier for one consumer. Expired
// leases are reclaimed so a crashed worker never strands an operation.
func (s *Store) LeaseEvents(ctx context.Context, tier, consumer string, limit int, now time.Time, leaseTTL time.Duration) ([]storage.QueueEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	tier = strings.TrimSpace(tier)
	consumer = strings.TrimSpace(consumer)
	if tier == "" {
		return nil, fmt.Errorf("tier is required")
	}
	if consumer == "" {
		return nil, fmt.Errorf("consumer is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if leaseTTL <= 0 {
		return nil, fmt.Errorf("lease ttl must be greater than zero")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.UTC()
	leaseExpiresAt := now.Add(leaseTTL)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("start lease transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `
SELECT id
FROM sync_queue
WHERE tier = ?
AND (
	(status = ? AND next_attempt_at <= ?)
	OR
	(status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
)
ORDER BY next_attempt_at ASC, created_at ASC, id ASC
LIMIT ?
`,
		tier,
		storage.QueueStatusPending,
		toMillis(now),
		storage.QueueStatusLeased,
		toMillis(now),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select lease candidates: %w", err)
	}
	candidateIDs := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan lease candidate: %w", scanErr)
		}
		candidateIDs = append(candidateIDs, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate lease candidates: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close lease candidates: %w", err)
	}
	if len(candidateIDs) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit empty lease transaction: %w", err)
		}
		return []storage.QueueEvent{}, nil
	}

	leased := make([]storage.QueueEvent, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		result, updateErr := tx.ExecContext(ctx, `
UPDATE sync_queue
SET
	status = ?,
	lease_owner = ?,
	lease_expires_at = ?,
	updated_at = ?
WHERE id = ?
AND (
	(status = ? AND next_attempt_at <= ?)
	OR
	(status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
)
`,
			storage.QueueStatusLeased,
			consumer,
			toMillis(leaseExpiresAt),
			toMillis(now),
			id,
			storage.QueueStatusPending,
			toMillis(now),
			storage.QueueStatusLeased,
			toMillis(now),
		)
		if updateErr != nil {
			return nil, fmt.Errorf("lease sync event %s: %w", id, updateErr)
		}
		rowsAffected, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			return nil, fmt.Errorf("lease rows affected for %s: %w", id, rowsErr)
		}
		if rowsAffected == 0 {
			continue
		}

		row := tx.QueryRowContext(ctx, `SELECT `+queueEventColumns+` FROM sync_queue WHERE id = ?`, id)
		event, scanErr := scanQueueEvent(row.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan leased sync event %s: %w", id, scanErr)
		}
		leased = append(leased, event)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease transaction: %w", err)
	}
	return leased, nil
}

// MarkSucceeded marks one leased event as succeeded.
func (s *Store) MarkSucceeded(ctx context.Context, id, consumer string, processedAt time.Time) error {
	return s.retireEvent(ctx, id, consumer, storage.QueueStatusSucceeded, processedAt)
}

// MarkSuperseded retires one leased event that was skipped because a newer
// pending event for the same entity made it stale.
func (s *Store) MarkSuperseded(ctx context.Context, id, consumer string, processedAt time.Time) error {
	return s.retireEvent(ctx, id, consumer, storage.QueueStatusSuperseded, processedAt)
}

func (s *Store) retireEvent(ctx context.Context, id, consumer, status string, processedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	consumer = strings.TrimSpace(consumer)
	if id == "" {
		return fmt.Errorf("event id is required")
	}
	if consumer == "" {
		return fmt.Errorf("consumer is required")
	}
	if processedAt.IsZero() {
		processedAt = time.Now().UTC()
	}
	processedAt = processedAt.UTC()

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE sync_queue
SET
	status = ?,
	lease_owner = '',
	lease_expires_at = NULL,
	last_error = '',
	processed_at = ?,
	updated_at = ?
WHERE id = ?
AND status = ?
AND lease_owner = ?
`,
		status,
		toMillis(processedAt),
		toMillis(processedAt),
		id,
		storage.QueueStatusLeased,
		consumer,
	)
	if err != nil {
		return fmt.Errorf("mark sync event %s: %w", status, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark sync event %s rows affected: %w", status, err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkRetry returns one leased event to pending in its own tier with an
// incremented attempt count.
func (s *Store) MarkRetry(ctx context.Context, id, consumer string, nextAttemptAt time.Time, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	consumer = strings.TrimSpace(consumer)
	lastError = strings.TrimSpace(lastError)
	if id == "" {
		return fmt.Errorf("event id is required")
	}
	if consumer == "" {
		return fmt.Errorf("consumer is required")
	}
	if nextAttemptAt.IsZero() {
		return fmt.Errorf("next attempt at is required")
	}
	now := time.Now().UTC()
	nextAttemptAt = nextAttemptAt.UTC()

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE sync_queue
SET
	status = ?,
	attempt_count = attempt_count + 1,
	next_attempt_at = ?,
	lease_owner = '',
	lease_expires_at = NULL,
	last_error = ?,
	processed_at = NULL,
	updated_at = ?
WHERE id = ?
AND status = ?
AND lease_owner = ?
`,
		storage.QueueStatusPending,
		toMillis(nextAttemptAt),
		lastError,
		toMillis(now),
		id,
		storage.QueueStatusLeased,
		consumer,
	)
	if err != nil {
		return fmt.Errorf("mark sync event retry: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark sync event retry rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkDead moves one leased event to the failed tier with its error context
// retained for operator inspection.
func (s *Store) MarkDead(ctx context.Context, id, consumer string, lastError string, processedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	consumer = strings.TrimSpace(consumer)
	lastError = strings.TrimSpace(lastError)
	if id == "" {
		return fmt.Errorf("event id is required")
	}
	if consumer == "" {
		return fmt.Errorf("consumer is required")
	}
	if processedAt.IsZero() {
		processedAt = time.Now().UTC()
	}
	processedAt = processedAt.UTC()

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE sync_queue
SET
	tier = 'failed',
	status = ?,
	attempt_count = attempt_count + 1,
	lease_owner = '',
	lease_expires_at = NULL,
	last_error = ?,
	processed_at = ?,
	updated_at = ?
WHERE id = ?
AND status = ?
AND lease_owner = ?
`,
		storage.QueueStatusDead,
		lastError,
		toMillis(processedAt),
		toMillis(processedAt),
		id,
		storage.QueueStatusLeased,
		consumer,
	)
	if err != nil {
		return fmt.Errorf("mark sync event dead: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark sync event dead rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// RequeueDead moves one dead event back to a processing tier for a manual
// redrive, resetting its attempt count.
func (s *Store) RequeueDead(ctx context.Context, id string, tier string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	tier = strings.TrimSpace(tier)
	if id == "" {
		return fmt.Errorf("event id is required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.UTC()

	var result sql.Result
	var err error
	if tier == "" {
		// Fall back to the tier the event was originally published to.
		result, err = s.sqlDB.ExecContext(ctx, `
UPDATE sync_queue
SET
	tier = origin_tier,
	status = ?,
	attempt_count = 0,
	next_attempt_at = ?,
	last_error = '',
	processed_at = NULL,
	updated_at = ?
WHERE id = ?
AND status = ?
`,
			storage.QueueStatusPending,
			toMillis(now),
			toMillis(now),
			id,
			storage.QueueStatusDead,
		)
	} else {
		result, err = s.sqlDB.ExecContext(ctx, `
UPDATE sync_queue
SET
	tier = ?,
	status = ?,
	attempt_count = 0,
	next_attempt_at = ?,
	last_error = '',
	processed_at = NULL,
	updated_at = ?
WHERE id = ?
AND status = ?
`,
			tier,
			storage.QueueStatusPending,
			toMillis(now),
			toMillis(now),
			id,
			storage.QueueStatusDead,
		)
	}
	if err != nil {
		return fmt.Errorf("requeue dead sync event: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeue dead sync event rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListDead lists dead-lettered events, oldest first.
func (s *Store) ListDead(ctx context.Context, limit int) ([]storage.QueueEvent, error) {
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
SELECT `+queueEventColumns+`
FROM sync_queue
WHERE status = ?
ORDER BY processed_at ASC, id ASC
LIMIT ?
`, storage.QueueStatusDead, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead sync events: %w", err)
	}
	defer rows.Close()

	events := make([]storage.QueueEvent, 0, limit)
	for rows.Next() {
		event, scanErr := scanQueueEvent(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan dead sync event: %w", scanErr)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead sync events: %w", err)
	}
	return events, nil
}

// HasNewerPending reports whether a pending operation for the same entity
// was enqueued after the given event, in any tier.
func (s *Store) HasNewerPending(ctx context.Context, event storage.QueueEvent) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}

	var found int
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT 1
FROM sync_queue
WHERE entity_type = ?
AND entity_id = ?
AND status = ?
AND id != ?
AND created_at > ?
LIMIT 1
`,
		event.EntityType,
		event.EntityID,
		storage.QueueStatusPending,
		event.ID,
		toMillis(event.CreatedAt),
	)
	if err := row.Scan(&found); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check newer pending sync event: %w", err)
	}
	return true, nil
}

type queueEventScanner func(dest ...any) error

func scanQueueEvent(scan queueEventScanner) (storage.QueueEvent, error) {
	var event storage.QueueEvent
	var originTier string
	var nextAttemptAt, createdAt, updatedAt int64
	var leaseExpiresAt, processedAt sql.NullInt64
	err := scan(
		&event.ID,
		&event.Tier,
		&originTier,
		&event.EntityType,
		&event.EntityID,
		&event.Op,
		&event.SourceSystem,
		&event.TargetSystem,
		&event.PayloadJSON,
		&event.Status,
		&event.AttemptCount,
		&nextAttemptAt,
		&event.LeaseOwner,
		&leaseExpiresAt,
		&event.LastError,
		&processedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return storage.QueueEvent{}, err
	}
	event.NextAttemptAt = fromMillis(nextAttemptAt)
	event.LeaseExpiresAt = fromNullableMillis(leaseExpiresAt)
	event.ProcessedAt = fromNullableMillis(processedAt)
	event.CreatedAt = fromMillis(createdAt)
	event.UpdatedAt = fromMillis(updatedAt)
	return event, nil
}
