package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/coursebridge/coursebridge/internal/services/sync/storage"
)

// CommitSync writes the entity mapping and the sync state in one transaction.
// A failed sync must not leave the mapping without its state row, so the two
// writes succeed or fail together.
func (s *Store) CommitSync(ctx context.Context, mapping storage.MappingRecord, state storage.StateRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start sync commit transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := upsertMapping(ctx, tx, mapping); err != nil {
		return err
	}
	if err := upsertState(ctx, tx, state); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sync transaction: %w", err)
	}
	return nil
}

// CommitDelete removes the entity mapping and the sync state in one
// transaction. Deleting them separately could orphan the state row if the
// second write failed. It reports whether a mapping existed.
func (s *Store) CommitDelete(ctx context.Context, entityType, system, entityID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}

	entityType = strings.TrimSpace(entityType)
	system = strings.TrimSpace(system)
	entityID = strings.TrimSpace(entityID)
	if entityType == "" || system == "" || entityID == "" {
		return false, fmt.Errorf("entity type, system, and id are required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("start delete commit transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// The state row is keyed by the source-side entity id. When the caller
	// addresses the link from its target side, resolve that id first.
	stateID := entityID
	row := tx.QueryRowContext(ctx, `
SELECT source_id
FROM entity_mappings
WHERE entity_type = ? AND target_system = ? AND target_id = ?
`, entityType, system, entityID)
	switch err := row.Scan(&stateID); {
	case err == nil, errors.Is(err, sql.ErrNoRows):
	default:
		return false, fmt.Errorf("resolve mapping source id: %w", err)
	}

	deleted, err := deleteMapping(ctx, tx, entityType, system, entityID)
	if err != nil {
		return false, err
	}
	if _, err := deleteState(ctx, tx, entityType, stateID); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete transaction: %w", err)
	}
	return deleted, nil
}
