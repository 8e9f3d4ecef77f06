// Package state tracks the per-entity sync lifecycle: pending while queued,
// in progress during an attempt, completed or error afterwards.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/coursebridge/coursebridge/internal/services/sync/domain"
	"github.com/coursebridge/coursebridge/internal/services/sync/storage"
)

// Tracker records sync state transitions.
type Tracker struct {
	store storage.StateStore
}

// New returns a tracker over the given store.
func New(store storage.StateStore) *Tracker {
	return &Tracker{store: store}
}

// MarkPending records an entity as queued for sync. Versions from earlier
// attempts are preserved.
func (t *Tracker) MarkPending(ctx context.Context, entityType domain.EntityType, entityID string, now time.Time) error {
	return t.transition(ctx, entityType, entityID, domain.StatePending, "", now)
}

// MarkInProgress records the start of a sync attempt.
func (t *Tracker) MarkInProgress(ctx context.Context, entityType domain.EntityType, entityID string, now time.Time) error {
	return t.transition(ctx, entityType, entityID, domain.StateInProgress, "", now)
}

// MarkError records a failed attempt with its error message.
func (t *Tracker) MarkError(ctx context.Context, entityType domain.EntityType, entityID string, cause error, now time.Time) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	return t.transition(ctx, entityType, entityID, domain.StateError, message, now)
}

func (t *Tracker) transition(ctx context.Context, entityType domain.EntityType, entityID string, status domain.StateStatus, lastError string, now time.Time) error {
	if t == nil || t.store == nil {
		return domain.ErrNotInitialized
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	record := storage.StateRecord{
		EntityType: string(entityType),
		EntityID:   entityID,
		Status:     string(status),
		LastError:  lastError,
		UpdatedAt:  now,
	}
	if existing, err := t.store.GetState(ctx, string(entityType), entityID); err == nil {
		record.LastSyncedAt = existing.LastSyncedAt
		record.SourceVersion = existing.SourceVersion
		record.TargetVersion = existing.TargetVersion
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return t.store.UpsertState(ctx, record)
}

// CompletedRecord builds the state row a successful attempt commits, with
// the versions observed during the attempt.
func CompletedRecord(entityType domain.EntityType, entityID string, sourceVersion, targetVersion, now time.Time) storage.StateRecord {
	return storage.StateRecord{
		EntityType:    string(entityType),
		EntityID:      entityID,
		LastSyncedAt:  now,
		SourceVersion: sourceVersion,
		TargetVersion: targetVersion,
		Status:        string(domain.StateCompleted),
		UpdatedAt:     now,
	}
}

// Get returns the sync state for one entity.
func (t *Tracker) Get(ctx context.Context, entityType domain.EntityType, entityID string) (storage.StateRecord, error) {
	if t == nil || t.store == nil {
		return storage.StateRecord{}, domain.ErrNotInitialized
	}
	return t.store.GetState(ctx, string(entityType), entityID)
}

// Summary is the per-status entity count for dashboards.
type Summary struct {
	Pending    int
	InProgress int
	Completed  int
	Error      int
}

// Summary aggregates entity counts by sync status.
func (t *Tracker) Summary(ctx context.Context) (Summary, error) {
	if t == nil || t.store == nil {
		return Summary{}, domain.ErrNotInitialized
	}
	counts, err := t.store.CountStatesByStatus(ctx)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Pending:    counts[string(domain.StatePending)],
		InProgress: counts[string(domain.StateInProgress)],
		Completed:  counts[string(domain.StateCompleted)],
		Error:      counts[string(domain.StateError)],
	}, nil
}
