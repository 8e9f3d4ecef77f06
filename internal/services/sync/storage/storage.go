// Package storage defines the persistence contracts for the sync engine.
// SQLite is the canonical implementation; the interfaces keep the engine
// testable against fakes.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a missing row.
var ErrNotFound = errors.New("not found")

// MappingRecord is one durable cross-system identity link. At most one row
// exists per (entity type, source system, source id).
type MappingRecord struct {
	EntityType   string
	SourceSystem string
	SourceID     string
	TargetSystem string
	TargetID     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// QueueEvent is one durable sync operation in a priority tier. The row moves
// through pending → leased → succeeded (or superseded when it was collapsed
// unexecuted), back to pending on retry, or to the failed tier (status dead)
// when it is dead-lettered.
type QueueEvent struct {
	ID             string
	Tier           string
	EntityType     string
	EntityID       string
	Op             string
	SourceSystem   string
	TargetSystem   string
	PayloadJSON    string
	Status         string
	AttemptCount   int32
	NextAttemptAt  time.Time
	LeaseOwner     string
	LeaseExpiresAt time.Time
	LastError      string
	ProcessedAt    time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Queue event statuses.
const (
	QueueStatusPending = "pending"
	QueueStatusLeased  = "leased"
	// Succeeded events were executed; superseded events were skipped
	// because a newer pending event for the same entity made them stale.
	QueueStatusSucceeded  = "succeeded"
	QueueStatusSuperseded = "superseded"
	QueueStatusDead       = "dead"
)

// StateRecord is the per-entity sync state row, updated in place on every
// attempt and read by dashboards and conflict resolution.
type StateRecord struct {
	EntityType    string
	EntityID      string
	LastSyncedAt  time.Time
	SourceVersion time.Time
	TargetVersion time.Time
	Status        string
	LastError     string
	UpdatedAt     time.Time
}

// ResultRecord is one append-only sync audit row.
type ResultRecord struct {
	ID            string
	EntityType    string
	EntityID      string
	StartedAt     time.Time
	CompletedAt   time.Time
	Status        string
	SourceUpdates int32
	TargetUpdates int32
	LastError     string
	CreatedAt     time.Time
}

// MappingStore persists entity mappings.
type MappingStore interface {
	UpsertMapping(ctx context.Context, mapping MappingRecord) error
	// GetMapping looks a mapping up from either side: system/id may name the
	// source or the target of the stored row.
	GetMapping(ctx context.Context, entityType, system, id string) (MappingRecord, error)
	ListMappings(ctx context.Context, entityType string, limit int) ([]MappingRecord, error)
}

// QueueStore persists the durable priority queue.
type QueueStore interface {
	EnqueueEvent(ctx context.Context, event QueueEvent) error
	GetEvent(ctx context.Context, id string) (QueueEvent, error)
	// LeaseEvents leases due pending events (and expired leases) from one
	// tier, FIFO by next attempt time then enqueue time.
	LeaseEvents(ctx context.Context, tier, consumer string, limit int, now time.Time, leaseTTL time.Duration) ([]QueueEvent, error)
	MarkSucceeded(ctx context.Context, id, consumer string, processedAt time.Time) error
	// MarkSuperseded retires a leased event without executing it, keeping
	// it distinguishable from events that actually ran.
	MarkSuperseded(ctx context.Context, id, consumer string, processedAt time.Time) error
	// MarkRetry returns a leased event to pending in its own tier with an
	// incremented attempt count.
	MarkRetry(ctx context.Context, id, consumer string, nextAttemptAt time.Time, lastError string) error
	// MarkDead moves a leased event to the failed tier.
	MarkDead(ctx context.Context, id, consumer string, lastError string, processedAt time.Time) error
	// RequeueDead moves a dead event back to its recorded origin tier for a
	// manual redrive.
	RequeueDead(ctx context.Context, id string, tier string, now time.Time) error
	ListDead(ctx context.Context, limit int) ([]QueueEvent, error)
	// HasNewerPending reports whether a pending event for the same entity
	// was enqueued after the given event, in any tier.
	HasNewerPending(ctx context.Context, event QueueEvent) (bool, error)
}

// StateStore persists per-entity sync state.
type StateStore interface {
	UpsertState(ctx context.Context, state StateRecord) error
	GetState(ctx context.Context, entityType, entityID string) (StateRecord, error)
	CountStatesByStatus(ctx context.Context) (map[string]int, error)
}

// ResultStore persists the append-only audit trail.
type ResultStore interface {
	RecordResult(ctx context.Context, result ResultRecord) error
	ListResults(ctx context.Context, limit int) ([]ResultRecord, error)
}

// SyncStore is the full persistence surface of the engine. CommitSync and
// CommitDelete are the transaction coordinator's commit points: the mapping
// row and the state row change together or not at all.
type SyncStore interface {
	MappingStore
	QueueStore
	StateStore
	ResultStore
	CommitSync(ctx context.Context, mapping MappingRecord, state StateRecord) error
	// CommitDelete removes the mapping (addressable from either side) and
	// the state row for one entity, reporting whether a mapping existed.
	CommitDelete(ctx context.Context, entityType, system, entityID string) (bool, error)
	Close() error
}
