// Package txn runs sync operations transactionally: one exclusive lock per
// entity, a state transition around every attempt, and a single durable
// commit that persists the mapping and the new state together or not at
// all.
package txn

import (
	"context"
	"fmt"
	"time"

	"github.com/coursebridge/coursebridge/internal/services/sync/domain"
	"github.com/coursebridge/coursebridge/internal/services/sync/mapper"
	"github.com/coursebridge/coursebridge/internal/services/sync/remote"
	"github.com/coursebridge/coursebridge/internal/services/sync/state"
	"github.com/coursebridge/coursebridge/internal/services/sync/storage"
)

// Committer is the durable commit point the coordinator needs from the
// store.
type Committer interface {
	CommitSync(ctx context.Context, mapping storage.MappingRecord, state storage.StateRecord) error
	CommitDelete(ctx context.Context, entityType, system, entityID string) (bool, error)
}

// Coordinator executes sync operations with per-entity isolation.
type Coordinator struct {
	committer Committer
	mapper    *mapper.Mapper
	tracker   *state.Tracker
	clients   remote.Clients
	handlers  map[domain.EntityType]domain.Handler
	locks     *LockArena
	strategy  domain.Strategy
	now       func() time.Time
}

// Config wires a coordinator.
type Config struct {
	Committer Committer
	Mapper    *mapper.Mapper
	Tracker   *state.Tracker
	Clients   remote.Clients
	// Handlers defaults to the full registry.
	Handlers map[domain.EntityType]domain.Handler
	// Strategy is the conflict resolution policy for diverged entities.
	Strategy domain.Strategy
	// Now is overridable for tests.
	Now func() time.Time
}

// New constructs a coordinator.
func New(cfg Config) *Coordinator {
	handlers := cfg.Handlers
	if handlers == nil {
		handlers = domain.NewHandlerRegistry()
	}
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = domain.StrategySourceWins
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Coordinator{
		committer: cfg.Committer,
		mapper:    cfg.Mapper,
		tracker:   cfg.Tracker,
		clients:   cfg.Clients,
		handlers:  handlers,
		locks:     NewLockArena(),
		strategy:  strategy,
		now:       now,
	}
}

// Result is what one executed operation produced.
type Result struct {
	// TargetID is the entity's identity in the target system, empty for
	// deletes.
	TargetID string
	// Applied is the target-system record after the write, nil for deletes.
	Applied remote.Record
	// Created is true when the target entity was created rather than
	// updated.
	Created bool
}

// Execute runs one operation under the entity's exclusive lock. Nothing
// durable is written unless the whole pipeline succeeds; failures leave the
// entity in the error state with the mapping untouched.
func (c *Coordinator) Execute(ctx context.Context, op domain.SyncOperation) (Result, error) {
	if c == nil || c.committer == nil {
		return Result{}, domain.ErrNotInitialized
	}
	if err := op.Validate(); err != nil {
		return Result{}, err
	}

	release, err := c.locks.Acquire(ctx, op.EntityType, op.EntityID)
	if err != nil {
		return Result{}, err
	}
	return c.executeLocked(ctx, op, release)
}

// TryExecute runs one operation only if the entity's lock is free.
// Contention comes back as ConcurrentSyncError without touching the
// entity's state, so tier workers can reschedule instead of parking behind
// a long-running attempt.
func (c *Coordinator) TryExecute(ctx context.Context, op domain.SyncOperation) (Result, error) {
	if c == nil || c.committer == nil {
		return Result{}, domain.ErrNotInitialized
	}
	if err := op.Validate(); err != nil {
		return Result{}, err
	}

	release, err := c.locks.TryAcquire(op.EntityType, op.EntityID)
	if err != nil {
		return Result{}, err
	}
	return c.executeLocked(ctx, op, release)
}

func (c *Coordinator) executeLocked(ctx context.Context, op domain.SyncOperation, release func()) (Result, error) {
	defer release()

	result, err := c.run(ctx, op)
	if err != nil {
		if stateErr := c.tracker.MarkError(ctx, op.EntityType, op.EntityID, err, c.now()); stateErr != nil {
			return Result{}, fmt.Errorf("%w (state transition also failed: %v)", err, stateErr)
		}
		return Result{}, err
	}
	return result, nil
}

func (c *Coordinator) run(ctx context.Context, op domain.SyncOperation) (Result, error) {
	now := c.now()
	if err := c.tracker.MarkInProgress(ctx, op.EntityType, op.EntityID, now); err != nil {
		return Result{}, err
	}

	if op.Op == domain.OpDelete {
		return c.runDelete(ctx, op)
	}

	source, err := domain.DecodePayload(op.Payload)
	if err != nil {
		return Result{}, err
	}
	if err := c.resolveReferences(ctx, op, source); err != nil {
		return Result{}, err
	}

	mapping, mapped, err := c.mapper.GetMapping(ctx, op.EntityType, op.SourceSystem, op.EntityID)
	if err != nil {
		return Result{}, err
	}
	if op.Op == domain.OpUpdate && !mapped {
		return Result{}, &domain.MappingNotFoundError{
			System:     op.SourceSystem,
			EntityType: op.EntityType,
			ID:         op.EntityID,
		}
	}

	in := domain.TransformInput{
		Op:            op.Op,
		EntityID:      op.EntityID,
		Source:        source,
		Strategy:      c.strategy,
		SourceVersion: sourceVersion(source),
	}

	targetID := ""
	if mapped {
		targetID = mapping.TargetID
		if mapping.TargetSystem != string(op.TargetSystem) {
			targetID = mapping.SourceID
		}
		target, fetchErr := c.clients.Fetch(ctx, op.TargetSystem, op.EntityType, targetID)
		if fetchErr != nil {
			return Result{}, fetchErr
		}
		in.Target = target
		in.TargetVersion = remote.Version(target)
		in.Diverged = c.diverged(ctx, op, in.TargetVersion)
	}

	handler, ok := c.handlers[op.EntityType]
	if !ok {
		return Result{}, &domain.UnsupportedEntityTypeError{EntityType: op.EntityType}
	}
	out, err := handler(in)
	if err != nil {
		return Result{}, err
	}

	writeOp := domain.OpCreate
	if mapped {
		// Idempotence: a replayed create with an existing mapping takes the
		// update path instead of creating a duplicate.
		writeOp = domain.OpUpdate
	}
	applied, err := c.clients.Apply(ctx, op.TargetSystem, op.EntityType, writeOp, targetID, out.Target)
	if err != nil {
		return Result{}, err
	}
	appliedID := remote.ID(applied)
	if appliedID == "" {
		appliedID = targetID
	}
	if appliedID == "" {
		return Result{}, fmt.Errorf("%s returned no id for %s %s", op.TargetSystem, op.EntityType, op.EntityID)
	}

	commitTime := c.now()
	mappingRecord := storage.MappingRecord{
		EntityType:   string(op.EntityType),
		SourceSystem: string(op.SourceSystem),
		SourceID:     op.EntityID,
		TargetSystem: string(op.TargetSystem),
		TargetID:     appliedID,
	}
	if mapped {
		mappingRecord = mapping
	}
	stateRecord := state.CompletedRecord(op.EntityType, op.EntityID, in.SourceVersion, remote.Version(applied), commitTime)
	if err := c.committer.CommitSync(ctx, mappingRecord, stateRecord); err != nil {
		return Result{}, err
	}
	if !mapped {
		// Prime the mapper cache with the link the commit just persisted.
		if err := c.mapper.SaveMapping(ctx, mappingRecord); err != nil {
			return Result{}, err
		}
	}

	return Result{TargetID: appliedID, Applied: applied, Created: !mapped}, nil
}

// runDelete tears down the engine's own records for an entity. The remote
// systems expose no delete capability, so a delete unlinks rather than
// destroys. The mapping and state rows come out in one transaction.
func (c *Coordinator) runDelete(ctx context.Context, op domain.SyncOperation) (Result, error) {
	if _, err := c.committer.CommitDelete(ctx, string(op.EntityType), string(op.SourceSystem), op.EntityID); err != nil {
		return Result{}, err
	}
	c.mapper.Evict(op.EntityType, op.SourceSystem, op.EntityID)
	return Result{}, nil
}

// resolveReferences fills in cross-entity identifiers the target system
// needs: a forum topic lives in the category mapped from its course, and a
// forum post replies to the topic mapped from its assignment.
func (c *Coordinator) resolveReferences(ctx context.Context, op domain.SyncOperation, source map[string]any) error {
	if op.TargetSystem != domain.SystemForum {
		return nil
	}

	switch op.EntityType {
	case domain.EntityAssignment, domain.EntityDiscussion:
		if _, ok := source["category_id"].(string); ok {
			return nil
		}
		courseID, ok := source["course_id"].(string)
		if !ok || courseID == "" {
			return nil
		}
		categoryID, found, err := c.mapper.ResolveTargetID(ctx, domain.EntityCourse, op.SourceSystem, courseID)
		if err != nil {
			return err
		}
		if !found {
			return &domain.MappingNotFoundError{System: op.SourceSystem, EntityType: domain.EntityCourse, ID: courseID}
		}
		source["category_id"] = categoryID
	case domain.EntitySubmission:
		if _, ok := source["topic_id"].(string); ok {
			return nil
		}
		assignmentID, ok := source["assignment_id"].(string)
		if !ok || assignmentID == "" {
			return nil
		}
		topicID, found, err := c.mapper.ResolveTargetID(ctx, domain.EntityAssignment, op.SourceSystem, assignmentID)
		if err != nil {
			return err
		}
		if !found {
			return &domain.MappingNotFoundError{System: op.SourceSystem, EntityType: domain.EntityAssignment, ID: assignmentID}
		}
		source["topic_id"] = topicID
	}
	return nil
}

// diverged reports whether the target changed since the last committed
// sync. Before any committed sync there is nothing to diverge from.
func (c *Coordinator) diverged(ctx context.Context, op domain.SyncOperation, targetVersion time.Time) bool {
	if targetVersion.IsZero() {
		return false
	}
	record, err := c.tracker.Get(ctx, op.EntityType, op.EntityID)
	if err != nil {
		return false
	}
	if record.LastSyncedAt.IsZero() {
		return false
	}
	return targetVersion.After(record.LastSyncedAt)
}

func sourceVersion(source map[string]any) time.Time {
	return remote.Version(source)
}
