package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/coursebridge/coursebridge/internal/platform/id"
	"github.com/coursebridge/coursebridge/internal/services/sync/domain"
	"github.com/coursebridge/coursebridge/internal/services/sync/queue"
	"github.com/coursebridge/coursebridge/internal/services/sync/retry"
	"github.com/coursebridge/coursebridge/internal/services/sync/storage"
	"github.com/coursebridge/coursebridge/internal/services/sync/txn"
)

// Pipeline settles leased queue operations: run through the coordinator,
// append the audit row, and classify failures into a retry or a
// dead-letter.
type Pipeline struct {
	coordinator *txn.Coordinator
	results     storage.ResultStore
	policy      retry.Policy
	now         func() time.Time
}

// NewPipeline wires the tier workers' processing path.
func NewPipeline(coordinator *txn.Coordinator, results storage.ResultStore, policy retry.Policy) *Pipeline {
	return &Pipeline{
		coordinator: coordinator,
		results:     results,
		policy:      policy,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Process implements queue.Processor. When the entity's lock is held by a
// concurrent attempt the operation reschedules instead of blocking the tier
// worker, without recording an audit row.
func (p *Pipeline) Process(ctx context.Context, event storage.QueueEvent, op domain.SyncOperation) queue.Result {
	started := p.now()
	_, err := p.coordinator.TryExecute(ctx, op)
	var busy *domain.ConcurrentSyncError
	if errors.As(err, &busy) {
		return queue.Result{
			Outcome:       queue.OutcomeRetry,
			NextAttemptAt: p.now().Add(p.policy.NextDelay(0)),
			Err:           err.Error(),
		}
	}
	p.recordResult(ctx, op, started, err)

	if err == nil {
		return queue.Result{Outcome: queue.OutcomeSucceeded}
	}

	// This failure is attempt number RetryCount+1 for the operation.
	attempts := op.RetryCount + 1
	if p.policy.Classify(err, attempts) == retry.DispositionDead {
		log.Printf("dead-letter %s %s (%s after %d attempts): %v", op.EntityType, op.EntityID, op.Op, attempts, err)
		return queue.Result{Outcome: queue.OutcomeDead, Err: err.Error()}
	}

	delay := p.policy.NextDelay(op.RetryCount)
	log.Printf("retry %s %s (%s attempt %d) in %s: %v", op.EntityType, op.EntityID, op.Op, attempts, delay, err)
	return queue.Result{
		Outcome:       queue.OutcomeRetry,
		NextAttemptAt: p.now().Add(delay),
		Err:           err.Error(),
	}
}

func (p *Pipeline) recordResult(ctx context.Context, op domain.SyncOperation, started time.Time, execErr error) {
	if p.results == nil {
		return
	}
	resultID, err := id.NewID()
	if err != nil {
		log.Printf("generate sync result id for %s %s: %v", op.EntityType, op.EntityID, err)
		return
	}
	record := storage.ResultRecord{
		ID:          resultID,
		EntityType:  string(op.EntityType),
		EntityID:    op.EntityID,
		StartedAt:   started,
		CompletedAt: p.now(),
		Status:      string(domain.ResultSynced),
		CreatedAt:   p.now(),
	}
	if execErr != nil {
		record.Status = string(domain.ResultFailed)
		record.LastError = execErr.Error()
	} else {
		record.TargetUpdates = 1
	}
	if err := p.results.RecordResult(ctx, record); err != nil {
		log.Printf("record sync result for %s %s: %v", op.EntityType, op.EntityID, err)
	}
}
