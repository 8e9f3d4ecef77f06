// Package queue is the durable priority broker for sync operations. Each
// priority tier gets its own consumer goroutine that leases due operations
// from the store, hands them to the processing pipeline, and acknowledges
// them only after the pipeline has fully settled the attempt.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coursebridge/coursebridge/internal/platform/id"
	"github.com/coursebridge/coursebridge/internal/services/sync/domain"
	"github.com/coursebridge/coursebridge/internal/services/sync/storage"
)

// Outcome is how the pipeline settled one leased operation.
type Outcome int

const (
	// OutcomeSucceeded acknowledges the operation as done.
	OutcomeSucceeded Outcome = iota
	// OutcomeRetry reschedules the operation in its own tier.
	OutcomeRetry
	// OutcomeDead moves the operation to the failed tier.
	OutcomeDead
)

// Result carries the pipeline's settlement for one attempt.
type Result struct {
	Outcome       Outcome
	NextAttemptAt time.Time
	Err           string
}

// Processor runs the full sync pipeline for one leased operation and
// reports how to settle it. It must not panic; the queue acknowledges
// nothing until it returns.
type Processor func(ctx context.Context, event storage.QueueEvent, op domain.SyncOperation) Result

// Config tunes the queue consumers.
type Config struct {
	// Consumer identifies this process as the lease owner.
	Consumer string
	// PollInterval is how long an idle consumer sleeps between lease
	// attempts.
	PollInterval time.Duration
	// LeaseTTL bounds how long one attempt may hold an operation before
	// another consumer can reclaim it.
	LeaseTTL time.Duration
	// BatchSize is the maximum number of operations leased per poll.
	BatchSize int
	// CollapseSuperseded acknowledges a leased operation without running
	// it when a newer pending operation exists for the same entity.
	CollapseSuperseded bool
}

func (c Config) withDefaults() Config {
	if c.Consumer == "" {
		c.Consumer = "syncd"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	return c
}

// Queue publishes and consumes durable sync operations.
type Queue struct {
	store     storage.QueueStore
	processor Processor
	cfg       Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// New returns a queue over the given store. The processor settles leased
// operations once StartProcessing runs.
func New(store storage.QueueStore, processor Processor, cfg Config) *Queue {
	return &Queue{
		store:     store,
		processor: processor,
		cfg:       cfg.withDefaults(),
	}
}

// Publish durably enqueues one operation and returns its transaction ID.
func (q *Queue) Publish(ctx context.Context, op domain.SyncOperation) (string, error) {
	if q == nil || q.store == nil {
		return "", domain.ErrNotInitialized
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return "", domain.ErrNotInitialized
	}

	if _, err := domain.ParseTier(string(op.Tier)); err != nil {
		return "", err
	}
	if err := op.Validate(); err != nil {
		return "", err
	}

	if op.TransactionID == "" {
		txID, err := id.NewID()
		if err != nil {
			return "", fmt.Errorf("generate transaction id: %w", err)
		}
		op.TransactionID = txID
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now().UTC()
	}

	event := storage.QueueEvent{
		ID:            op.TransactionID,
		Tier:          string(op.Tier),
		EntityType:    string(op.EntityType),
		EntityID:      op.EntityID,
		Op:            string(op.Op),
		SourceSystem:  string(op.SourceSystem),
		TargetSystem:  string(op.TargetSystem),
		PayloadJSON:   string(op.Payload),
		Status:        storage.QueueStatusPending,
		NextAttemptAt: op.EnqueuedAt,
		CreatedAt:     op.EnqueuedAt,
	}
	if err := q.store.EnqueueEvent(ctx, event); err != nil {
		return "", fmt.Errorf("publish sync operation: %w", err)
	}
	return op.TransactionID, nil
}

// StartProcessing launches one consumer per processing tier. Calling it
// again while running is a no-op.
func (q *Queue) StartProcessing(ctx context.Context) error {
	if q == nil || q.store == nil {
		return domain.ErrNotInitialized
	}
	if q.processor == nil {
		return fmt.Errorf("queue processor is not configured")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return domain.ErrNotInitialized
	}
	if q.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.started = true

	for _, tier := range domain.ProcessingTiers() {
		q.wg.Add(1)
		go func(tier domain.Tier) {
			defer q.wg.Done()
			q.consumeTier(runCtx, tier)
		}(tier)
	}
	return nil
}

// Stop cancels the consumers and waits for in-flight operations to settle.
// The queue cannot be restarted after Stop.
func (q *Queue) Stop() {
	if q == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

func (q *Queue) consumeTier(ctx context.Context, tier domain.Tier) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		processed := q.drainOnce(ctx, tier)
		if ctx.Err() != nil {
			return
		}
		if processed > 0 {
			// Keep draining a busy tier without waiting out the ticker.
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (q *Queue) drainOnce(ctx context.Context, tier domain.Tier) int {
	now := time.Now().UTC()
	events, err := q.store.LeaseEvents(ctx, string(tier), q.cfg.Consumer, q.cfg.BatchSize, now, q.cfg.LeaseTTL)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("lease %s tier: %v", tier, err)
		}
		return 0
	}

	for _, event := range events {
		if ctx.Err() != nil {
			// Leave the lease to expire; another consumer redelivers.
			return 0
		}
		q.processEvent(ctx, event)
	}
	return len(events)
}

func (q *Queue) processEvent(ctx context.Context, event storage.QueueEvent) {
	if q.cfg.CollapseSuperseded {
		newer, err := q.store.HasNewerPending(ctx, event)
		if err != nil {
			log.Printf("check superseded %s: %v", event.ID, err)
		} else if newer {
			if ackErr := q.store.MarkSuperseded(ctx, event.ID, q.cfg.Consumer, time.Now().UTC()); ackErr != nil {
				log.Printf("ack superseded %s: %v", event.ID, ackErr)
			}
			return
		}
	}

	op := domain.SyncOperation{
		TransactionID: event.ID,
		EntityType:    domain.EntityType(event.EntityType),
		EntityID:      event.EntityID,
		Op:            domain.Op(event.Op),
		SourceSystem:  domain.System(event.SourceSystem),
		TargetSystem:  domain.System(event.TargetSystem),
		Payload:       json.RawMessage(event.PayloadJSON),
		Tier:          domain.Tier(event.Tier),
		RetryCount:    int(event.AttemptCount),
		EnqueuedAt:    event.CreatedAt,
	}

	result := q.processor(ctx, event, op)

	// Settle even when the run context was canceled mid-drain; the attempt
	// already happened and must be recorded.
	settleCtx := context.WithoutCancel(ctx)
	var settleErr error
	switch result.Outcome {
	case OutcomeSucceeded:
		settleErr = q.store.MarkSucceeded(settleCtx, event.ID, q.cfg.Consumer, time.Now().UTC())
	case OutcomeRetry:
		nextAttemptAt := result.NextAttemptAt
		if nextAttemptAt.IsZero() {
			nextAttemptAt = time.Now().UTC().Add(q.cfg.PollInterval)
		}
		settleErr = q.store.MarkRetry(settleCtx, event.ID, q.cfg.Consumer, nextAttemptAt, result.Err)
	case OutcomeDead:
		settleErr = q.store.MarkDead(settleCtx, event.ID, q.cfg.Consumer, result.Err, time.Now().UTC())
	default:
		settleErr = fmt.Errorf("unknown outcome %d", result.Outcome)
	}
	if settleErr != nil {
		// The lease expires and the operation is redelivered.
		log.Printf("settle %s: %v", event.ID, settleErr)
	}
}
