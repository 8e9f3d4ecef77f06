package app

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/coursebridge/coursebridge/internal/services/sync/domain"
	"github.com/coursebridge/coursebridge/internal/services/sync/mapper"
	"github.com/coursebridge/coursebridge/internal/services/sync/queue"
	"github.com/coursebridge/coursebridge/internal/services/sync/remote"
	"github.com/coursebridge/coursebridge/internal/services/sync/retry"
	"github.com/coursebridge/coursebridge/internal/services/sync/state"
	"github.com/coursebridge/coursebridge/internal/services/sync/storage"
	"github.com/coursebridge/coursebridge/internal/services/sync/storage/sqlite"
	"github.com/coursebridge/coursebridge/internal/services/sync/txn"
	"github.com/coursebridge/coursebridge/internal/testkit/remotefakes"
)

type pipelineFixture struct {
	pipeline *Pipeline
	store    *sqlite.Store
	forum    *remotefakes.Forum
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "pipeline.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})

	forum := remotefakes.NewForum()
	coordinator := txn.New(txn.Config{
		Committer: store,
		Mapper:    mapper.New(store),
		Tracker:   state.New(store),
		Clients:   remote.Clients{Courseware: remotefakes.NewCourseware(), Forum: forum},
	})
	return &pipelineFixture{
		pipeline: NewPipeline(coordinator, store, retry.DefaultPolicy()),
		store:    store,
		forum:    forum,
	}
}

func pipelineOperation(retryCount int) domain.SyncOperation {
	return domain.SyncOperation{
		TransactionID: "tx-1",
		EntityType:    domain.EntityUser,
		EntityID:      "42",
		Op:            domain.OpCreate,
		SourceSystem:  domain.SystemCourseware,
		TargetSystem:  domain.SystemForum,
		Payload:       json.RawMessage(`{"name":"Jane Doe","email":"jane@example.com"}`),
		Tier:          domain.TierCritical,
		RetryCount:    retryCount,
	}
}

func TestProcessSucceedsAndRecordsResult(t *testing.T) {
	f := newPipelineFixture(t)

	result := f.pipeline.Process(context.Background(), storage.QueueEvent{ID: "evt-1"}, pipelineOperation(0))
	if result.Outcome != queue.OutcomeSucceeded {
		t.Fatalf("outcome = %v, want succeeded", result.Outcome)
	}

	rows, err := f.store.ListResults(context.Background(), 10)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != string(domain.ResultSynced) {
		t.Fatalf("results = %+v, want one synced row", rows)
	}
	if rows[0].TargetUpdates != 1 {
		t.Fatalf("target updates = %d, want 1", rows[0].TargetUpdates)
	}
}

func TestProcessRetriesTransientFailure(t *testing.T) {
	f := newPipelineFixture(t)
	f.forum.Fail["create_user"] = errors.New("forum unavailable")

	before := time.Now()
	result := f.pipeline.Process(context.Background(), storage.QueueEvent{ID: "evt-1"}, pipelineOperation(0))
	if result.Outcome != queue.OutcomeRetry {
		t.Fatalf("outcome = %v, want retry", result.Outcome)
	}
	if result.Err == "" {
		t.Fatal("expected the failure reason")
	}
	if !result.NextAttemptAt.After(before) {
		t.Fatalf("next attempt %v must be in the future", result.NextAttemptAt)
	}

	rows, err := f.store.ListResults(context.Background(), 10)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != string(domain.ResultFailed) {
		t.Fatalf("results = %+v, want one failed row", rows)
	}
}

func TestProcessDeadLettersPermanentFailure(t *testing.T) {
	f := newPipelineFixture(t)

	// An update for a user that was never linked fails permanently.
	op := pipelineOperation(0)
	op.Op = domain.OpUpdate
	result := f.pipeline.Process(context.Background(), storage.QueueEvent{ID: "evt-1"}, op)
	if result.Outcome != queue.OutcomeDead {
		t.Fatalf("outcome = %v, want dead", result.Outcome)
	}
	if result.Err == "" {
		t.Fatal("expected the failure reason")
	}
}

func TestProcessDeadLettersAfterExhaustedAttempts(t *testing.T) {
	f := newPipelineFixture(t)
	f.forum.Fail["create_user"] = errors.New("forum unavailable")

	policy := retry.DefaultPolicy()
	result := f.pipeline.Process(context.Background(), storage.QueueEvent{ID: "evt-1"}, pipelineOperation(policy.MaxAttempts-1))
	if result.Outcome != queue.OutcomeDead {
		t.Fatalf("outcome = %v, want dead after %d attempts", result.Outcome, policy.MaxAttempts)
	}
}
