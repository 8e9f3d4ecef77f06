package txn

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coursebridge/coursebridge/internal/services/sync/domain"
	"github.com/coursebridge/coursebridge/internal/services/sync/mapper"
	"github.com/coursebridge/coursebridge/internal/services/sync/remote"
	"github.com/coursebridge/coursebridge/internal/services/sync/state"
	"github.com/coursebridge/coursebridge/internal/services/sync/storage"
	"github.com/coursebridge/coursebridge/internal/services/sync/storage/sqlite"
	"github.com/coursebridge/coursebridge/internal/testkit/remotefakes"
)

type coordinatorFixture struct {
	coordinator *Coordinator
	store       *sqlite.Store
	mapper      *mapper.Mapper
	tracker     *state.Tracker
	courseware  *remotefakes.Courseware
	forum       *remotefakes.Forum
}

func newFixture(t *testing.T, cfg Config) *coordinatorFixture {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "txn.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})

	courseware := remotefakes.NewCourseware()
	forum := remotefakes.NewForum()

	cfg.Committer = store
	cfg.Mapper = mapper.New(store)
	cfg.Tracker = state.New(store)
	cfg.Clients = remote.Clients{Courseware: courseware, Forum: forum}

	return &coordinatorFixture{
		coordinator: New(cfg),
		store:       store,
		mapper:      cfg.Mapper,
		tracker:     cfg.Tracker,
		courseware:  courseware,
		forum:       forum,
	}
}

func userOperation(entityID string, op domain.Op, payload string) domain.SyncOperation {
	return domain.SyncOperation{
		TransactionID: "tx-" + entityID,
		EntityType:    domain.EntityUser,
		EntityID:      entityID,
		Op:            op,
		SourceSystem:  domain.SystemCourseware,
		TargetSystem:  domain.SystemForum,
		Payload:       json.RawMessage(payload),
		Tier:          domain.TierCritical,
	}
}

func TestExecuteCreateLinksAndCompletes(t *testing.T) {
	f := newFixture(t, Config{})

	op := userOperation("42", domain.OpCreate, `{"name":"Jane Doe","email":"jane@example.com"}`)
	result, err := f.coordinator.Execute(context.Background(), op)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Created {
		t.Fatal("expected a created target entity")
	}
	if result.TargetID == "" {
		t.Fatal("expected a target id")
	}
	if result.Applied["username"] != "jane_doe" {
		t.Fatalf("username = %v, want jane_doe", result.Applied["username"])
	}

	mapping, found, err := f.mapper.GetMapping(context.Background(), domain.EntityUser, domain.SystemCourseware, "42")
	if err != nil || !found {
		t.Fatalf("get mapping: found=%v err=%v", found, err)
	}
	if mapping.TargetID != result.TargetID {
		t.Fatalf("mapping target = %q, want %q", mapping.TargetID, result.TargetID)
	}

	record, err := f.tracker.Get(context.Background(), domain.EntityUser, "42")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if record.Status != string(domain.StateCompleted) {
		t.Fatalf("status = %q, want %q", record.Status, domain.StateCompleted)
	}
	if f.forum.CallCount("create_user") != 1 {
		t.Fatalf("forum create_user calls = %d, want 1", f.forum.CallCount("create_user"))
	}
}

func TestExecuteReplayedCreateTakesUpdatePath(t *testing.T) {
	f := newFixture(t, Config{})

	op := userOperation("42", domain.OpCreate, `{"name":"Jane Doe","email":"jane@example.com"}`)
	first, err := f.coordinator.Execute(context.Background(), op)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}

	second, err := f.coordinator.Execute(context.Background(), op)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if second.Created {
		t.Fatal("replay must not create a duplicate")
	}
	if second.TargetID != first.TargetID {
		t.Fatalf("target id changed on replay: %q vs %q", second.TargetID, first.TargetID)
	}
	if f.forum.CallCount("create_user") != 1 {
		t.Fatalf("forum create_user calls = %d, want 1", f.forum.CallCount("create_user"))
	}
	if f.forum.CallCount("update_user") != 1 {
		t.Fatalf("forum update_user calls = %d, want 1", f.forum.CallCount("update_user"))
	}
	if len(f.forum.All("user")) != 1 {
		t.Fatalf("forum users = %d, want 1", len(f.forum.All("user")))
	}
}

func TestExecuteUpdateWithoutMappingFails(t *testing.T) {
	f := newFixture(t, Config{})

	op := userOperation("42", domain.OpUpdate, `{"name":"Jane Doe","email":"jane@example.com"}`)
	_, err := f.coordinator.Execute(context.Background(), op)
	var notFound *domain.MappingNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected MappingNotFoundError, got %v", err)
	}
	if !domain.IsPermanent(err) {
		t.Fatal("missing mapping must be permanent")
	}

	record, stateErr := f.tracker.Get(context.Background(), domain.EntityUser, "42")
	if stateErr != nil {
		t.Fatalf("get state: %v", stateErr)
	}
	if record.Status != string(domain.StateError) {
		t.Fatalf("status = %q, want %q", record.Status, domain.StateError)
	}
}

func TestExecuteRemoteFailureRollsBack(t *testing.T) {
	f := newFixture(t, Config{})
	f.forum.Fail["create_user"] = errors.New("503 service unavailable")

	op := userOperation("42", domain.OpCreate, `{"name":"Jane Doe","email":"jane@example.com"}`)
	_, err := f.coordinator.Execute(context.Background(), op)
	var transient *domain.TransientNetworkError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientNetworkError, got %v", err)
	}

	// Rollback: no mapping row survives the failed attempt.
	_, found, mapErr := f.mapper.GetMapping(context.Background(), domain.EntityUser, domain.SystemCourseware, "42")
	if mapErr != nil {
		t.Fatalf("get mapping: %v", mapErr)
	}
	if found {
		t.Fatal("failed attempt must not persist a mapping")
	}

	record, stateErr := f.tracker.Get(context.Background(), domain.EntityUser, "42")
	if stateErr != nil {
		t.Fatalf("get state: %v", stateErr)
	}
	if record.Status != string(domain.StateError) {
		t.Fatalf("status = %q, want %q", record.Status, domain.StateError)
	}
	if record.LastError == "" {
		t.Fatal("expected the failure to be recorded")
	}
}

func TestExecuteUnsupportedEntityType(t *testing.T) {
	f := newFixture(t, Config{Handlers: map[domain.EntityType]domain.Handler{}})

	op := userOperation("42", domain.OpCreate, `{"name":"Jane Doe","email":"jane@example.com"}`)
	_, err := f.coordinator.Execute(context.Background(), op)
	var unsupported *domain.UnsupportedEntityTypeError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedEntityTypeError, got %v", err)
	}
}

func TestExecuteSerializesSameEntity(t *testing.T) {
	var inFlight atomic.Int32
	var overlapped atomic.Bool
	handlers := domain.NewHandlerRegistry()
	userHandler := handlers[domain.EntityUser]
	handlers[domain.EntityUser] = func(in domain.TransformInput) (domain.TransformOutput, error) {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return userHandler(in)
	}

	f := newFixture(t, Config{Handlers: handlers})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			op := userOperation("42", domain.OpCreate, `{"name":"Jane Doe","email":"jane@example.com"}`)
			if _, err := f.coordinator.Execute(context.Background(), op); err != nil {
				t.Errorf("execute: %v", err)
			}
		}()
	}
	wg.Wait()

	if overlapped.Load() {
		t.Fatal("handler executions overlapped for the same entity")
	}
	// Idempotence held across the serialized replays.
	if len(f.forum.All("user")) != 1 {
		t.Fatalf("forum users = %d, want 1", len(f.forum.All("user")))
	}
}

func TestExecuteUpdateThenDeleteOrdering(t *testing.T) {
	f := newFixture(t, Config{})

	create := userOperation("42", domain.OpCreate, `{"name":"Jane Doe","email":"jane@example.com"}`)
	created, err := f.coordinator.Execute(context.Background(), create)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	update := userOperation("42", domain.OpUpdate, `{"name":"Jane A. Doe","email":"jane@example.com"}`)
	if _, err := f.coordinator.Execute(context.Background(), update); err != nil {
		t.Fatalf("update: %v", err)
	}
	// The update applied to the pre-delete state.
	target, err := f.forum.GetUser(context.Background(), created.TargetID)
	if err != nil {
		t.Fatalf("get forum user: %v", err)
	}
	if target["name"] != "Jane A. Doe" {
		t.Fatalf("forum name = %v, want Jane A. Doe", target["name"])
	}

	del := userOperation("42", domain.OpDelete, `{"id":"42"}`)
	if _, err := f.coordinator.Execute(context.Background(), del); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, found, err := f.mapper.GetMapping(context.Background(), domain.EntityUser, domain.SystemCourseware, "42")
	if err != nil {
		t.Fatalf("get mapping: %v", err)
	}
	if found {
		t.Fatal("delete must remove the mapping")
	}
	if _, err := f.tracker.Get(context.Background(), domain.EntityUser, "42"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected state to be removed, got %v", err)
	}

	// A late update now fails: the link is gone.
	if _, err := f.coordinator.Execute(context.Background(), update); err == nil {
		t.Fatal("expected update after delete to fail")
	}
}

func TestTryExecuteReportsContention(t *testing.T) {
	f := newFixture(t, Config{})

	op := userOperation("42", domain.OpCreate, `{"name":"Jane Doe","email":"jane@example.com"}`)

	release, err := f.coordinator.locks.Acquire(context.Background(), domain.EntityUser, "42")
	if err != nil {
		t.Fatalf("acquire lock: %v", err)
	}

	_, err = f.coordinator.TryExecute(context.Background(), op)
	var busy *domain.ConcurrentSyncError
	if !errors.As(err, &busy) {
		t.Fatalf("error = %v, want ConcurrentSyncError", err)
	}
	if busy.EntityID != "42" {
		t.Fatalf("busy entity = %q, want %q", busy.EntityID, "42")
	}
	// Contention is not an attempt: no state row may be written.
	if _, err := f.tracker.Get(context.Background(), domain.EntityUser, "42"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no state for contended entity, got %v", err)
	}
	if f.forum.CallCount("create_user") != 0 {
		t.Fatal("contended operation must not reach the remote system")
	}

	release()
	result, err := f.coordinator.TryExecute(context.Background(), op)
	if err != nil {
		t.Fatalf("try execute after release: %v", err)
	}
	if !result.Created {
		t.Fatal("expected a created target entity")
	}
}

func TestExecuteManualStrategyParksConflicts(t *testing.T) {
	now := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, Config{
		Strategy: domain.StrategyManual,
		Now:      func() time.Time { return now },
	})

	create := userOperation("42", domain.OpCreate, `{"name":"Jane Doe","email":"jane@example.com"}`)
	created, err := f.coordinator.Execute(context.Background(), create)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The forum side changes after the committed sync.
	if _, err := f.forum.UpdateUser(context.Background(), created.TargetID, remote.Record{
		"name":       "Jane Forum Edit",
		"updated_at": now.Add(time.Hour).Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("forum edit: %v", err)
	}

	update := userOperation("42", domain.OpUpdate, `{"name":"Jane Courseware Edit","email":"jane@example.com"}`)
	_, err = f.coordinator.Execute(context.Background(), update)
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if !domain.IsPermanent(err) {
		t.Fatal("manual conflicts must be permanent")
	}

	// The forum edit survives untouched.
	target, fetchErr := f.forum.GetUser(context.Background(), created.TargetID)
	if fetchErr != nil {
		t.Fatalf("get forum user: %v", fetchErr)
	}
	if target["name"] != "Jane Forum Edit" {
		t.Fatalf("forum name = %v, want Jane Forum Edit", target["name"])
	}
}

func TestExecuteMostRecentStrategyKeepsLaterSide(t *testing.T) {
	now := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, Config{
		Strategy: domain.StrategyMostRecent,
		Now:      func() time.Time { return now },
	})

	create := userOperation("42", domain.OpCreate, `{"name":"Jane Doe","email":"jane@example.com"}`)
	created, err := f.coordinator.Execute(context.Background(), create)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := f.forum.UpdateUser(context.Background(), created.TargetID, remote.Record{
		"name":       "Jane Forum Edit",
		"email":      "jane@example.com",
		"updated_at": now.Add(2 * time.Hour).Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("forum edit: %v", err)
	}

	// The courseware edit is older than the forum edit.
	update := userOperation("42", domain.OpUpdate, `{"name":"Jane Courseware Edit","email":"jane@example.com","updated_at":"2026-03-07T13:00:00Z"}`)
	if _, err := f.coordinator.Execute(context.Background(), update); err != nil {
		t.Fatalf("update: %v", err)
	}

	target, err := f.forum.GetUser(context.Background(), created.TargetID)
	if err != nil {
		t.Fatalf("get forum user: %v", err)
	}
	if target["name"] != "Jane Forum Edit" {
		t.Fatalf("forum name = %v, want the later forum edit to win", target["name"])
	}
}

func TestExecuteResolvesCourseReferenceForAssignments(t *testing.T) {
	f := newFixture(t, Config{})

	if err := f.mapper.SaveMapping(context.Background(), storage.MappingRecord{
		EntityType:   string(domain.EntityCourse),
		SourceSystem: string(domain.SystemCourseware),
		SourceID:     "course-1",
		TargetSystem: string(domain.SystemForum),
		TargetID:     "cat-9",
	}); err != nil {
		t.Fatalf("save course mapping: %v", err)
	}

	op := domain.SyncOperation{
		TransactionID: "tx-a1",
		EntityType:    domain.EntityAssignment,
		EntityID:      "a-1",
		Op:            domain.OpCreate,
		SourceSystem:  domain.SystemCourseware,
		TargetSystem:  domain.SystemForum,
		Payload:       json.RawMessage(`{"name":"Essay 1","description":"Write an essay","course_id":"course-1"}`),
		Tier:          domain.TierHigh,
	}
	result, err := f.coordinator.Execute(context.Background(), op)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Applied["category_id"] != "cat-9" {
		t.Fatalf("category_id = %v, want cat-9", result.Applied["category_id"])
	}
}

func TestExecuteMissingCourseReferenceFails(t *testing.T) {
	f := newFixture(t, Config{})

	op := domain.SyncOperation{
		TransactionID: "tx-a1",
		EntityType:    domain.EntityAssignment,
		EntityID:      "a-1",
		Op:            domain.OpCreate,
		SourceSystem:  domain.SystemCourseware,
		TargetSystem:  domain.SystemForum,
		Payload:       json.RawMessage(`{"name":"Essay 1","course_id":"course-404"}`),
		Tier:          domain.TierHigh,
	}
	_, err := f.coordinator.Execute(context.Background(), op)
	var notFound *domain.MappingNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected MappingNotFoundError, got %v", err)
	}
	if notFound.EntityType != domain.EntityCourse {
		t.Fatalf("missing entity type = %q, want course", notFound.EntityType)
	}
}
