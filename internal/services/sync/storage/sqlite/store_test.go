package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/coursebridge/coursebridge/internal/services/sync/storage"
)

func TestOpenAppliesMigrations(t *testing.T) {
	store := openTempStore(t)

	// The schema is in place when a write round-trips.
	mapping := storage.MappingRecord{
		EntityType:   "user",
		SourceSystem: "courseware",
		SourceID:     "42",
		TargetSystem: "forum",
		TargetID:     "7",
	}
	if err := store.UpsertMapping(context.Background(), mapping); err != nil {
		t.Fatalf("upsert mapping: %v", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestUpsertMappingReplacesTarget(t *testing.T) {
	store := openTempStore(t)

	mapping := storage.MappingRecord{
		EntityType:   "course",
		SourceSystem: "courseware",
		SourceID:     "course-1",
		TargetSystem: "forum",
		TargetID:     "cat-1",
	}
	if err := store.UpsertMapping(context.Background(), mapping); err != nil {
		t.Fatalf("upsert mapping: %v", err)
	}

	mapping.TargetID = "cat-2"
	if err := store.UpsertMapping(context.Background(), mapping); err != nil {
		t.Fatalf("upsert mapping again: %v", err)
	}

	got, err := store.GetMapping(context.Background(), "course", "courseware", "course-1")
	if err != nil {
		t.Fatalf("get mapping: %v", err)
	}
	if got.TargetID != "cat-2" {
		t.Fatalf("target id = %q, want %q", got.TargetID, "cat-2")
	}
}

func TestGetMappingLooksUpFromEitherSide(t *testing.T) {
	store := openTempStore(t)

	if err := store.UpsertMapping(context.Background(), storage.MappingRecord{
		EntityType:   "user",
		SourceSystem: "courseware",
		SourceID:     "42",
		TargetSystem: "forum",
		TargetID:     "7",
	}); err != nil {
		t.Fatalf("upsert mapping: %v", err)
	}

	bySource, err := store.GetMapping(context.Background(), "user", "courseware", "42")
	if err != nil {
		t.Fatalf("get by source: %v", err)
	}
	if bySource.TargetID != "7" {
		t.Fatalf("target id = %q, want %q", bySource.TargetID, "7")
	}

	byTarget, err := store.GetMapping(context.Background(), "user", "forum", "7")
	if err != nil {
		t.Fatalf("get by target: %v", err)
	}
	if byTarget.SourceID != "42" {
		t.Fatalf("source id = %q, want %q", byTarget.SourceID, "42")
	}
}

func TestGetMappingNotFound(t *testing.T) {
	store := openTempStore(t)

	if _, err := store.GetMapping(context.Background(), "user", "courseware", "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCommitDeleteRemovesMappingAndState(t *testing.T) {
	store := openTempStore(t)

	if err := store.UpsertMapping(context.Background(), storage.MappingRecord{
		EntityType:   "assignment",
		SourceSystem: "courseware",
		SourceID:     "a-1",
		TargetSystem: "forum",
		TargetID:     "t-1",
	}); err != nil {
		t.Fatalf("upsert mapping: %v", err)
	}
	if err := store.UpsertState(context.Background(), storage.StateRecord{
		EntityType: "assignment",
		EntityID:   "a-1",
		Status:     "completed",
	}); err != nil {
		t.Fatalf("upsert state: %v", err)
	}

	// The mapping is addressable from its target side too.
	deleted, err := store.CommitDelete(context.Background(), "assignment", "forum", "t-1")
	if err != nil {
		t.Fatalf("commit delete: %v", err)
	}
	if !deleted {
		t.Fatal("expected mapping to be deleted")
	}
	if _, err := store.GetMapping(context.Background(), "assignment", "courseware", "a-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected mapping ErrNotFound, got %v", err)
	}
	if _, err := store.GetState(context.Background(), "assignment", "a-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected state ErrNotFound, got %v", err)
	}

	deleted, err = store.CommitDelete(context.Background(), "assignment", "forum", "t-1")
	if err != nil {
		t.Fatalf("commit delete again: %v", err)
	}
	if deleted {
		t.Fatal("expected second delete to be a no-op")
	}
}

func TestUpsertStateRoundTrip(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	state := storage.StateRecord{
		EntityType:    "submission",
		EntityID:      "s-1",
		LastSyncedAt:  now,
		SourceVersion: now.Add(-time.Minute),
		TargetVersion: now.Add(-2 * time.Minute),
		Status:        "completed",
		UpdatedAt:     now,
	}
	if err := store.UpsertState(context.Background(), state); err != nil {
		t.Fatalf("upsert state: %v", err)
	}

	got, err := store.GetState(context.Background(), "submission", "s-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if !got.LastSyncedAt.Equal(now) {
		t.Fatalf("last synced = %v, want %v", got.LastSyncedAt, now)
	}
	if got.Status != "completed" {
		t.Fatalf("status = %q, want %q", got.Status, "completed")
	}

	state.Status = "error"
	state.LastError = "remote unavailable"
	if err := store.UpsertState(context.Background(), state); err != nil {
		t.Fatalf("upsert state again: %v", err)
	}
	got, err = store.GetState(context.Background(), "submission", "s-1")
	if err != nil {
		t.Fatalf("get state after update: %v", err)
	}
	if got.Status != "error" || got.LastError != "remote unavailable" {
		t.Fatalf("state = %q/%q, want error/remote unavailable", got.Status, got.LastError)
	}
}

func TestCountStatesByStatus(t *testing.T) {
	store := openTempStore(t)

	states := []storage.StateRecord{
		{EntityType: "user", EntityID: "u-1", Status: "completed"},
		{EntityType: "user", EntityID: "u-2", Status: "completed"},
		{EntityType: "course", EntityID: "c-1", Status: "error"},
	}
	for _, state := range states {
		if err := store.UpsertState(context.Background(), state); err != nil {
			t.Fatalf("upsert state %s: %v", state.EntityID, err)
		}
	}

	counts, err := store.CountStatesByStatus(context.Background())
	if err != nil {
		t.Fatalf("count states: %v", err)
	}
	if counts["completed"] != 2 {
		t.Fatalf("completed count = %d, want 2", counts["completed"])
	}
	if counts["error"] != 1 {
		t.Fatalf("error count = %d, want 1", counts["error"])
	}
}

func TestRecordAndListResults(t *testing.T) {
	store := openTempStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"res-1", "res-2", "res-3"} {
		result := storage.ResultRecord{
			ID:            id,
			EntityType:    "user",
			EntityID:      "u-1",
			StartedAt:     base.Add(time.Duration(i) * time.Minute),
			CompletedAt:   base.Add(time.Duration(i)*time.Minute + time.Second),
			Status:        "synced",
			TargetUpdates: 1,
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.RecordResult(context.Background(), result); err != nil {
			t.Fatalf("record result %s: %v", id, err)
		}
	}

	results, err := store.ListResults(context.Background(), 2)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results len = %d, want 2", len(results))
	}
	// Newest first.
	if results[0].ID != "res-3" || results[1].ID != "res-2" {
		t.Fatalf("result order = %q, %q; want res-3, res-2", results[0].ID, results[1].ID)
	}
}

func TestCommitSyncWritesMappingAndStateTogether(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mapping := storage.MappingRecord{
		EntityType:   "user",
		SourceSystem: "courseware",
		SourceID:     "42",
		TargetSystem: "forum",
		TargetID:     "7",
	}
	state := storage.StateRecord{
		EntityType:   "user",
		EntityID:     "42",
		LastSyncedAt: now,
		Status:       "completed",
		UpdatedAt:    now,
	}
	if err := store.CommitSync(context.Background(), mapping, state); err != nil {
		t.Fatalf("commit sync: %v", err)
	}

	if _, err := store.GetMapping(context.Background(), "user", "courseware", "42"); err != nil {
		t.Fatalf("get mapping after commit: %v", err)
	}
	got, err := store.GetState(context.Background(), "user", "42")
	if err != nil {
		t.Fatalf("get state after commit: %v", err)
	}
	if got.Status != "completed" {
		t.Fatalf("status = %q, want %q", got.Status, "completed")
	}
}

func TestCommitSyncRollsBackOnInvalidState(t *testing.T) {
	store := openTempStore(t)

	mapping := storage.MappingRecord{
		EntityType:   "course",
		SourceSystem: "courseware",
		SourceID:     "course-9",
		TargetSystem: "forum",
		TargetID:     "cat-9",
	}
	// Missing status makes the state write fail after the mapping write.
	state := storage.StateRecord{
		EntityType: "course",
		EntityID:   "course-9",
	}
	if err := store.CommitSync(context.Background(), mapping, state); err == nil {
		t.Fatal("expected commit to fail")
	}

	if _, err := store.GetMapping(context.Background(), "course", "courseware", "course-9"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected mapping rollback, got %v", err)
	}
}

func TestNilStoreGuards(t *testing.T) {
	var store *Store

	if err := store.UpsertMapping(context.Background(), storage.MappingRecord{}); err == nil {
		t.Fatal("expected error from nil store")
	}
	if _, err := store.GetEvent(context.Background(), "evt-1"); err == nil {
		t.Fatal("expected error from nil store")
	}
	if err := store.UpsertState(context.Background(), storage.StateRecord{}); err == nil {
		t.Fatal("expected error from nil store")
	}
}

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sync.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}
