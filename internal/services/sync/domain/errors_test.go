package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsPermanentMarker(t *testing.T) {
	base := errors.New("bad payload")
	if IsPermanent(base) {
		t.Fatal("unmarked error should not be permanent")
	}
	if !IsPermanent(Permanent(base)) {
		t.Fatal("marked error should be permanent")
	}
	if !IsPermanent(fmt.Errorf("handler: %w", Permanent(base))) {
		t.Fatal("wrapped marked error should stay permanent")
	}
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
}

func TestIsPermanentTaxonomy(t *testing.T) {
	permanent := []error{
		&ValidationError{Field: "name", Reason: "is required"},
		&MappingNotFoundError{System: SystemCourseware, EntityType: EntityAssignment, ID: "301"},
		&ConflictError{EntityType: EntityCourse, EntityID: "7"},
		&UnsupportedEntityTypeError{EntityType: "widget"},
	}
	for _, err := range permanent {
		if !IsPermanent(err) {
			t.Fatalf("%T should classify as permanent", err)
		}
	}

	transient := []error{
		&TransientNetworkError{System: SystemForum, Op: "users.create", Err: errors.New("timeout")},
		&MappingStoreError{Op: "get", Err: errors.New("disk I/O error")},
		&ConcurrentSyncError{EntityType: EntityUser, EntityID: "42"},
		errors.New("connection reset"),
	}
	for _, err := range transient {
		if IsPermanent(err) {
			t.Fatalf("%T should classify as transient", err)
		}
	}
}

func TestMappingNotFoundErrorMessage(t *testing.T) {
	err := &MappingNotFoundError{System: "source", EntityType: EntityAssignment, ID: "301"}
	want := "No mapping found for source assignment ID: 301"
	if err.Error() != want {
		t.Fatalf("message = %q, want %q", err.Error(), want)
	}
}

func TestErrorUnwrapping(t *testing.T) {
	cause := errors.New("io failure")
	storeErr := &MappingStoreError{Op: "save", Err: cause}
	if !errors.Is(storeErr, cause) {
		t.Fatal("MappingStoreError should unwrap to its cause")
	}
	netErr := &TransientNetworkError{System: SystemForum, Op: "topics.create", Err: cause}
	if !errors.Is(netErr, cause) {
		t.Fatal("TransientNetworkError should unwrap to its cause")
	}
}
