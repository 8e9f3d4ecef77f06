package domain

import (
	"encoding/json"
	"testing"
)

func TestParseSystem(t *testing.T) {
	tests := []struct {
		input   string
		want    System
		wantErr bool
	}{
		{input: "courseware", want: SystemCourseware},
		{input: "forum", want: SystemForum},
		{input: " forum ", want: SystemForum},
		{input: "canvas", wantErr: true},
		{input: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseSystem(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseSystem(%q): expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSystem(%q): %v", tt.input, err)
		}
		if got != tt.want {
			t.Fatalf("ParseSystem(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestSystemPartner(t *testing.T) {
	if SystemCourseware.Partner() != SystemForum {
		t.Fatal("courseware partner should be forum")
	}
	if SystemForum.Partner() != SystemCourseware {
		t.Fatal("forum partner should be courseware")
	}
}

func TestParseTierRejectsFailed(t *testing.T) {
	if _, err := ParseTier("failed"); err == nil {
		t.Fatal("failed tier must not be publishable")
	}
	for _, tier := range ProcessingTiers() {
		if _, err := ParseTier(string(tier)); err != nil {
			t.Fatalf("ParseTier(%q): %v", tier, err)
		}
	}
}

func TestSyncOperationValidate(t *testing.T) {
	valid := SyncOperation{
		TransactionID: "txn-1",
		EntityType:    EntityUser,
		EntityID:      "42",
		Op:            OpCreate,
		SourceSystem:  SystemCourseware,
		TargetSystem:  SystemForum,
		Payload:       json.RawMessage(`{"name":"Jane"}`),
		Tier:          TierHigh,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid operation rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*SyncOperation)
	}{
		{name: "unknown entity type", mutate: func(op *SyncOperation) { op.EntityType = "widget" }},
		{name: "empty entity id", mutate: func(op *SyncOperation) { op.EntityID = " " }},
		{name: "unknown op", mutate: func(op *SyncOperation) { op.Op = "upsert" }},
		{name: "unknown source system", mutate: func(op *SyncOperation) { op.SourceSystem = "canvas" }},
		{name: "target not partner", mutate: func(op *SyncOperation) { op.TargetSystem = SystemCourseware }},
		{name: "empty payload", mutate: func(op *SyncOperation) { op.Payload = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := valid
			tt.mutate(&op)
			if err := op.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
