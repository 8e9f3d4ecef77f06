// Package domain holds the entity model and pure transformation logic for
// cross-system synchronization. Everything here is side-effect free; remote
// and storage I/O happens in the packages that call into it.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// System identifies one of the two reconciled external systems.
type System string

const (
	// SystemCourseware is the course-management side (users, courses,
	// assignments, submissions, discussions).
	SystemCourseware System = "courseware"
	// SystemForum is the discussion-forum side (users, categories, topics,
	// posts).
	SystemForum System = "forum"
)

// ParseSystem validates a system identifier.
func ParseSystem(value string) (System, error) {
	switch System(strings.TrimSpace(value)) {
	case SystemCourseware:
		return SystemCourseware, nil
	case SystemForum:
		return SystemForum, nil
	default:
		return "", fmt.Errorf("unknown system %q", value)
	}
}

// Partner returns the opposite system.
func (s System) Partner() System {
	if s == SystemCourseware {
		return SystemForum
	}
	return SystemCourseware
}

// EntityType names a synchronized entity kind. The canonical name follows the
// courseware side; the forum-side counterpart is implied (course→category,
// assignment→topic, submission→post, discussion→topic).
type EntityType string

const (
	EntityUser       EntityType = "user"
	EntityCourse     EntityType = "course"
	EntityAssignment EntityType = "assignment"
	EntitySubmission EntityType = "submission"
	EntityDiscussion EntityType = "discussion"
)

// ParseEntityType validates an entity type identifier.
func ParseEntityType(value string) (EntityType, error) {
	switch EntityType(strings.TrimSpace(value)) {
	case EntityUser, EntityCourse, EntityAssignment, EntitySubmission, EntityDiscussion:
		return EntityType(strings.TrimSpace(value)), nil
	default:
		return "", fmt.Errorf("unknown entity type %q", value)
	}
}

// Op is a synchronization operation kind.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ParseOp validates an operation kind.
func ParseOp(value string) (Op, error) {
	switch Op(strings.TrimSpace(value)) {
	case OpCreate, OpUpdate, OpDelete:
		return Op(strings.TrimSpace(value)), nil
	default:
		return "", fmt.Errorf("unknown operation %q", value)
	}
}

// Tier is a priority tier of the sync queue. Each tier has its own
// independent consumer; ordering is FIFO within a tier only.
type Tier string

const (
	TierCritical   Tier = "critical"
	TierHigh       Tier = "high"
	TierBackground Tier = "background"
	// TierFailed holds dead-lettered operations awaiting manual intervention.
	TierFailed Tier = "failed"
)

// ProcessingTiers lists the tiers that get a consumer, in precedence order.
func ProcessingTiers() []Tier {
	return []Tier{TierCritical, TierHigh, TierBackground}
}

// ParseTier validates a priority tier for publishing. The failed tier is not
// publishable; operations only move there through dead-lettering.
func ParseTier(value string) (Tier, error) {
	switch Tier(strings.TrimSpace(value)) {
	case TierCritical, TierHigh, TierBackground:
		return Tier(strings.TrimSpace(value)), nil
	default:
		return "", fmt.Errorf("unknown priority tier %q", value)
	}
}

// SyncOperation is one unit of reconciliation work. Operations are immutable
// after enqueue; a retry reschedules the stored row with an incremented
// attempt count rather than mutating the payload.
type SyncOperation struct {
	TransactionID string
	EntityType    EntityType
	EntityID      string
	Op            Op
	SourceSystem  System
	TargetSystem  System
	Payload       json.RawMessage
	Tier          Tier
	RetryCount    int
	EnqueuedAt    time.Time
}

// Validate checks the invariants every enqueued operation must satisfy.
func (op SyncOperation) Validate() error {
	if _, err := ParseEntityType(string(op.EntityType)); err != nil {
		return err
	}
	if strings.TrimSpace(op.EntityID) == "" {
		return &ValidationError{Field: "entityId", Reason: "is required"}
	}
	if _, err := ParseOp(string(op.Op)); err != nil {
		return err
	}
	if _, err := ParseSystem(string(op.SourceSystem)); err != nil {
		return err
	}
	if op.TargetSystem != op.SourceSystem.Partner() {
		return &ValidationError{Field: "targetSystem", Reason: "must be the partner of the source system"}
	}
	if len(op.Payload) == 0 {
		return &ValidationError{Field: "payload", Reason: "is required"}
	}
	return nil
}

// SyncResult is the append-only audit record of one operation attempt.
type SyncResult struct {
	ID            string
	EntityType    EntityType
	EntityID      string
	StartedAt     time.Time
	CompletedAt   time.Time
	Status        ResultStatus
	SourceUpdates int
	TargetUpdates int
	Err           string
}

// ResultStatus is the terminal status of a sync attempt.
type ResultStatus string

const (
	ResultSynced ResultStatus = "synced"
	ResultFailed ResultStatus = "failed"
)

// StateStatus is the per-entity sync lifecycle status.
type StateStatus string

const (
	StatePending    StateStatus = "pending"
	StateInProgress StateStatus = "in_progress"
	StateCompleted  StateStatus = "completed"
	StateError      StateStatus = "error"
)
