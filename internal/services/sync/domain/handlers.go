package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// TransformInput carries everything a handler needs to derive the
// target-system representation of one operation. Handlers never perform I/O;
// the caller fetches Target and injects resolved identifiers beforehand.
type TransformInput struct {
	Op       Op
	EntityID string
	// Source is the decoded operation payload in source-system shape.
	Source map[string]any
	// Target is the current target-system record, nil when none exists.
	Target map[string]any
	// Diverged is true when both sides changed since the last sync; the
	// handler then applies Strategy before transforming.
	Diverged      bool
	Strategy      Strategy
	SourceVersion time.Time
	TargetVersion time.Time
}

// TransformOutput is the derived target-system payload.
type TransformOutput struct {
	Target map[string]any
}

// Handler transforms one entity type from source shape to target shape.
// Each handler is a pure function so it stays independently testable.
type Handler func(in TransformInput) (TransformOutput, error)

// NewHandlerRegistry returns the handler lookup table. Adding an entity type
// means adding a constant and a row here.
func NewHandlerRegistry() map[EntityType]Handler {
	return map[EntityType]Handler{
		EntityUser:       TransformUser,
		EntityCourse:     TransformCourse,
		EntityAssignment: TransformAssignment,
		EntitySubmission: TransformSubmission,
		EntityDiscussion: TransformDiscussion,
	}
}

// DecodePayload unmarshals an operation payload for handler input.
func DecodePayload(payload json.RawMessage) (map[string]any, error) {
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: fmt.Sprintf("is not a JSON object: %v", err)}
	}
	return decoded, nil
}

// resolveSource applies the conflict strategy when both sides diverged and
// returns the record the transform should read from.
func resolveSource(in TransformInput, entityType EntityType) (map[string]any, error) {
	if !in.Diverged || in.Target == nil {
		return in.Source, nil
	}
	return Resolve(in.Strategy, Conflict{
		EntityType:    entityType,
		EntityID:      in.EntityID,
		Source:        in.Source,
		Target:        in.Target,
		SourceVersion: in.SourceVersion,
		TargetVersion: in.TargetVersion,
	})
}

// stringField reads a string field from a record, empty when absent.
func stringField(record map[string]any, key string) string {
	value, _ := record[key].(string)
	return value
}

// requireString reads a mandatory string field.
func requireString(record map[string]any, key string) (string, error) {
	value := stringField(record, key)
	if value == "" {
		return "", &ValidationError{Field: key, Reason: "is required"}
	}
	return value, nil
}
