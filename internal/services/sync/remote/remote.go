// Package remote defines the capability contracts of the two external
// systems and the dispatch layer the coordinator drives them through. The
// sync engine never talks to a client directly; every call goes through
// Apply or Fetch, which bound the call with a timeout and normalize
// failures into the engine's error taxonomy.
package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/coursebridge/coursebridge/internal/platform/timeouts"
	"github.com/coursebridge/coursebridge/internal/services/sync/domain"
)

// Record is one entity as the remote systems represent it.
type Record = map[string]any

// CoursewareClient is the course-management side: users, courses,
// assignments, submissions, and discussions.
type CoursewareClient interface {
	CreateUser(ctx context.Context, record Record) (Record, error)
	UpdateUser(ctx context.Context, id string, record Record) (Record, error)
	GetUser(ctx context.Context, id string) (Record, error)

	CreateCourse(ctx context.Context, record Record) (Record, error)
	UpdateCourse(ctx context.Context, id string, record Record) (Record, error)
	GetCourse(ctx context.Context, id string) (Record, error)

	CreateAssignment(ctx context.Context, record Record) (Record, error)
	UpdateAssignment(ctx context.Context, id string, record Record) (Record, error)
	GetAssignment(ctx context.Context, id string) (Record, error)

	CreateSubmission(ctx context.Context, record Record) (Record, error)
	GradeSubmission(ctx context.Context, id string, record Record) (Record, error)
	GetSubmission(ctx context.Context, id string) (Record, error)

	CreateDiscussion(ctx context.Context, record Record) (Record, error)
	GetDiscussion(ctx context.Context, id string) (Record, error)
}

// ForumClient is the discussion-forum side: users, categories, topics, and
// posts.
type ForumClient interface {
	CreateUser(ctx context.Context, record Record) (Record, error)
	UpdateUser(ctx context.Context, id string, record Record) (Record, error)
	GetUser(ctx context.Context, id string) (Record, error)

	CreateCategory(ctx context.Context, record Record) (Record, error)
	UpdateCategory(ctx context.Context, id string, record Record) (Record, error)
	GetCategory(ctx context.Context, id string) (Record, error)

	CreateTopic(ctx context.Context, record Record) (Record, error)
	UpdateTopic(ctx context.Context, id string, record Record) (Record, error)
	GetTopic(ctx context.Context, id string) (Record, error)

	CreatePost(ctx context.Context, record Record) (Record, error)
	UpdatePost(ctx context.Context, id string, record Record) (Record, error)
	GetPost(ctx context.Context, id string) (Record, error)
}

// Clients bundles both systems for the dispatch layer.
type Clients struct {
	Courseware CoursewareClient
	Forum      ForumClient
}

// Apply writes one transformed record to the given system: create when id
// is empty, update otherwise. Failures come back wrapped as
// TransientNetworkError unless the client raised a permanent taxonomy
// error itself.
func (c Clients) Apply(ctx context.Context, system domain.System, entityType domain.EntityType, op domain.Op, id string, record Record) (Record, error) {
	call, callName, err := c.writeCall(system, entityType, op, id)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeouts.RemoteCall)
	defer cancel()

	applied, err := call(callCtx, record)
	if err != nil {
		return nil, wrapRemoteError(system, callName, err)
	}
	return applied, nil
}

// Fetch reads one entity from the given system.
func (c Clients) Fetch(ctx context.Context, system domain.System, entityType domain.EntityType, id string) (Record, error) {
	call, callName, err := c.readCall(system, entityType)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeouts.RemoteCall)
	defer cancel()

	record, err := call(callCtx, id)
	if err != nil {
		return nil, wrapRemoteError(system, callName, err)
	}
	return record, nil
}

// Grade records a grade on a courseware submission.
func (c Clients) Grade(ctx context.Context, id string, record Record) (Record, error) {
	if c.Courseware == nil {
		return nil, fmt.Errorf("courseware client is not configured")
	}

	callCtx, cancel := context.WithTimeout(ctx, timeouts.RemoteCall)
	defer cancel()

	graded, err := c.Courseware.GradeSubmission(callCtx, id, record)
	if err != nil {
		return nil, wrapRemoteError(domain.SystemCourseware, "grade_submission", err)
	}
	return graded, nil
}

type writeFunc func(ctx context.Context, record Record) (Record, error)

func (c Clients) writeCall(system domain.System, entityType domain.EntityType, op domain.Op, id string) (writeFunc, string, error) {
	create, update, name, err := c.entityCalls(system, entityType)
	if err != nil {
		return nil, "", err
	}
	switch op {
	case domain.OpCreate:
		return create, "create_" + name, nil
	case domain.OpUpdate:
		if update == nil {
			return nil, "", &domain.ValidationError{Field: "op", Reason: fmt.Sprintf("%s %s cannot be updated", system, name)}
		}
		return func(ctx context.Context, record Record) (Record, error) {
			return update(ctx, id, record)
		}, "update_" + name, nil
	default:
		return nil, "", &domain.ValidationError{Field: "op", Reason: fmt.Sprintf("%q is not a remote write", op)}
	}
}

type updateFunc func(ctx context.Context, id string, record Record) (Record, error)
type readFunc func(ctx context.Context, id string) (Record, error)

// entityCalls maps an entity type to the concrete calls of one system:
// users stay users on both sides, while course/assignment/submission map to
// category/topic/post on the forum and discussions land as forum topics.
func (c Clients) entityCalls(system domain.System, entityType domain.EntityType) (writeFunc, updateFunc, string, error) {
	switch system {
	case domain.SystemCourseware:
		if c.Courseware == nil {
			return nil, nil, "", fmt.Errorf("courseware client is not configured")
		}
		switch entityType {
		case domain.EntityUser:
			return c.Courseware.CreateUser, c.Courseware.UpdateUser, "user", nil
		case domain.EntityCourse:
			return c.Courseware.CreateCourse, c.Courseware.UpdateCourse, "course", nil
		case domain.EntityAssignment:
			return c.Courseware.CreateAssignment, c.Courseware.UpdateAssignment, "assignment", nil
		case domain.EntitySubmission:
			return c.Courseware.CreateSubmission, nil, "submission", nil
		case domain.EntityDiscussion:
			return c.Courseware.CreateDiscussion, nil, "discussion", nil
		}
	case domain.SystemForum:
		if c.Forum == nil {
			return nil, nil, "", fmt.Errorf("forum client is not configured")
		}
		switch entityType {
		case domain.EntityUser:
			return c.Forum.CreateUser, c.Forum.UpdateUser, "user", nil
		case domain.EntityCourse:
			return c.Forum.CreateCategory, c.Forum.UpdateCategory, "category", nil
		case domain.EntityAssignment:
			return c.Forum.CreateTopic, c.Forum.UpdateTopic, "topic", nil
		case domain.EntitySubmission:
			return c.Forum.CreatePost, c.Forum.UpdatePost, "post", nil
		case domain.EntityDiscussion:
			return c.Forum.CreateTopic, c.Forum.UpdateTopic, "topic", nil
		}
	default:
		return nil, nil, "", &domain.ValidationError{Field: "system", Reason: fmt.Sprintf("unknown system %q", system)}
	}
	return nil, nil, "", &domain.UnsupportedEntityTypeError{EntityType: entityType}
}

func (c Clients) readCall(system domain.System, entityType domain.EntityType) (readFunc, string, error) {
	switch system {
	case domain.SystemCourseware:
		if c.Courseware == nil {
			return nil, "", fmt.Errorf("courseware client is not configured")
		}
		switch entityType {
		case domain.EntityUser:
			return c.Courseware.GetUser, "get_user", nil
		case domain.EntityCourse:
			return c.Courseware.GetCourse, "get_course", nil
		case domain.EntityAssignment:
			return c.Courseware.GetAssignment, "get_assignment", nil
		case domain.EntitySubmission:
			return c.Courseware.GetSubmission, "get_submission", nil
		case domain.EntityDiscussion:
			return c.Courseware.GetDiscussion, "get_discussion", nil
		}
	case domain.SystemForum:
		if c.Forum == nil {
			return nil, "", fmt.Errorf("forum client is not configured")
		}
		switch entityType {
		case domain.EntityUser:
			return c.Forum.GetUser, "get_user", nil
		case domain.EntityCourse:
			return c.Forum.GetCategory, "get_category", nil
		case domain.EntityAssignment:
			return c.Forum.GetTopic, "get_topic", nil
		case domain.EntitySubmission:
			return c.Forum.GetPost, "get_post", nil
		case domain.EntityDiscussion:
			return c.Forum.GetTopic, "get_topic", nil
		}
	default:
		return nil, "", &domain.ValidationError{Field: "system", Reason: fmt.Sprintf("unknown system %q", system)}
	}
	return nil, "", &domain.UnsupportedEntityTypeError{EntityType: entityType}
}

func wrapRemoteError(system domain.System, op string, err error) error {
	if domain.IsPermanent(err) {
		return err
	}
	return &domain.TransientNetworkError{System: system, Op: op, Err: err}
}

// Version extracts the record's last-modified timestamp from its
// "updated_at" field, accepting either a time value or an RFC 3339 string.
// Missing or malformed values come back as the zero time.
func Version(record Record) time.Time {
	value, ok := record["updated_at"]
	if !ok {
		return time.Time{}
	}
	switch v := value.(type) {
	case time.Time:
		return v.UTC()
	case string:
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}
		}
		return parsed.UTC()
	default:
		return time.Time{}
	}
}

// ID extracts the record's identifier as a string, accepting string or
// numeric forms.
func ID(record Record) string {
	value, ok := record["id"]
	if !ok {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
