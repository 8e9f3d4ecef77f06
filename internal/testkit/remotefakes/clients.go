// Package remotefakes provides in-memory courseware and forum clients for
// tests and local runs.
package remotefakes

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/coursebridge/coursebridge/internal/services/sync/remote"
)

// System is an in-memory remote system: one record table per entity kind,
// sequential IDs, and per-call error injection.
type System struct {
	mu     sync.Mutex
	prefix string
	nextID int
	tables map[string]map[string]remote.Record

	// Fail injects an error for calls whose name matches the key, for
	// example "create_user". The call does not mutate state.
	Fail map[string]error

	// FailOnce injects an error for the next matching call only, then
	// clears itself.
	FailOnce map[string]error

	// Calls records every call name in order.
	Calls []string
}

func newSystem(prefix string) *System {
	return &System{
		prefix:   prefix,
		tables:   make(map[string]map[string]remote.Record),
		Fail:     make(map[string]error),
		FailOnce: make(map[string]error),
	}
}

// CallCount returns how many calls matched the given name.
func (s *System) CallCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, call := range s.Calls {
		if call == name {
			count++
		}
	}
	return count
}

// All returns a copy of every record in one table.
func (s *System) All(kind string) []remote.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	table := s.tables[kind]
	records := make([]remote.Record, 0, len(table))
	for _, record := range table {
		records = append(records, maps.Clone(record))
	}
	return records
}

// Seed inserts a record directly, assigning an ID when missing.
func (s *System) Seed(kind string, record remote.Record) remote.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(kind, maps.Clone(record))
}

func (s *System) insert(kind string, record remote.Record) remote.Record {
	if s.tables[kind] == nil {
		s.tables[kind] = make(map[string]remote.Record)
	}
	id, _ := record["id"].(string)
	if id == "" {
		s.nextID++
		id = fmt.Sprintf("%s-%s-%d", s.prefix, kind, s.nextID)
		record["id"] = id
	}
	s.tables[kind][id] = record
	return maps.Clone(record)
}

// failure is called with the mutex held.
func (s *System) failure(call string) error {
	if err, ok := s.FailOnce[call]; ok {
		delete(s.FailOnce, call)
		return err
	}
	return s.Fail[call]
}

func (s *System) create(ctx context.Context, call, kind string, record remote.Record) (remote.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, call)
	if err := s.failure(call); err != nil {
		return nil, err
	}
	return s.insert(kind, maps.Clone(record)), nil
}

func (s *System) update(ctx context.Context, call, kind, id string, record remote.Record) (remote.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, call)
	if err := s.failure(call); err != nil {
		return nil, err
	}
	existing, ok := s.tables[kind][id]
	if !ok {
		return nil, fmt.Errorf("%s %s not found", kind, id)
	}
	merged := maps.Clone(existing)
	maps.Copy(merged, record)
	merged["id"] = id
	s.tables[kind][id] = merged
	return maps.Clone(merged), nil
}

func (s *System) get(ctx context.Context, call, kind, id string) (remote.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, call)
	if err := s.failure(call); err != nil {
		return nil, err
	}
	record, ok := s.tables[kind][id]
	if !ok {
		return nil, fmt.Errorf("%s %s not found", kind, id)
	}
	return maps.Clone(record), nil
}

// Courseware is an in-memory remote.CoursewareClient.
type Courseware struct {
	*System
}

// NewCourseware constructs an empty courseware fake.
func NewCourseware() *Courseware {
	return &Courseware{System: newSystem("cw")}
}

func (c *Courseware) CreateUser(ctx context.Context, record remote.Record) (remote.Record, error) {
	return c.create(ctx, "create_user", "user", record)
}

func (c *Courseware) UpdateUser(ctx context.Context, id string, record remote.Record) (remote.Record, error) {
	return c.update(ctx, "update_user", "user", id, record)
}

func (c *Courseware) GetUser(ctx context.Context, id string) (remote.Record, error) {
	return c.get(ctx, "get_user", "user", id)
}

func (c *Courseware) CreateCourse(ctx context.Context, record remote.Record) (remote.Record, error) {
	return c.create(ctx, "create_course", "course", record)
}

func (c *Courseware) UpdateCourse(ctx context.Context, id string, record remote.Record) (remote.Record, error) {
	return c.update(ctx, "update_course", "course", id, record)
}

func (c *Courseware) GetCourse(ctx context.Context, id string) (remote.Record, error) {
	return c.get(ctx, "get_course", "course", id)
}

func (c *Courseware) CreateAssignment(ctx context.Context, record remote.Record) (remote.Record, error) {
	return c.create(ctx, "create_assignment", "assignment", record)
}

func (c *Courseware) UpdateAssignment(ctx context.Context, id string, record remote.Record) (remote.Record, error) {
	return c.update(ctx, "update_assignment", "assignment", id, record)
}

func (c *Courseware) GetAssignment(ctx context.Context, id string) (remote.Record, error) {
	return c.get(ctx, "get_assignment", "assignment", id)
}

func (c *Courseware) CreateSubmission(ctx context.Context, record remote.Record) (remote.Record, error) {
	return c.create(ctx, "create_submission", "submission", record)
}

func (c *Courseware) GradeSubmission(ctx context.Context, id string, record remote.Record) (remote.Record, error) {
	return c.update(ctx, "grade_submission", "submission", id, record)
}

func (c *Courseware) GetSubmission(ctx context.Context, id string) (remote.Record, error) {
	return c.get(ctx, "get_submission", "submission", id)
}

func (c *Courseware) CreateDiscussion(ctx context.Context, record remote.Record) (remote.Record, error) {
	return c.create(ctx, "create_discussion", "discussion", record)
}

func (c *Courseware) GetDiscussion(ctx context.Context, id string) (remote.Record, error) {
	return c.get(ctx, "get_discussion", "discussion", id)
}

// Forum is an in-memory remote.ForumClient.
type Forum struct {
	*System
}

// NewForum constructs an empty forum fake.
func NewForum() *Forum {
	return &Forum{System: newSystem("fm")}
}

func (f *Forum) CreateUser(ctx context.Context, record remote.Record) (remote.Record, error) {
	return f.create(ctx, "create_user", "user", record)
}

func (f *Forum) UpdateUser(ctx context.Context, id string, record remote.Record) (remote.Record, error) {
	return f.update(ctx, "update_user", "user", id, record)
}

func (f *Forum) GetUser(ctx context.Context, id string) (remote.Record, error) {
	return f.get(ctx, "get_user", "user", id)
}

func (f *Forum) CreateCategory(ctx context.Context, record remote.Record) (remote.Record, error) {
	return f.create(ctx, "create_category", "category", record)
}

func (f *Forum) UpdateCategory(ctx context.Context, id string, record remote.Record) (remote.Record, error) {
	return f.update(ctx, "update_category", "category", id, record)
}

func (f *Forum) GetCategory(ctx context.Context, id string) (remote.Record, error) {
	return f.get(ctx, "get_category", "category", id)
}

func (f *Forum) CreateTopic(ctx context.Context, record remote.Record) (remote.Record, error) {
	return f.create(ctx, "create_topic", "topic", record)
}

func (f *Forum) UpdateTopic(ctx context.Context, id string, record remote.Record) (remote.Record, error) {
	return f.update(ctx, "update_topic", "topic", id, record)
}

func (f *Forum) GetTopic(ctx context.Context, id string) (remote.Record, error) {
	return f.get(ctx, "get_topic", "topic", id)
}

func (f *Forum) CreatePost(ctx context.Context, record remote.Record) (remote.Record, error) {
	return f.create(ctx, "create_post", "post", record)
}

func (f *Forum) UpdatePost(ctx context.Context, id string, record remote.Record) (remote.Record, error) {
	return f.update(ctx, "update_post", "post", id, record)
}

func (f *Forum) GetPost(ctx context.Context, id string) (remote.Record, error) {
	return f.get(ctx, "get_post", "post", id)
}
