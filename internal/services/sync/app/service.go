package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/coursebridge/coursebridge/internal/platform/id"
	"github.com/coursebridge/coursebridge/internal/services/sync/domain"
	"github.com/coursebridge/coursebridge/internal/services/sync/mapper"
	"github.com/coursebridge/coursebridge/internal/services/sync/queue"
	"github.com/coursebridge/coursebridge/internal/services/sync/remote"
	"github.com/coursebridge/coursebridge/internal/services/sync/state"
	"github.com/coursebridge/coursebridge/internal/services/sync/storage"
	"github.com/coursebridge/coursebridge/internal/services/sync/txn"
)

// Service is the facade callers integrate against. Each operation performs
// the coordinated flow from the source-system write through the target-side
// commit, then publishes the operation for asynchronous reconciliation and
// audit.
type Service struct {
	clients     remote.Clients
	mapper      *mapper.Mapper
	tracker     *state.Tracker
	results     storage.ResultStore
	deadLetters storage.QueueStore
	queue       *queue.Queue
	coordinator *txn.Coordinator
	now         func() time.Time
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Clients     remote.Clients
	Mapper      *mapper.Mapper
	Tracker     *state.Tracker
	Results     storage.ResultStore
	DeadLetters storage.QueueStore
	Queue       *queue.Queue
	Coordinator *txn.Coordinator
	Now         func() time.Time
}

// NewService constructs the facade.
func NewService(cfg ServiceConfig) *Service {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		clients:     cfg.Clients,
		mapper:      cfg.Mapper,
		tracker:     cfg.Tracker,
		results:     cfg.Results,
		deadLetters: cfg.DeadLetters,
		queue:       cfg.Queue,
		coordinator: cfg.Coordinator,
		now:         now,
	}
}

// IntegratedEntity is one entity as both systems know it.
type IntegratedEntity struct {
	Source     remote.Record `json:"source"`
	Target     remote.Record `json:"target"`
	Integrated bool          `json:"integrated"`
}

// CreateUser creates a user in the courseware system and mirrors it into
// the forum. A call naming an already-mapped user short-circuits to the
// integrated read instead of creating a duplicate.
func (s *Service) CreateUser(ctx context.Context, data remote.Record) (IntegratedEntity, error) {
	if existing, ok, err := s.shortCircuit(ctx, domain.EntityUser, data); err != nil || ok {
		return existing, err
	}

	source, err := s.clients.Apply(ctx, domain.SystemCourseware, domain.EntityUser, domain.OpCreate, "", data)
	if err != nil {
		return IntegratedEntity{}, err
	}

	result, err := s.integrate(ctx, domain.EntityUser, remote.ID(source), domain.TierCritical, source)
	if err != nil {
		var validation *domain.ValidationError
		if errors.As(err, &validation) && validation.Field == "username" {
			// Username collision on the forum side: retry once with a
			// disambiguated username.
			name, _ := source["name"].(string)
			if username, retryErr := disambiguated(name); retryErr == nil {
				source["username"] = username
				result, err = s.integrate(ctx, domain.EntityUser, remote.ID(source), domain.TierCritical, source)
			}
		}
		if err != nil {
			return IntegratedEntity{}, err
		}
	}
	return IntegratedEntity{Source: source, Target: result.Applied, Integrated: true}, nil
}

// CreateCourse creates a course in the courseware system and its forum
// category.
func (s *Service) CreateCourse(ctx context.Context, data remote.Record) (IntegratedEntity, error) {
	if existing, ok, err := s.shortCircuit(ctx, domain.EntityCourse, data); err != nil || ok {
		return existing, err
	}

	source, err := s.clients.Apply(ctx, domain.SystemCourseware, domain.EntityCourse, domain.OpCreate, "", data)
	if err != nil {
		return IntegratedEntity{}, err
	}
	result, err := s.integrate(ctx, domain.EntityCourse, remote.ID(source), domain.TierHigh, source)
	if err != nil {
		return IntegratedEntity{}, err
	}
	return IntegratedEntity{Source: source, Target: result.Applied, Integrated: true}, nil
}

// CreateAssignment creates an assignment under a course and its forum topic
// under the course's category. The course must already be integrated.
func (s *Service) CreateAssignment(ctx context.Context, courseID string, data remote.Record) (IntegratedEntity, error) {
	categoryID, found, err := s.mapper.ResolveTargetID(ctx, domain.EntityCourse, domain.SystemCourseware, courseID)
	if err != nil {
		return IntegratedEntity{}, err
	}
	if !found {
		return IntegratedEntity{}, &domain.MappingNotFoundError{
			System:     domain.SystemCourseware,
			EntityType: domain.EntityCourse,
			ID:         courseID,
		}
	}

	data["course_id"] = courseID
	source, err := s.clients.Apply(ctx, domain.SystemCourseware, domain.EntityAssignment, domain.OpCreate, "", data)
	if err != nil {
		return IntegratedEntity{}, err
	}
	source["category_id"] = categoryID

	result, err := s.integrate(ctx, domain.EntityAssignment, remote.ID(source), domain.TierHigh, source)
	if err != nil {
		return IntegratedEntity{}, err
	}
	return IntegratedEntity{Source: source, Target: result.Applied, Integrated: true}, nil
}

// SubmitAssignment records a submission in the courseware system and posts
// it to the assignment's forum topic. The assignment must already be
// integrated; otherwise the call fails before anything is written or
// enqueued.
func (s *Service) SubmitAssignment(ctx context.Context, courseID, assignmentID, userID string, data remote.Record) (IntegratedEntity, error) {
	topicID, found, err := s.mapper.ResolveTargetID(ctx, domain.EntityAssignment, domain.SystemCourseware, assignmentID)
	if err != nil {
		return IntegratedEntity{}, err
	}
	if !found {
		return IntegratedEntity{}, &domain.MappingNotFoundError{
			System:     domain.SystemCourseware,
			EntityType: domain.EntityAssignment,
			ID:         assignmentID,
		}
	}

	data["course_id"] = courseID
	data["assignment_id"] = assignmentID
	data["user_id"] = userID
	if username := s.forumUsername(ctx, userID); username != "" {
		data["username"] = username
	}

	source, err := s.clients.Apply(ctx, domain.SystemCourseware, domain.EntitySubmission, domain.OpCreate, "", data)
	if err != nil {
		return IntegratedEntity{}, err
	}
	source["topic_id"] = topicID

	result, err := s.integrate(ctx, domain.EntitySubmission, remote.ID(source), domain.TierCritical, source)
	if err != nil {
		return IntegratedEntity{}, err
	}
	return IntegratedEntity{Source: source, Target: result.Applied, Integrated: true}, nil
}

// GradeSubmission records a grade on an integrated submission and mirrors
// the graded record onto its forum post. The submission must already be
// integrated.
func (s *Service) GradeSubmission(ctx context.Context, submissionID string, grade remote.Record) (IntegratedEntity, error) {
	_, found, err := s.mapper.GetMapping(ctx, domain.EntitySubmission, domain.SystemCourseware, submissionID)
	if err != nil {
		return IntegratedEntity{}, err
	}
	if !found {
		return IntegratedEntity{}, &domain.MappingNotFoundError{
			System:     domain.SystemCourseware,
			EntityType: domain.EntitySubmission,
			ID:         submissionID,
		}
	}

	source, err := s.clients.Grade(ctx, submissionID, grade)
	if err != nil {
		return IntegratedEntity{}, err
	}

	// The submission is mapped, so the coordinator takes the update path
	// and refreshes the forum post with the graded record.
	result, err := s.integrate(ctx, domain.EntitySubmission, submissionID, domain.TierCritical, source)
	if err != nil {
		return IntegratedEntity{}, err
	}
	return IntegratedEntity{Source: source, Target: result.Applied, Integrated: true}, nil
}

// GetIntegratedEntity reads one entity from both systems. system names the
// side id belongs to and defaults to courseware.
func (s *Service) GetIntegratedEntity(ctx context.Context, entityType domain.EntityType, entityID string, system domain.System) (IntegratedEntity, error) {
	if system == "" {
		system = domain.SystemCourseware
	}
	if _, err := domain.ParseSystem(string(system)); err != nil {
		return IntegratedEntity{}, err
	}

	source, err := s.clients.Fetch(ctx, system, entityType, entityID)
	if err != nil {
		return IntegratedEntity{}, err
	}

	targetID, found, err := s.mapper.ResolveTargetID(ctx, entityType, system, entityID)
	if err != nil {
		return IntegratedEntity{}, err
	}
	if !found {
		return IntegratedEntity{Source: source}, nil
	}
	target, err := s.clients.Fetch(ctx, system.Partner(), entityType, targetID)
	if err != nil {
		return IntegratedEntity{}, err
	}
	return IntegratedEntity{Source: source, Target: target, Integrated: true}, nil
}

// Summary exposes the per-status entity counts.
func (s *Service) Summary(ctx context.Context) (state.Summary, error) {
	return s.tracker.Summary(ctx)
}

// ListResults returns the most recent audit rows.
func (s *Service) ListResults(ctx context.Context, limit int) ([]storage.ResultRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.results.ListResults(ctx, limit)
}

// ListMappings returns the most recent identity links for one entity type.
func (s *Service) ListMappings(ctx context.Context, entityType domain.EntityType, limit int) ([]storage.MappingRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.mapper.ListMappings(ctx, entityType, limit)
}

// ListDead returns dead-lettered operations awaiting manual intervention.
func (s *Service) ListDead(ctx context.Context, limit int) ([]storage.QueueEvent, error) {
	if s.deadLetters == nil {
		return nil, domain.ErrNotInitialized
	}
	if limit <= 0 {
		limit = 50
	}
	return s.deadLetters.ListDead(ctx, limit)
}

// RequeueDead redrives one dead-lettered operation into its original tier
// and flips the entity's state back to pending.
func (s *Service) RequeueDead(ctx context.Context, transactionID string) error {
	if s.deadLetters == nil {
		return domain.ErrNotInitialized
	}
	if err := s.deadLetters.RequeueDead(ctx, transactionID, "", s.now()); err != nil {
		return err
	}

	event, err := s.deadLetters.GetEvent(ctx, transactionID)
	if err != nil {
		log.Printf("load requeued event %s: %v", transactionID, err)
		return nil
	}
	if err := s.tracker.MarkPending(ctx, domain.EntityType(event.EntityType), event.EntityID, s.now()); err != nil {
		log.Printf("mark %s %s pending after requeue: %v", event.EntityType, event.EntityID, err)
	}
	return nil
}

// integrate runs the coordinated target-side flow for one source record and
// then publishes the operation for asynchronous reconciliation.
func (s *Service) integrate(ctx context.Context, entityType domain.EntityType, entityID string, tier domain.Tier, source remote.Record) (txn.Result, error) {
	if entityID == "" {
		return txn.Result{}, &domain.ValidationError{Field: "id", Reason: "is required"}
	}
	payload, err := json.Marshal(source)
	if err != nil {
		return txn.Result{}, &domain.ValidationError{Field: "payload", Reason: fmt.Sprintf("is not serializable: %v", err)}
	}

	txID, err := id.NewID()
	if err != nil {
		return txn.Result{}, fmt.Errorf("generate transaction id: %w", err)
	}
	op := domain.SyncOperation{
		TransactionID: txID,
		EntityType:    entityType,
		EntityID:      entityID,
		Op:            domain.OpCreate,
		SourceSystem:  domain.SystemCourseware,
		TargetSystem:  domain.SystemForum,
		Payload:       payload,
		Tier:          tier,
		EnqueuedAt:    s.now(),
	}

	started := s.now()
	result, err := s.coordinator.Execute(ctx, op)
	s.recordResult(ctx, op, started, err)
	if err != nil {
		return txn.Result{}, err
	}

	// Reconciliation pass: the queued operation re-verifies the link
	// asynchronously and leaves the audit trail for the tier worker.
	if _, publishErr := s.queue.Publish(ctx, op); publishErr != nil {
		log.Printf("publish %s %s reconciliation: %v", entityType, entityID, publishErr)
	}
	return result, nil
}

func (s *Service) recordResult(ctx context.Context, op domain.SyncOperation, started time.Time, execErr error) {
	if s.results == nil {
		return
	}
	resultID, err := id.NewID()
	if err != nil {
		log.Printf("generate sync result id for %s %s: %v", op.EntityType, op.EntityID, err)
		return
	}
	record := storage.ResultRecord{
		ID:          resultID,
		EntityType:  string(op.EntityType),
		EntityID:    op.EntityID,
		StartedAt:   started,
		CompletedAt: s.now(),
		Status:      string(domain.ResultSynced),
		CreatedAt:   s.now(),
	}
	if execErr != nil {
		record.Status = string(domain.ResultFailed)
		record.LastError = execErr.Error()
	} else {
		record.SourceUpdates = 1
		record.TargetUpdates = 1
	}
	if err := s.results.RecordResult(ctx, record); err != nil {
		log.Printf("record sync result for %s %s: %v", op.EntityType, op.EntityID, err)
	}
}

// shortCircuit returns the integrated read when the payload names an entity
// that is already linked.
func (s *Service) shortCircuit(ctx context.Context, entityType domain.EntityType, data remote.Record) (IntegratedEntity, bool, error) {
	entityID := remote.ID(data)
	if entityID == "" {
		return IntegratedEntity{}, false, nil
	}
	_, found, err := s.mapper.GetMapping(ctx, entityType, domain.SystemCourseware, entityID)
	if err != nil || !found {
		return IntegratedEntity{}, false, err
	}
	integrated, err := s.GetIntegratedEntity(ctx, entityType, entityID, domain.SystemCourseware)
	if err != nil {
		return IntegratedEntity{}, false, err
	}
	return integrated, true, nil
}

func disambiguated(name string) (string, error) {
	username, err := domain.DeriveUsername(name)
	if err != nil {
		return "", err
	}
	return domain.DisambiguateUsername(username)
}

func (s *Service) forumUsername(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}
	forumID, found, err := s.mapper.ResolveTargetID(ctx, domain.EntityUser, domain.SystemCourseware, userID)
	if err != nil || !found {
		return ""
	}
	user, err := s.clients.Fetch(ctx, domain.SystemForum, domain.EntityUser, forumID)
	if err != nil {
		return ""
	}
	username, _ := user["username"].(string)
	return username
}
