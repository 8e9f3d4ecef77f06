package app

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/coursebridge/coursebridge/internal/services/sync/domain"
	"github.com/coursebridge/coursebridge/internal/services/sync/remote"
	"github.com/coursebridge/coursebridge/internal/services/sync/storage"
)

// NewAdminMux exposes the facade and the operator surface over JSON HTTP.
func NewAdminMux(service *Service) *http.ServeMux {
	mux := http.NewServeMux()
	if service == nil {
		return mux
	}
	mux.HandleFunc("GET /summary", service.handleSummary)
	mux.HandleFunc("GET /results", service.handleResults)
	mux.HandleFunc("GET /dead", service.handleDead)
	mux.HandleFunc("GET /mappings/{entityType}", service.handleListMappings)
	mux.HandleFunc("POST /dead/{id}/requeue", service.handleRequeueDead)
	mux.HandleFunc("POST /users", service.handleCreateUser)
	mux.HandleFunc("POST /courses", service.handleCreateCourse)
	mux.HandleFunc("POST /courses/{courseID}/assignments", service.handleCreateAssignment)
	mux.HandleFunc("POST /courses/{courseID}/assignments/{assignmentID}/submissions", service.handleSubmitAssignment)
	mux.HandleFunc("POST /submissions/{submissionID}/grade", service.handleGradeSubmission)
	mux.HandleFunc("GET /entities/{entityType}/{id}", service.handleGetIntegratedEntity)
	return mux
}

func (s *Service) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.Summary(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Service) handleResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.ListResults(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Service) handleDead(w http.ResponseWriter, r *http.Request) {
	dead, err := s.ListDead(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dead)
}

func (s *Service) handleListMappings(w http.ResponseWriter, r *http.Request) {
	entityType, err := domain.ParseEntityType(r.PathValue("entityType"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	mappings, err := s.ListMappings(r.Context(), entityType, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mappings)
}

func (s *Service) handleRequeueDead(w http.ResponseWriter, r *http.Request) {
	if err := s.RequeueDead(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	data, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	entity, err := s.CreateUser(r.Context(), data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entity)
}

func (s *Service) handleCreateCourse(w http.ResponseWriter, r *http.Request) {
	data, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	entity, err := s.CreateCourse(r.Context(), data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entity)
}

func (s *Service) handleCreateAssignment(w http.ResponseWriter, r *http.Request) {
	data, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	entity, err := s.CreateAssignment(r.Context(), r.PathValue("courseID"), data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entity)
}

func (s *Service) handleSubmitAssignment(w http.ResponseWriter, r *http.Request) {
	data, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	userID, _ := data["user_id"].(string)
	entity, err := s.SubmitAssignment(r.Context(), r.PathValue("courseID"), r.PathValue("assignmentID"), userID, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entity)
}

func (s *Service) handleGradeSubmission(w http.ResponseWriter, r *http.Request) {
	data, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	entity, err := s.GradeSubmission(r.Context(), r.PathValue("submissionID"), data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func (s *Service) handleGetIntegratedEntity(w http.ResponseWriter, r *http.Request) {
	entityType, err := domain.ParseEntityType(r.PathValue("entityType"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	system := domain.System(strings.TrimSpace(r.URL.Query().Get("system")))
	entity, err := s.GetIntegratedEntity(r.Context(), entityType, r.PathValue("id"), system)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func decodeRecord(w http.ResponseWriter, r *http.Request) (remote.Record, bool) {
	var data remote.Record
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "request body is not a JSON object"})
		return nil, false
	}
	return data, true
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		log.Printf("encode admin response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var validation *domain.ValidationError
	var notFound *domain.MappingNotFoundError
	var conflict *domain.ConflictError
	var concurrent *domain.ConcurrentSyncError
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.As(err, &notFound), errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &conflict):
		status = http.StatusConflict
	case errors.As(err, &concurrent):
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryLimit(r *http.Request) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return limit
}
