// Package mapper maintains cross-system identity links. Lookups go through
// an in-memory cache keyed from both sides of each link, backed by the
// durable mapping store.
package mapper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/coursebridge/coursebridge/internal/services/sync/domain"
	"github.com/coursebridge/coursebridge/internal/services/sync/storage"
)

// Mapper resolves entity identities across systems.
type Mapper struct {
	store storage.MappingStore

	mu    sync.RWMutex
	cache map[string]storage.MappingRecord
}

// New returns a mapper backed by the given store.
func New(store storage.MappingStore) *Mapper {
	return &Mapper{
		store: store,
		cache: make(map[string]storage.MappingRecord),
	}
}

func cacheKey(entityType, system, id string) string {
	return entityType + ":" + system + ":" + id
}

// SaveMapping persists one identity link and primes the cache from both
// sides.
func (m *Mapper) SaveMapping(ctx context.Context, mapping storage.MappingRecord) error {
	if m == nil || m.store == nil {
		return domain.ErrNotInitialized
	}
	if err := m.store.UpsertMapping(ctx, mapping); err != nil {
		return &domain.MappingStoreError{Op: "save", Err: err}
	}

	m.mu.Lock()
	// Re-linking replaces a prior record: evict its other side too, or a
	// lookup by the old partner id would still resolve from the cache.
	m.evictLocked(mapping.EntityType, mapping.SourceSystem, mapping.SourceID)
	m.evictLocked(mapping.EntityType, mapping.TargetSystem, mapping.TargetID)
	m.cache[cacheKey(mapping.EntityType, mapping.SourceSystem, mapping.SourceID)] = mapping
	m.cache[cacheKey(mapping.EntityType, mapping.TargetSystem, mapping.TargetID)] = mapping
	m.mu.Unlock()
	return nil
}

// evictLocked drops the cached record reachable from one key along with the
// key for its other side. Callers must hold m.mu.
func (m *Mapper) evictLocked(entityType, system, id string) {
	prior, ok := m.cache[cacheKey(entityType, system, id)]
	if !ok {
		return
	}
	delete(m.cache, cacheKey(prior.EntityType, prior.SourceSystem, prior.SourceID))
	delete(m.cache, cacheKey(prior.EntityType, prior.TargetSystem, prior.TargetID))
}

// GetMapping resolves the identity an entity has in the partner system.
// A missing mapping is not an error; found reports whether one exists.
func (m *Mapper) GetMapping(ctx context.Context, entityType domain.EntityType, system domain.System, id string) (storage.MappingRecord, bool, error) {
	if m == nil || m.store == nil {
		return storage.MappingRecord{}, false, domain.ErrNotInitialized
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.MappingRecord{}, false, fmt.Errorf("entity id is required")
	}
	key := cacheKey(string(entityType), string(system), id)

	m.mu.RLock()
	cached, ok := m.cache[key]
	m.mu.RUnlock()
	if ok {
		return cached, true, nil
	}

	mapping, err := m.store.GetMapping(ctx, string(entityType), string(system), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.MappingRecord{}, false, nil
		}
		return storage.MappingRecord{}, false, &domain.MappingStoreError{Op: "get", Err: err}
	}

	m.mu.Lock()
	m.cache[cacheKey(mapping.EntityType, mapping.SourceSystem, mapping.SourceID)] = mapping
	m.cache[cacheKey(mapping.EntityType, mapping.TargetSystem, mapping.TargetID)] = mapping
	m.mu.Unlock()
	return mapping, true, nil
}

// ResolveTargetID returns the partner-system identity for an entity known in
// the given system, if one is mapped.
func (m *Mapper) ResolveTargetID(ctx context.Context, entityType domain.EntityType, system domain.System, id string) (string, bool, error) {
	mapping, found, err := m.GetMapping(ctx, entityType, system, id)
	if err != nil || !found {
		return "", false, err
	}
	if mapping.SourceSystem == string(system) && mapping.SourceID == id {
		return mapping.TargetID, true, nil
	}
	return mapping.SourceID, true, nil
}

// Evict drops an entity's cached link from both sides. Callers that remove
// the durable row directly, such as the delete commit, evict afterwards so
// later lookups go back to the store.
func (m *Mapper) Evict(entityType domain.EntityType, system domain.System, id string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.evictLocked(string(entityType), string(system), id)
	m.mu.Unlock()
}

// ListMappings returns the most recently updated links for one entity
// type, straight from the store.
func (m *Mapper) ListMappings(ctx context.Context, entityType domain.EntityType, limit int) ([]storage.MappingRecord, error) {
	if m == nil || m.store == nil {
		return nil, domain.ErrNotInitialized
	}
	records, err := m.store.ListMappings(ctx, string(entityType), limit)
	if err != nil {
		return nil, &domain.MappingStoreError{Op: "list", Err: err}
	}
	return records, nil
}

// Link outcomes for similarity-based matching.
const (
	LinkMatched = "matched"
	LinkReview  = "review"
	LinkNone    = "none"
)

// ambiguityMargin is how close a runner-up score must be to the best score
// for the match to be parked for review instead of auto-linked.
const ambiguityMargin = 0.05

// LinkResult is the outcome of one similarity-based link attempt.
type LinkResult struct {
	Outcome   string
	Candidate domain.Candidate
	Score     float64
}

// LinkBySimilarity matches an unmapped source entity against partner-system
// candidates. A single candidate at or above the threshold is linked and
// persisted; scores in the review band, or ambiguous near-ties, are parked
// for manual review.
func (m *Mapper) LinkBySimilarity(ctx context.Context, entityType domain.EntityType, sourceSystem domain.System, source domain.Candidate, candidates []domain.Candidate, cfg domain.LinkConfig) (LinkResult, error) {
	if m == nil || m.store == nil {
		return LinkResult{}, domain.ErrNotInitialized
	}
	if len(candidates) == 0 {
		return LinkResult{Outcome: LinkNone}, nil
	}

	var best domain.Candidate
	bestScore, runnerUpScore := -1.0, -1.0
	for _, candidate := range candidates {
		score := domain.Similarity(source, candidate, cfg)
		if score > bestScore {
			runnerUpScore = bestScore
			best, bestScore = candidate, score
			continue
		}
		if score > runnerUpScore {
			runnerUpScore = score
		}
	}

	if bestScore < cfg.ReviewFloor {
		return LinkResult{Outcome: LinkNone, Candidate: best, Score: bestScore}, nil
	}
	if bestScore < cfg.Threshold {
		return LinkResult{Outcome: LinkReview, Candidate: best, Score: bestScore}, nil
	}
	if runnerUpScore >= cfg.Threshold && bestScore-runnerUpScore < ambiguityMargin {
		return LinkResult{Outcome: LinkReview, Candidate: best, Score: bestScore}, nil
	}

	mapping := storage.MappingRecord{
		EntityType:   string(entityType),
		SourceSystem: string(sourceSystem),
		SourceID:     source.ID,
		TargetSystem: string(sourceSystem.Partner()),
		TargetID:     best.ID,
	}
	if err := m.SaveMapping(ctx, mapping); err != nil {
		return LinkResult{}, err
	}
	return LinkResult{Outcome: LinkMatched, Candidate: best, Score: bestScore}, nil
}

// LinkAllBySimilarity matches a batch of unmapped source entities against
// partner-system candidates. Each candidate can be claimed by at most one
// source; a matched candidate is withdrawn from the pool for the sources
// that follow. Results are keyed by source entity id.
func (m *Mapper) LinkAllBySimilarity(ctx context.Context, entityType domain.EntityType, sourceSystem domain.System, sources, candidates []domain.Candidate, cfg domain.LinkConfig) (map[string]LinkResult, error) {
	if m == nil || m.store == nil {
		return nil, domain.ErrNotInitialized
	}

	results := make(map[string]LinkResult, len(sources))
	remaining := make([]domain.Candidate, len(candidates))
	copy(remaining, candidates)

	for _, source := range sources {
		result, err := m.LinkBySimilarity(ctx, entityType, sourceSystem, source, remaining, cfg)
		if err != nil {
			return results, err
		}
		results[source.ID] = result
		if result.Outcome != LinkMatched {
			continue
		}
		for i, candidate := range remaining {
			if candidate.ID == result.Candidate.ID {
				remaining = append(remaining[:i], remaining[i+1:]...)
				break
			}
		}
	}
	return results, nil
}
