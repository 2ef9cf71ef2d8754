package search

import (
	"context"
	"log"
)

// Service is the facade the application talks to. It pushes index updates to
// Meilisearch fire-and-forget and answers queries from it when healthy;
// callers fall back to a SQL title match otherwise.
type Service struct {
	meili *Meili
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured, in which case every lookup reports a miss.
func NewService(meili *Meili) *Service {
	return &Service{meili: meili}
}

// ProjectIDs returns relevance-ordered project IDs for the owner's title
// query. The second return is false when Meilisearch could not serve the
// query and the caller should fall back to SQL.
func (s *Service) ProjectIDs(ctx context.Context, ownerID, text string, limit int) ([]string, bool) {
	if s.meili == nil || !s.meili.Healthy() {
		return nil, false
	}
	ids, err := s.meili.SearchProjectIDs(ownerID, text, limit)
	if err != nil {
		log.Printf("search: meilisearch error, falling back to sql: %v", err)
		return nil, false
	}
	return ids, true
}

// IndexProject indexes a project (fire-and-forget).
func (s *Service) IndexProject(record ProjectRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexProject(record); err != nil {
			log.Printf("search: index project %s: %v", record.ID, err)
		}
	}()
}

// DeleteProject removes a project from the index (fire-and-forget).
func (s *Service) DeleteProject(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteProject(id); err != nil {
			log.Printf("search: delete project %s: %v", id, err)
		}
	}()
}

// ReindexAll pushes a full set of project records into Meilisearch. Called on
// startup so the index catches up with rows written while it was down.
func (s *Service) ReindexAll(records []ProjectRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexProjects(records); err != nil {
		log.Printf("search: reindex projects: %v", err)
	}
}

// Close stops the underlying health monitor.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}
