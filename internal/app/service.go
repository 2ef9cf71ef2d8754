package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"easel/api/internal/archive"
	"easel/api/internal/autosave"
	"easel/api/internal/identity"
	"easel/api/internal/search"
	"easel/api/internal/session"
	"easel/api/internal/store"
	"easel/api/internal/util"
)

// Session is the request-scoped caller identity. The zero value is an
// anonymous caller.
type Session struct {
	UserID        string
	Email         string
	Name          string
	Authenticated bool
}

type dataStore interface {
	UpsertUser(ctx context.Context, user store.User) (store.User, error)
	InsertProject(ctx context.Context, project store.Project) (store.Project, error)
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	GetProjectMeta(ctx context.Context, projectID string) (store.Project, error)
	ListProjectsByOwner(ctx context.Context, ownerID, titleFilter string) ([]store.Project, error)
	ListProjectsByIDs(ctx context.Context, ids []string) ([]store.Project, error)
	UpdateProject(ctx context.Context, projectID string, update store.ProjectUpdate) (store.Project, error)
	TogglePublished(ctx context.Context, projectID string) (bool, error)
	DeleteProject(ctx context.Context, projectID string) error
	InsertComment(ctx context.Context, comment store.Comment) (store.Comment, error)
	ListComments(ctx context.Context, projectID string) ([]store.Comment, error)
	CommentCount(ctx context.Context, projectID string) (int, error)
	Ping(ctx context.Context) error
}

type thumbStore interface {
	Upload(ctx context.Context, projectID string, image []byte) (string, error)
	Remove(ctx context.Context, url string) error
}

type previewCapturer interface {
	Capture(ctx context.Context, projectID string) ([]byte, error)
}

type archiveStore interface {
	CommitSnapshot(projectID string, record archive.Record, author, message string) (store.SnapshotRevision, error)
	History(projectID string, limit int) ([]store.SnapshotRevision, error)
	SnapshotAt(projectID, hash string) (archive.Record, error)
	Discard(projectID string) error
}

type searchIndex interface {
	ProjectIDs(ctx context.Context, ownerID, text string, limit int) ([]string, bool)
	IndexProject(record search.ProjectRecord)
	DeleteProject(id string)
}

type identityCache interface {
	Lookup(ctx context.Context, tokenHash string) (identity.Identity, error)
	Save(ctx context.Context, tokenHash string, id identity.Identity, ttl time.Duration) error
}

// Deps carries the service's collaborators. Thumbs, Capturer, Archive,
// Search and Cache are all optional; a nil field disables that side effect.
type Deps struct {
	Store       dataStore
	Thumbs      thumbStore
	Capturer    previewCapturer
	Archive     archiveStore
	Search      searchIndex
	Verifier    identity.Verifier
	Cache       identityCache
	IdentityTTL time.Duration

	// AutosaveQuiet is how long snapshot edits must settle before the
	// archive commit fires. Zero uses the package default.
	AutosaveQuiet time.Duration
}

type Service struct {
	store    dataStore
	thumbs   thumbStore
	capturer previewCapturer
	archive  archiveStore
	search   searchIndex
	verifier identity.Verifier
	cache    identityCache

	identityTTL time.Duration
	debounce    *autosave.Debouncer
}

func New(deps Deps) *Service {
	s := &Service{
		store:       deps.Store,
		thumbs:      deps.Thumbs,
		capturer:    deps.Capturer,
		archive:     deps.Archive,
		search:      deps.Search,
		verifier:    deps.Verifier,
		cache:       deps.Cache,
		identityTTL: deps.IdentityTTL,
	}
	s.debounce = autosave.New(deps.AutosaveQuiet, s.archiveLatest)
	return s
}

// Close flushes nothing and cancels all pending archive commits.
func (s *Service) Close() {
	s.debounce.Stop()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SessionFromToken verifies a provider ID token, consulting the Redis cache
// first when one is configured.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	tokenHash := identity.HashToken(token)

	if s.cache != nil {
		if cached, err := s.cache.Lookup(ctx, tokenHash); err == nil {
			return sessionFromIdentity(cached), nil
		} else if !errors.Is(err, session.ErrNotCached) {
			log.Printf("session: cache lookup failed: %v", err)
		}
	}

	id, err := s.verifier.Verify(ctx, token)
	if err != nil {
		return Session{}, err
	}

	if s.cache != nil {
		if err := s.cache.Save(ctx, tokenHash, id, s.identityTTL); err != nil {
			log.Printf("session: cache save failed: %v", err)
		}
	}
	return sessionFromIdentity(id), nil
}

func sessionFromIdentity(id identity.Identity) Session {
	return Session{
		UserID:        id.Subject,
		Email:         id.Email,
		Name:          identity.DisplayName(id),
		Authenticated: true,
	}
}

// ensureUser upserts the caller's user row so a project or comment never
// references a missing owner. Invoked at the start of every write path.
func (s *Service) ensureUser(ctx context.Context, session Session) error {
	_, err := s.store.UpsertUser(ctx, store.User{
		ID:          session.UserID,
		Email:       session.Email,
		DisplayName: session.Name,
	})
	if err != nil {
		return fmt.Errorf("ensure user %s: %w", session.UserID, err)
	}
	return nil
}

type CreateProjectInput struct {
	Title     string
	Snapshot  json.RawMessage
	Thumbnail string // base64 or data-URL encoded PNG, optional
}

func (s *Service) CreateProject(ctx context.Context, session Session, input CreateProjectInput) (map[string]any, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "title is required", nil)
	}
	snapshot := presentJSON(input.Snapshot)
	if snapshot == nil {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "snapshot is required", nil)
	}

	var image []byte
	if strings.TrimSpace(input.Thumbnail) != "" {
		decoded, err := decodeThumbnail(input.Thumbnail)
		if err != nil {
			return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "thumbnail must be base64-encoded", nil)
		}
		image = decoded
	}

	if err := s.ensureUser(ctx, session); err != nil {
		return nil, err
	}

	projectID := util.NewID("prj")

	var thumbnailURL *string
	if image != nil && s.thumbs != nil {
		url, err := s.thumbs.Upload(ctx, projectID, image)
		if err != nil {
			log.Printf("thumbs: upload for %s failed, creating without preview: %v", projectID, err)
		} else {
			thumbnailURL = &url
		}
	}

	created, err := s.store.InsertProject(ctx, store.Project{
		ID:           projectID,
		OwnerID:      session.UserID,
		Title:        title,
		Snapshot:     snapshot,
		ThumbnailURL: thumbnailURL,
	})
	if err != nil {
		// Do not leave an orphaned object behind when the row never
		// materialized.
		if thumbnailURL != nil && s.thumbs != nil {
			if removeErr := s.thumbs.Remove(ctx, *thumbnailURL); removeErr != nil {
				log.Printf("thumbs: remove preview after failed create %s: %v", projectID, removeErr)
			}
		}
		return nil, fmt.Errorf("create project: %w", err)
	}

	s.commitRevision(created, session.Name, "create")
	s.indexProject(created)

	return projectPayload(created, false), nil
}

// ListProjects returns the caller's projects, newest update first. A search
// term filters by title, via Meilisearch when healthy and SQL otherwise.
func (s *Service) ListProjects(ctx context.Context, session Session, searchTerm string) (map[string]any, error) {
	searchTerm = strings.TrimSpace(searchTerm)

	if searchTerm != "" && s.search != nil {
		if ids, ok := s.search.ProjectIDs(ctx, session.UserID, searchTerm, 50); ok {
			items, err := s.store.ListProjectsByIDs(ctx, ids)
			if err != nil {
				return nil, fmt.Errorf("list projects: %w", err)
			}
			// The index may rank by relevance and admit typo-tolerant
			// hits; the list contract is substring containment ordered
			// by most recent update.
			return map[string]any{"projects": matchingProjectPayloads(items, session.UserID, searchTerm)}, nil
		}
	}

	items, err := s.store.ListProjectsByOwner(ctx, session.UserID, searchTerm)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	payloads := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payloads = append(payloads, projectPayload(item, false))
	}
	return map[string]any{"projects": payloads}, nil
}

// GetProject returns the full project including the snapshot. Readable iff
// the requester owns it or it is published; anonymous callers may read
// published projects.
func (s *Service) GetProject(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !canView(project, session) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Project is not published", nil)
	}

	payload := projectPayload(project, true)
	if count, err := s.store.CommentCount(ctx, projectID); err != nil {
		log.Printf("store: comment count for %s: %v", projectID, err)
	} else {
		payload["commentCount"] = count
	}
	return payload, nil
}

type UpdateProjectInput struct {
	Title     *string
	Snapshot  json.RawMessage
	Thumbnail string // base64 or data-URL encoded PNG, optional
}

func (s *Service) UpdateProject(ctx context.Context, session Session, projectID string, input UpdateProjectInput) (map[string]any, error) {
	existing, err := s.requireOwnership(ctx, session, projectID)
	if err != nil {
		return nil, err
	}

	snapshot := presentJSON(input.Snapshot)
	update := store.ProjectUpdate{Snapshot: snapshot}
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "title must not be blank", nil)
		}
		update.Title = &title
	}

	if strings.TrimSpace(input.Thumbnail) != "" {
		image, err := decodeThumbnail(input.Thumbnail)
		if err != nil {
			return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "thumbnail must be base64-encoded", nil)
		}
		if s.thumbs != nil {
			if existing.ThumbnailURL != nil {
				if err := s.thumbs.Remove(ctx, *existing.ThumbnailURL); err != nil {
					log.Printf("thumbs: remove old preview for %s: %v", projectID, err)
				}
			}
			url, err := s.thumbs.Upload(ctx, projectID, image)
			if err != nil {
				log.Printf("thumbs: replace preview for %s failed, keeping metadata update: %v", projectID, err)
			} else {
				update.ThumbnailURL = &url
			}
		}
	}

	updated, err := s.store.UpdateProject(ctx, projectID, update)
	if err != nil {
		return nil, err
	}

	if snapshot != nil {
		s.debounce.Touch(projectID)
	}
	if update.Title != nil {
		s.indexProject(updated)
	}

	return projectPayload(updated, true), nil
}

func (s *Service) DeleteProject(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	existing, err := s.requireOwnership(ctx, session, projectID)
	if err != nil {
		return nil, err
	}

	if existing.ThumbnailURL != nil && s.thumbs != nil {
		if err := s.thumbs.Remove(ctx, *existing.ThumbnailURL); err != nil {
			log.Printf("thumbs: remove preview for deleted %s: %v", projectID, err)
		}
	}

	s.debounce.Cancel(projectID)

	if err := s.store.DeleteProject(ctx, projectID); err != nil {
		return nil, err
	}

	if s.archive != nil {
		if err := s.archive.Discard(projectID); err != nil {
			log.Printf("archive: discard %s: %v", projectID, err)
		}
	}
	if s.search != nil {
		s.search.DeleteProject(projectID)
	}

	return map[string]any{"ok": true}, nil
}

// TogglePublish flips the publish flag and returns the new value. Publishing
// flushes any pending archive commit and, when the project still has no
// preview, kicks off a best-effort headless capture of the viewer page.
func (s *Service) TogglePublish(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	existing, err := s.requireOwnership(ctx, session, projectID)
	if err != nil {
		return nil, err
	}

	published, err := s.store.TogglePublished(ctx, projectID)
	if err != nil {
		return nil, err
	}

	if published {
		s.debounce.Flush(projectID)
		if existing.ThumbnailURL == nil && s.capturer != nil && s.thumbs != nil {
			go s.captureMissingPreview(projectID)
		}
	}

	return map[string]any{"published": published}, nil
}

func (s *Service) CreateComment(ctx context.Context, session Session, projectID, content string) (map[string]any, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "content is required", nil)
	}
	if strings.TrimSpace(projectID) == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "projectId is required", nil)
	}

	project, err := s.store.GetProjectMeta(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !project.Published {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Cannot comment on unpublished project", nil)
	}

	if err := s.ensureUser(ctx, session); err != nil {
		return nil, err
	}

	created, err := s.store.InsertComment(ctx, store.Comment{
		ID:        util.NewID("cmt"),
		ProjectID: projectID,
		AuthorID:  session.UserID,
		Content:   content,
	})
	if err != nil {
		return nil, fmt.Errorf("create comment: %w", err)
	}
	created.AuthorName = session.Name
	created.AuthorEmail = session.Email

	return commentPayload(created), nil
}

// ListComments is public but only serves published projects. Unpublishing
// hides the list; the rows stay in storage.
func (s *Service) ListComments(ctx context.Context, projectID string) (map[string]any, error) {
	project, err := s.store.GetProjectMeta(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !project.Published {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Project is not published", nil)
	}

	items, err := s.store.ListComments(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	payloads := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payloads = append(payloads, commentPayload(item))
	}
	return map[string]any{"comments": payloads}, nil
}

// History lists snapshot revisions under the same visibility rule as Get.
func (s *Service) History(ctx context.Context, session Session, projectID string, limit int) (map[string]any, error) {
	project, err := s.store.GetProjectMeta(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !canView(project, session) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Project is not published", nil)
	}
	if s.archive == nil {
		return map[string]any{"revisions": []map[string]any{}}, nil
	}

	revisions, err := s.archive.History(projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("snapshot history: %w", err)
	}
	payloads := make([]map[string]any, 0, len(revisions))
	for _, revision := range revisions {
		payloads = append(payloads, revisionPayload(revision))
	}
	return map[string]any{"revisions": payloads}, nil
}

// SnapshotAt returns the snapshot recorded at a revision hash.
func (s *Service) SnapshotAt(ctx context.Context, session Session, projectID, hash string) (map[string]any, error) {
	project, err := s.store.GetProjectMeta(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !canView(project, session) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Project is not published", nil)
	}
	if s.archive == nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Revision not found", nil)
	}

	record, err := s.archive.SnapshotAt(projectID, hash)
	if err != nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Revision not found", nil)
	}
	return map[string]any{
		"hash":     hash,
		"title":    record.Title,
		"snapshot": record.Snapshot,
	}, nil
}

func (s *Service) requireOwnership(ctx context.Context, session Session, projectID string) (store.Project, error) {
	project, err := s.store.GetProjectMeta(ctx, projectID)
	if err != nil {
		return store.Project{}, err
	}
	if project.OwnerID != session.UserID {
		return store.Project{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return project, nil
}

func canView(project store.Project, session Session) bool {
	if project.Published {
		return true
	}
	return session.Authenticated && session.UserID == project.OwnerID
}

// archiveLatest is the debounced autosave sink: it reads the current row and
// commits it to the project's archive once edits have settled.
func (s *Service) archiveLatest(projectID string) {
	if s.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		if !store.IsNotFound(err) {
			log.Printf("archive: load %s for autosave: %v", projectID, err)
		}
		return
	}

	owner := project.OwnerID
	s.commitRevision(project, owner, "autosave")
}

func (s *Service) commitRevision(project store.Project, author, message string) {
	if s.archive == nil {
		return
	}
	record := archive.Record{Title: project.Title, Snapshot: project.Snapshot}
	if _, err := s.archive.CommitSnapshot(project.ID, record, author, message); err != nil {
		log.Printf("archive: commit %s: %v", project.ID, err)
	}
}

func (s *Service) indexProject(project store.Project) {
	if s.search == nil {
		return
	}
	s.search.IndexProject(search.ProjectRecord{
		ID:        project.ID,
		OwnerID:   project.OwnerID,
		Title:     project.Title,
		UpdatedAt: project.UpdatedAt.Unix(),
	})
}

func (s *Service) captureMissingPreview(projectID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	image, err := s.capturer.Capture(ctx, projectID)
	if err != nil {
		log.Printf("thumbs: capture preview for %s: %v", projectID, err)
		return
	}
	url, err := s.thumbs.Upload(ctx, projectID, image)
	if err != nil {
		log.Printf("thumbs: upload captured preview for %s: %v", projectID, err)
		return
	}
	if _, err := s.store.UpdateProject(ctx, projectID, store.ProjectUpdate{ThumbnailURL: &url}); err != nil {
		log.Printf("thumbs: record captured preview for %s: %v", projectID, err)
	}
}

// matchingProjectPayloads applies the list contract to index-served rows:
// owned by the caller, title containing the term case-insensitively, most
// recently updated first.
func matchingProjectPayloads(items []store.Project, ownerID, term string) []map[string]any {
	needle := strings.ToLower(term)
	matched := make([]store.Project, 0, len(items))
	for _, item := range items {
		if item.OwnerID != ownerID {
			continue
		}
		if !strings.Contains(strings.ToLower(item.Title), needle) {
			continue
		}
		matched = append(matched, item)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})
	payloads := make([]map[string]any, 0, len(matched))
	for _, item := range matched {
		payloads = append(payloads, projectPayload(item, false))
	}
	return payloads
}

// presentJSON normalizes an optional JSON field: absent and explicit null
// both mean "not provided".
func presentJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return raw
}

func projectPayload(project store.Project, includeSnapshot bool) map[string]any {
	payload := map[string]any{
		"id":           project.ID,
		"ownerId":      project.OwnerID,
		"title":        project.Title,
		"thumbnailUrl": nil,
		"published":    project.Published,
		"createdAt":    project.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":    project.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if project.ThumbnailURL != nil {
		payload["thumbnailUrl"] = *project.ThumbnailURL
	}
	if includeSnapshot {
		payload["snapshot"] = project.Snapshot
	}
	return payload
}

func commentPayload(comment store.Comment) map[string]any {
	return map[string]any{
		"id":        comment.ID,
		"projectId": comment.ProjectID,
		"content":   comment.Content,
		"createdAt": comment.CreatedAt.UTC().Format(time.RFC3339),
		"author": map[string]any{
			"id":    comment.AuthorID,
			"name":  comment.AuthorName,
			"email": comment.AuthorEmail,
		},
	}
}

func revisionPayload(revision store.SnapshotRevision) map[string]any {
	return map[string]any{
		"hash":      revision.Hash,
		"message":   strings.TrimSpace(revision.Message),
		"author":    revision.Author,
		"createdAt": revision.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func decodeThumbnail(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if idx := strings.Index(payload, ";base64,"); idx >= 0 && strings.HasPrefix(payload, "data:") {
		payload = payload[idx+len(";base64,"):]
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode thumbnail: %w", err)
	}
	if len(decoded) == 0 {
		return nil, errors.New("empty thumbnail payload")
	}
	return decoded, nil
}
