package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"easel/api/internal/archive"
	"easel/api/internal/identity"
	"easel/api/internal/search"
	"easel/api/internal/store"
)

// fakeStore is an in-memory dataStore with the same semantics as the
// Postgres implementation: sql.ErrNoRows for misses, COALESCE updates,
// cascade delete of comments.
type fakeStore struct {
	mu       sync.Mutex
	seq      int64
	users    map[string]store.User
	projects map[string]store.Project
	comments map[string][]store.Comment

	failUpsertUser    bool
	failInsertProject bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[string]store.User),
		projects: make(map[string]store.Project),
		comments: make(map[string][]store.Comment),
	}
}

// tick returns strictly increasing timestamps so update ordering is
// deterministic even when calls land in the same wall-clock instant.
func (f *fakeStore) tick() time.Time {
	f.seq++
	return time.Unix(1700000000+f.seq, 0).UTC()
}

func (f *fakeStore) UpsertUser(ctx context.Context, user store.User) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpsertUser {
		return store.User{}, errors.New("upsert failed")
	}
	now := f.tick()
	existing, ok := f.users[user.ID]
	if !ok {
		existing = store.User{ID: user.ID, CreatedAt: now}
	}
	existing.Email = user.Email
	existing.DisplayName = user.DisplayName
	existing.UpdatedAt = now
	f.users[user.ID] = existing
	return existing, nil
}

func (f *fakeStore) InsertProject(ctx context.Context, project store.Project) (store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsertProject {
		return store.Project{}, errors.New("insert failed")
	}
	now := f.tick()
	project.CreatedAt = now
	project.UpdatedAt = now
	f.projects[project.ID] = project
	return project, nil
}

func (f *fakeStore) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	project, ok := f.projects[projectID]
	if !ok {
		return store.Project{}, sql.ErrNoRows
	}
	return project, nil
}

func (f *fakeStore) GetProjectMeta(ctx context.Context, projectID string) (store.Project, error) {
	project, err := f.GetProject(ctx, projectID)
	if err != nil {
		return store.Project{}, err
	}
	project.Snapshot = nil
	return project, nil
}

func (f *fakeStore) ListProjectsByOwner(ctx context.Context, ownerID, titleFilter string) ([]store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	filter := strings.ToLower(strings.TrimSpace(titleFilter))
	items := make([]store.Project, 0)
	for _, project := range f.projects {
		if project.OwnerID != ownerID {
			continue
		}
		if filter != "" && !strings.Contains(strings.ToLower(project.Title), filter) {
			continue
		}
		project.Snapshot = nil
		items = append(items, project)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	return items, nil
}

func (f *fakeStore) ListProjectsByIDs(ctx context.Context, ids []string) ([]store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Project, 0, len(ids))
	for _, id := range ids {
		if project, ok := f.projects[id]; ok {
			project.Snapshot = nil
			items = append(items, project)
		}
	}
	return items, nil
}

func (f *fakeStore) UpdateProject(ctx context.Context, projectID string, update store.ProjectUpdate) (store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	project, ok := f.projects[projectID]
	if !ok {
		return store.Project{}, sql.ErrNoRows
	}
	if update.Title != nil {
		project.Title = *update.Title
	}
	if update.Snapshot != nil {
		project.Snapshot = update.Snapshot
	}
	if update.ThumbnailURL != nil {
		project.ThumbnailURL = update.ThumbnailURL
	}
	project.UpdatedAt = f.tick()
	f.projects[projectID] = project
	return project, nil
}

func (f *fakeStore) TogglePublished(ctx context.Context, projectID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	project, ok := f.projects[projectID]
	if !ok {
		return false, sql.ErrNoRows
	}
	project.Published = !project.Published
	project.UpdatedAt = f.tick()
	f.projects[projectID] = project
	return project.Published, nil
}

func (f *fakeStore) DeleteProject(ctx context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[projectID]; !ok {
		return sql.ErrNoRows
	}
	delete(f.projects, projectID)
	delete(f.comments, projectID)
	return nil
}

func (f *fakeStore) InsertComment(ctx context.Context, comment store.Comment) (store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	comment.CreatedAt = f.tick()
	f.comments[comment.ProjectID] = append(f.comments[comment.ProjectID], comment)
	return comment, nil
}

func (f *fakeStore) ListComments(ctx context.Context, projectID string) ([]store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Comment, 0, len(f.comments[projectID]))
	for _, comment := range f.comments[projectID] {
		if author, ok := f.users[comment.AuthorID]; ok {
			comment.AuthorName = author.DisplayName
			comment.AuthorEmail = author.Email
		}
		items = append(items, comment)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (f *fakeStore) CommentCount(ctx context.Context, projectID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.comments[projectID]), nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	return nil
}

type fakeThumbs struct {
	mu         sync.Mutex
	uploads    map[string]int
	removed    []string
	failUpload bool
}

func newFakeThumbs() *fakeThumbs {
	return &fakeThumbs{uploads: make(map[string]int)}
}

func (f *fakeThumbs) Upload(ctx context.Context, projectID string, image []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpload {
		return "", errors.New("object store unavailable")
	}
	f.uploads[projectID]++
	return fmt.Sprintf("http://thumbs.local/easel-thumbs/thumbs/%s.png", projectID), nil
}

func (f *fakeThumbs) Remove(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, url)
	return nil
}

func (f *fakeThumbs) removedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.removed)
}

type fakeArchive struct {
	mu        sync.Mutex
	seq       int
	revisions map[string][]store.SnapshotRevision
	records   map[string]map[string]archive.Record
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{
		revisions: make(map[string][]store.SnapshotRevision),
		records:   make(map[string]map[string]archive.Record),
	}
}

func (f *fakeArchive) CommitSnapshot(projectID string, record archive.Record, author, message string) (store.SnapshotRevision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	revision := store.SnapshotRevision{
		Hash:      fmt.Sprintf("rev%04d", f.seq),
		Message:   message,
		Author:    author,
		CreatedAt: time.Unix(1700000000+int64(f.seq), 0).UTC(),
	}
	f.revisions[projectID] = append(f.revisions[projectID], revision)
	if f.records[projectID] == nil {
		f.records[projectID] = make(map[string]archive.Record)
	}
	f.records[projectID][revision.Hash] = record
	return revision, nil
}

func (f *fakeArchive) History(projectID string, limit int) ([]store.SnapshotRevision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.revisions[projectID]
	items := make([]store.SnapshotRevision, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		items = append(items, all[i])
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	return items, nil
}

func (f *fakeArchive) SnapshotAt(projectID, hash string) (archive.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[projectID][hash]
	if !ok {
		return archive.Record{}, errors.New("revision not found")
	}
	return record, nil
}

func (f *fakeArchive) Discard(projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.revisions, projectID)
	delete(f.records, projectID)
	return nil
}

func (f *fakeArchive) commitCount(projectID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.revisions[projectID])
}

// fakeSearch stands in for the Meilisearch facade and returns a canned ID
// list, the way a relevance-ranked, typo-tolerant index would.
type fakeSearch struct {
	ids     []string
	served  bool
	deleted []string
}

func (f *fakeSearch) ProjectIDs(ctx context.Context, ownerID, text string, limit int) ([]string, bool) {
	return f.ids, f.served
}

func (f *fakeSearch) IndexProject(record search.ProjectRecord) {}

func (f *fakeSearch) DeleteProject(id string) {
	f.deleted = append(f.deleted, id)
}

type fakeVerifier struct {
	tokens map[string]identity.Identity
}

func (f *fakeVerifier) Verify(ctx context.Context, token string) (identity.Identity, error) {
	id, ok := f.tokens[token]
	if !ok {
		return identity.Identity{}, identity.ErrInvalidToken
	}
	return id, nil
}

type testEnv struct {
	service *Service
	store   *fakeStore
	thumbs  *fakeThumbs
	archive *fakeArchive
	search  *fakeSearch
}

// newTestEnv wires the service against fakes. The search fake reports a miss
// by default, so lists exercise the SQL path unless a test flips served.
func newTestEnv() *testEnv {
	st := newFakeStore()
	th := newFakeThumbs()
	ar := newFakeArchive()
	se := &fakeSearch{}
	verifier := &fakeVerifier{tokens: map[string]identity.Identity{
		"token-maya":  {Subject: "uid-maya", Email: "maya@example.com", Name: "Maya"},
		"token-devon": {Subject: "uid-devon", Email: "devon@example.com", Name: "Devon"},
	}}
	svc := New(Deps{
		Store:         st,
		Thumbs:        th,
		Archive:       ar,
		Search:        se,
		Verifier:      verifier,
		AutosaveQuiet: time.Hour, // only Flush fires during tests
	})
	return &testEnv{service: svc, store: st, thumbs: th, archive: ar, search: se}
}

var (
	mayaSession  = Session{UserID: "uid-maya", Email: "maya@example.com", Name: "Maya", Authenticated: true}
	devonSession = Session{UserID: "uid-devon", Email: "devon@example.com", Name: "Devon", Authenticated: true}
	anonSession  = Session{}
)
