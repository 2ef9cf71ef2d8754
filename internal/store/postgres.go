package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// UpsertUser creates or refreshes the user row for an identity-provider
// subject. Called at the start of every write path so a project or comment
// never references a missing owner.
func (s *PostgresStore) UpsertUser(ctx context.Context, user User) (User, error) {
	const query = `
		INSERT INTO users (id, email, display_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
			SET email = EXCLUDED.email,
			    display_name = EXCLUDED.display_name,
			    updated_at = NOW()
		RETURNING id, email, display_name, created_at, updated_at
	`
	var out User
	err := s.db.QueryRowContext(ctx, query, user.ID, user.Email, user.DisplayName).
		Scan(&out.ID, &out.Email, &out.DisplayName, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return User{}, fmt.Errorf("upsert user: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, created_at, updated_at
		FROM users
		WHERE id = $1
	`, userID).Scan(&user.ID, &user.Email, &user.DisplayName, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) InsertProject(ctx context.Context, project Project) (Project, error) {
	const query = `
		INSERT INTO projects (id, owner_id, title, snapshot, thumbnail_url)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, owner_id, title, snapshot, thumbnail_url, published, created_at, updated_at
	`
	var out Project
	err := s.db.QueryRowContext(ctx, query,
		project.ID, project.OwnerID, project.Title, []byte(project.Snapshot), project.ThumbnailURL,
	).Scan(&out.ID, &out.OwnerID, &out.Title, &out.Snapshot, &out.ThumbnailURL, &out.Published, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("insert project: %w", err)
	}
	return out, nil
}

// GetProject returns the full row including the snapshot.
func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, snapshot, thumbnail_url, published, created_at, updated_at
		FROM projects
		WHERE id = $1
	`, projectID).Scan(&item.ID, &item.OwnerID, &item.Title, &item.Snapshot, &item.ThumbnailURL, &item.Published, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

// GetProjectMeta returns the row without the snapshot payload.
func (s *PostgresStore) GetProjectMeta(ctx context.Context, projectID string) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, thumbnail_url, published, created_at, updated_at
		FROM projects
		WHERE id = $1
	`, projectID).Scan(&item.ID, &item.OwnerID, &item.Title, &item.ThumbnailURL, &item.Published, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

// ListProjectsByOwner returns the owner's projects, newest update first,
// snapshots excluded. titleFilter is a case-insensitive substring match;
// empty means no filter.
func (s *PostgresStore) ListProjectsByOwner(ctx context.Context, ownerID, titleFilter string) ([]Project, error) {
	query := `
		SELECT id, owner_id, title, thumbnail_url, published, created_at, updated_at
		FROM projects
		WHERE owner_id = $1
	`
	args := []any{ownerID}
	if strings.TrimSpace(titleFilter) != "" {
		query += ` AND title ILIKE '%' || $2 || '%'`
		args = append(args, strings.TrimSpace(titleFilter))
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		var item Project
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.Title, &item.ThumbnailURL, &item.Published, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

// ListProjectsByIDs returns the named projects without snapshots, in no
// particular order. Callers that care about ranking reorder the result.
func (s *PostgresStore) ListProjectsByIDs(ctx context.Context, ids []string) ([]Project, error) {
	if len(ids) == 0 {
		return []Project{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, thumbnail_url, published, created_at, updated_at
		FROM projects
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("list projects by ids: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0, len(ids))
	for rows.Next() {
		var item Project
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.Title, &item.ThumbnailURL, &item.Published, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

// ListAllProjectMetas streams every project's id, owner, title and update
// time. Used to rebuild the search index on startup.
func (s *PostgresStore) ListAllProjectMetas(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, updated_at
		FROM projects
	`)
	if err != nil {
		return nil, fmt.Errorf("list all project metas: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		var item Project
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.Title, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project meta: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project metas: %w", err)
	}
	return items, nil
}

// UpdateProject applies a partial update. updated_at advances on every call
// regardless of which fields changed.
func (s *PostgresStore) UpdateProject(ctx context.Context, projectID string, update ProjectUpdate) (Project, error) {
	const query = `
		UPDATE projects
		SET title = COALESCE($2, title),
		    snapshot = COALESCE($3, snapshot),
		    thumbnail_url = COALESCE($4, thumbnail_url),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id, owner_id, title, snapshot, thumbnail_url, published, created_at, updated_at
	`
	var snapshot []byte
	if update.Snapshot != nil {
		snapshot = []byte(update.Snapshot)
	}
	var out Project
	err := s.db.QueryRowContext(ctx, query, projectID, update.Title, snapshot, update.ThumbnailURL).
		Scan(&out.ID, &out.OwnerID, &out.Title, &out.Snapshot, &out.ThumbnailURL, &out.Published, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	return out, nil
}

// TogglePublished flips the publish flag and returns the new value.
func (s *PostgresStore) TogglePublished(ctx context.Context, projectID string) (bool, error) {
	var published bool
	err := s.db.QueryRowContext(ctx, `
		UPDATE projects
		SET published = NOT published, updated_at = NOW()
		WHERE id = $1
		RETURNING published
	`, projectID).Scan(&published)
	if err != nil {
		return false, err
	}
	return published, nil
}

// DeleteProject removes the row; comments go with it via ON DELETE CASCADE.
func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete project rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) (Comment, error) {
	const query = `
		INSERT INTO comments (id, project_id, author_id, content)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`
	out := comment
	err := s.db.QueryRowContext(ctx, query, comment.ID, comment.ProjectID, comment.AuthorID, comment.Content).
		Scan(&out.CreatedAt)
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return out, nil
}

// ListComments returns a project's comments oldest first, with author
// summaries joined in.
func (s *PostgresStore) ListComments(ctx context.Context, projectID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.project_id, c.author_id, c.content, c.created_at, u.display_name, u.email
		FROM comments c
		JOIN users u ON u.id = c.author_id
		WHERE c.project_id = $1
		ORDER BY c.created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.AuthorID, &item.Content, &item.CreatedAt, &item.AuthorName, &item.AuthorEmail); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CommentCount(ctx context.Context, projectID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM comments WHERE project_id = $1`, projectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count comments: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// IsNotFound reports whether err is the store's no-rows sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
