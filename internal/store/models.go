package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID          string
	Email       string
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Project struct {
	ID           string
	OwnerID      string
	Title        string
	Snapshot     json.RawMessage
	ThumbnailURL *string
	Published    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Comment struct {
	ID        string
	ProjectID string
	AuthorID  string
	Content   string
	CreatedAt time.Time
	// Joined author summary for API responses
	AuthorName  string
	AuthorEmail string
}

// ProjectUpdate carries a partial update; nil fields are left unchanged.
type ProjectUpdate struct {
	Title        *string
	Snapshot     json.RawMessage
	ThumbnailURL *string
}

type SnapshotRevision struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}
