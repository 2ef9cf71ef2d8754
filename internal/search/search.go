// Package search indexes project titles in Meilisearch with a SQL ILIKE
// fallback when the search backend is down.
package search

// ProjectRecord is the data we index per project.
type ProjectRecord struct {
	ID        string `json:"id"`
	OwnerID   string `json:"ownerId"`
	Title     string `json:"title"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Index can push project records into a search index.
type Index interface {
	IndexProject(record ProjectRecord) error
	DeleteProject(id string) error
	SearchProjectIDs(ownerID, text string, limit int) ([]string, error)
	Healthy() bool
}
