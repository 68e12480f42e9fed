package models

import "time"

// Repository is a row of the repositories catalog. The catalog is owned by the
// hosting front-end; this service only reads it and references its IDs.
type Repository struct {
	ID            int64     `json:"id"`
	OwnerName     string    `json:"owner_name"`
	Name          string    `json:"name"`
	DefaultBranch string    `json:"default_branch"`
	StoragePath   string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// Change is one node of the commit graph.
type Change struct {
	ChangeID     string    `json:"change_id"`
	RepositoryID int64     `json:"repository_id"`
	CommitID     string    `json:"commit_id"`
	Description  string    `json:"description"`
	AuthorName   string    `json:"author_name"`
	AuthorEmail  string    `json:"author_email"`
	Timestamp    time.Time `json:"timestamp"`
	IsEmpty      bool      `json:"is_empty"`
	HasConflicts bool      `json:"has_conflicts"`
}

// Bookmark is a named pointer to a change, unique per (repository, name).
type Bookmark struct {
	RepositoryID   int64  `json:"repository_id"`
	Name           string `json:"name"`
	TargetChangeID string `json:"target_change_id"`
	IsDefault      bool   `json:"is_default"`
}

// Operation is one entry of the operation log.
type Operation struct {
	OperationID   string    `json:"operation_id"`
	RepositoryID  int64     `json:"repository_id"`
	OperationType string    `json:"operation_type"`
	Description   string    `json:"description"`
	Timestamp     time.Time `json:"timestamp"`
	IsUndone      bool      `json:"is_undone"`
}

// Conflict is a content conflict at one path of one change, unique per (change, path).
type Conflict struct {
	RepositoryID int64  `json:"repository_id"`
	ChangeID     string `json:"change_id"`
	FilePath     string `json:"file_path"`
	Resolved     bool   `json:"resolved"`
}

// EntityType names one of the replicated tables.
type EntityType string

const (
	EntityChanges    EntityType = "changes"
	EntityBookmarks  EntityType = "bookmarks"
	EntityOperations EntityType = "operations"
	EntityConflicts  EntityType = "conflicts"
)

// EntityTypes lists every replicated entity in a stable order.
var EntityTypes = []EntityType{EntityChanges, EntityBookmarks, EntityOperations, EntityConflicts}

// ConflictKey returns the uniqueness key of a conflict row.
func ConflictKey(changeID, filePath string) string {
	return changeID + "\x00" + filePath
}
