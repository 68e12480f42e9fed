package database

import (
	"context"
	"database/sql"

	"github.com/odvcencio/jjsync/internal/models"
)

// DB defines the data access interface. Implemented by SQLite and PostgreSQL backends.
//
// Lookups that find nothing return sql.ErrNoRows. Upserts are scoped to the
// rows passed in and never truncate a table.
type DB interface {
	Close() error
	Migrate(ctx context.Context) error
	DBStats() sql.DBStats

	// Repositories catalog
	CreateRepository(ctx context.Context, repo *models.Repository) error
	GetRepository(ctx context.Context, ownerName, repoName string) (*models.Repository, error)
	GetRepositoryByID(ctx context.Context, id int64) (*models.Repository, error)
	ListRepositories(ctx context.Context) ([]models.Repository, error)

	// Changes
	UpsertChanges(ctx context.Context, repoID int64, changes []models.Change) error
	ListChanges(ctx context.Context, repoID int64) ([]models.Change, error)

	// Bookmarks
	UpsertBookmarks(ctx context.Context, repoID int64, bookmarks []models.Bookmark, prune bool) error
	ListBookmarks(ctx context.Context, repoID int64) ([]models.Bookmark, error)

	// Operations
	UpsertOperations(ctx context.Context, repoID int64, ops []models.Operation) error
	ListOperations(ctx context.Context, repoID int64) ([]models.Operation, error)

	// Conflicts. When resolveMissing is set, stored conflicts of the repository
	// that are absent from conflicts are flagged resolved.
	UpsertConflicts(ctx context.Context, repoID int64, conflicts []models.Conflict, resolveMissing bool) error
	ListConflicts(ctx context.Context, repoID int64) ([]models.Conflict, error)
}
