// Package jj reads repository state from Jujutsu (jj) workspaces.
//
// The Reader/Handle pair is the narrow contract the sync service needs from
// the version-control engine: open a workspace, list bounded sets of changes,
// bookmarks, operations and conflicts, then release the handle. The default
// implementation shells out to the jj CLI; tests substitute fakes.
package jj

import (
	"context"
	"errors"

	"github.com/odvcencio/jjsync/internal/models"
)

var (
	// ErrNotWorkspace is returned when a path has no .jj directory or jj
	// refuses to load it.
	ErrNotWorkspace = errors.New("not a jj workspace")

	// ErrHandleClosed is returned by Handle methods after Close.
	ErrHandleClosed = errors.New("jj handle closed")

	// ErrUnavailable is returned when the jj binary cannot be executed.
	ErrUnavailable = errors.New("jj binary not available")
)

// Reader opens read handles on jj workspaces.
type Reader interface {
	Open(ctx context.Context, path string) (Handle, error)
}

// Handle is a scoped read session on one workspace. Implementations must be
// safe for concurrent use by multiple goroutines until Close is called.
//
// Records are returned without RepositoryID; the caller assigns it.
type Handle interface {
	// ListChanges returns at most limit visible changes, newest first.
	ListChanges(ctx context.Context, limit int) ([]models.Change, error)

	// ListBookmarks returns local bookmarks that resolve to a single change.
	ListBookmarks(ctx context.Context) ([]models.Bookmark, error)

	// ListOperations returns at most limit operation log entries, newest first.
	ListOperations(ctx context.Context, limit int) ([]models.Operation, error)

	// ListConflicts returns at most limit conflicted paths across visible changes.
	ListConflicts(ctx context.Context, limit int) ([]models.Conflict, error)

	Close() error
}
