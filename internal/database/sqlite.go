package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/odvcencio/jjsync/internal/models"

	_ "modernc.org/sqlite"
)

type SQLiteDB struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and foreign keys
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}
	return &SQLiteDB{db: db}, nil
}

// sqliteDSN applies per-connection pragmas through the DSN so that every pooled
// connection, not only the first one, enforces foreign keys and waits on locks.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func (s *SQLiteDB) Close() error { return s.db.Close() }

func (s *SQLiteDB) DBStats() sql.DBStats { return s.db.Stats() }

func (s *SQLiteDB) PingContext(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteDB) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_name TEXT NOT NULL,
	name TEXT NOT NULL,
	default_branch TEXT NOT NULL DEFAULT 'main',
	storage_path TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(owner_name, name)
);

CREATE TABLE IF NOT EXISTS changes (
	change_id TEXT PRIMARY KEY,
	repository_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	commit_id TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	author_name TEXT NOT NULL DEFAULT '',
	author_email TEXT NOT NULL DEFAULT '',
	timestamp DATETIME NOT NULL,
	is_empty BOOLEAN NOT NULL DEFAULT FALSE,
	has_conflicts BOOLEAN NOT NULL DEFAULT FALSE,
	synced_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_changes_repository ON changes(repository_id, timestamp);

CREATE TABLE IF NOT EXISTS bookmarks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repository_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	target_change_id TEXT NOT NULL DEFAULT '',
	is_default BOOLEAN NOT NULL DEFAULT FALSE,
	synced_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(repository_id, name)
);

CREATE TABLE IF NOT EXISTS jj_operations (
	operation_id TEXT PRIMARY KEY,
	repository_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	operation_type TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	timestamp DATETIME NOT NULL,
	is_undone BOOLEAN NOT NULL DEFAULT FALSE,
	synced_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jj_operations_repository ON jj_operations(repository_id, timestamp);

CREATE TABLE IF NOT EXISTS conflicts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repository_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	change_id TEXT NOT NULL,
	file_path TEXT NOT NULL,
	resolved BOOLEAN NOT NULL DEFAULT FALSE,
	synced_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(change_id, file_path)
);
CREATE INDEX IF NOT EXISTS idx_conflicts_repository ON conflicts(repository_id, resolved);
`

// --- Repositories ---

func (s *SQLiteDB) CreateRepository(ctx context.Context, r *models.Repository) error {
	if r.DefaultBranch == "" {
		r.DefaultBranch = "main"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO repositories (owner_name, name, default_branch, storage_path) VALUES (?, ?, ?, ?)`,
		r.OwnerName, r.Name, r.DefaultBranch, r.StoragePath)
	if err != nil {
		return err
	}
	r.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteDB) GetRepository(ctx context.Context, ownerName, repoName string) (*models.Repository, error) {
	r := &models.Repository{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_name, name, default_branch, storage_path, created_at
		 FROM repositories WHERE owner_name = ? AND name = ?`, ownerName, repoName).
		Scan(&r.ID, &r.OwnerName, &r.Name, &r.DefaultBranch, &r.StoragePath, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLiteDB) GetRepositoryByID(ctx context.Context, id int64) (*models.Repository, error) {
	r := &models.Repository{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_name, name, default_branch, storage_path, created_at
		 FROM repositories WHERE id = ?`, id).
		Scan(&r.ID, &r.OwnerName, &r.Name, &r.DefaultBranch, &r.StoragePath, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLiteDB) ListRepositories(ctx context.Context) ([]models.Repository, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_name, name, default_branch, storage_path, created_at
		 FROM repositories ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var repos []models.Repository
	for rows.Next() {
		var r models.Repository
		if err := rows.Scan(&r.ID, &r.OwnerName, &r.Name, &r.DefaultBranch, &r.StoragePath, &r.CreatedAt); err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// --- Changes ---

func (s *SQLiteDB) UpsertChanges(ctx context.Context, repoID int64, changes []models.Change) error {
	return execBatch(ctx, s.db, batch{
		query: `INSERT INTO changes (change_id, repository_id, commit_id, description, author_name, author_email, timestamp, is_empty, has_conflicts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(change_id) DO UPDATE SET
				 repository_id = excluded.repository_id,
				 commit_id = excluded.commit_id,
				 description = excluded.description,
				 author_name = excluded.author_name,
				 author_email = excluded.author_email,
				 timestamp = excluded.timestamp,
				 is_empty = excluded.is_empty,
				 has_conflicts = excluded.has_conflicts,
				 synced_at = CURRENT_TIMESTAMP`,
		rows: len(changes),
		args: func(i int) []any {
			c := changes[i]
			return []any{c.ChangeID, repoID, c.CommitID, c.Description, c.AuthorName, c.AuthorEmail, c.Timestamp.UTC(), c.IsEmpty, c.HasConflicts}
		},
	})
}

func (s *SQLiteDB) ListChanges(ctx context.Context, repoID int64) ([]models.Change, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT change_id, repository_id, commit_id, description, author_name, author_email, timestamp, is_empty, has_conflicts
		 FROM changes WHERE repository_id = ? ORDER BY timestamp DESC, change_id`, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Change
	for rows.Next() {
		var c models.Change
		if err := rows.Scan(&c.ChangeID, &c.RepositoryID, &c.CommitID, &c.Description, &c.AuthorName, &c.AuthorEmail, &c.Timestamp, &c.IsEmpty, &c.HasConflicts); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Bookmarks ---

func (s *SQLiteDB) UpsertBookmarks(ctx context.Context, repoID int64, bookmarks []models.Bookmark, prune bool) error {
	b := batch{
		query: `INSERT INTO bookmarks (repository_id, name, target_change_id, is_default)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(repository_id, name) DO UPDATE SET
				 target_change_id = excluded.target_change_id,
				 is_default = excluded.is_default,
				 synced_at = CURRENT_TIMESTAMP`,
		rows: len(bookmarks),
		args: func(i int) []any {
			bm := bookmarks[i]
			return []any{repoID, bm.Name, bm.TargetChangeID, bm.IsDefault}
		},
	}
	if prune {
		b.after = func(tx *sql.Tx) error {
			return s.pruneBookmarks(ctx, tx, repoID, bookmarks)
		}
	}
	return execBatch(ctx, s.db, b)
}

func (s *SQLiteDB) pruneBookmarks(ctx context.Context, tx *sql.Tx, repoID int64, keep []models.Bookmark) error {
	rows, err := tx.QueryContext(ctx, `SELECT name FROM bookmarks WHERE repository_id = ?`, repoID)
	if err != nil {
		return err
	}
	var existing []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		existing = append(existing, name)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	keepSet := make(map[string]struct{}, len(keep))
	for _, bm := range keep {
		keepSet[bm.Name] = struct{}{}
	}
	for _, name := range staleNames(existing, keepSet) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM bookmarks WHERE repository_id = ? AND name = ?`, repoID, name); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteDB) ListBookmarks(ctx context.Context, repoID int64) ([]models.Bookmark, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT repository_id, name, target_change_id, is_default
		 FROM bookmarks WHERE repository_id = ? ORDER BY name`, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Bookmark
	for rows.Next() {
		var b models.Bookmark
		if err := rows.Scan(&b.RepositoryID, &b.Name, &b.TargetChangeID, &b.IsDefault); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- Operations ---

func (s *SQLiteDB) UpsertOperations(ctx context.Context, repoID int64, ops []models.Operation) error {
	return execBatch(ctx, s.db, batch{
		query: `INSERT INTO jj_operations (operation_id, repository_id, operation_type, description, timestamp, is_undone)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(operation_id) DO UPDATE SET
				 operation_type = excluded.operation_type,
				 description = excluded.description,
				 timestamp = excluded.timestamp,
				 is_undone = excluded.is_undone,
				 synced_at = CURRENT_TIMESTAMP`,
		rows: len(ops),
		args: func(i int) []any {
			op := ops[i]
			return []any{op.OperationID, repoID, op.OperationType, op.Description, op.Timestamp.UTC(), op.IsUndone}
		},
	})
}

func (s *SQLiteDB) ListOperations(ctx context.Context, repoID int64) ([]models.Operation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT operation_id, repository_id, operation_type, description, timestamp, is_undone
		 FROM jj_operations WHERE repository_id = ? ORDER BY timestamp DESC, operation_id`, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Operation
	for rows.Next() {
		var op models.Operation
		if err := rows.Scan(&op.OperationID, &op.RepositoryID, &op.OperationType, &op.Description, &op.Timestamp, &op.IsUndone); err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// --- Conflicts ---

func (s *SQLiteDB) UpsertConflicts(ctx context.Context, repoID int64, conflicts []models.Conflict, resolveMissing bool) error {
	b := batch{
		query: `INSERT INTO conflicts (repository_id, change_id, file_path, resolved)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(change_id, file_path) DO UPDATE SET
				 repository_id = excluded.repository_id,
				 resolved = excluded.resolved,
				 synced_at = CURRENT_TIMESTAMP`,
		rows: len(conflicts),
		args: func(i int) []any {
			c := conflicts[i]
			return []any{repoID, c.ChangeID, c.FilePath, c.Resolved}
		},
	}
	if resolveMissing {
		// Rows still conflicted are flipped back by the upserts that follow.
		b.before = func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`UPDATE conflicts SET resolved = TRUE, synced_at = CURRENT_TIMESTAMP
				 WHERE repository_id = ? AND resolved = FALSE`, repoID)
			return err
		}
	}
	return execBatch(ctx, s.db, b)
}

func (s *SQLiteDB) ListConflicts(ctx context.Context, repoID int64) ([]models.Conflict, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT repository_id, change_id, file_path, resolved
		 FROM conflicts WHERE repository_id = ? ORDER BY change_id, file_path`, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Conflict
	for rows.Next() {
		var c models.Conflict
		if err := rows.Scan(&c.RepositoryID, &c.ChangeID, &c.FilePath, &c.Resolved); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
