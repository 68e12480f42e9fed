package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/odvcencio/jjsync/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresDB struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*PostgresDB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return &PostgresDB{db: db}, nil
}

func (p *PostgresDB) Close() error { return p.db.Close() }

func (p *PostgresDB) DBStats() sql.DBStats { return p.db.Stats() }

func (p *PostgresDB) PingContext(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresDB) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, pgSchema)
	return err
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS repositories (
	id BIGSERIAL PRIMARY KEY,
	owner_name TEXT NOT NULL,
	name TEXT NOT NULL,
	default_branch TEXT NOT NULL DEFAULT 'main',
	storage_path TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE(owner_name, name)
);

CREATE TABLE IF NOT EXISTS changes (
	change_id TEXT PRIMARY KEY,
	repository_id BIGINT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	commit_id TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	author_name TEXT NOT NULL DEFAULT '',
	author_email TEXT NOT NULL DEFAULT '',
	timestamp TIMESTAMPTZ NOT NULL,
	is_empty BOOLEAN NOT NULL DEFAULT FALSE,
	has_conflicts BOOLEAN NOT NULL DEFAULT FALSE,
	synced_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_changes_repository ON changes(repository_id, timestamp);

CREATE TABLE IF NOT EXISTS bookmarks (
	id BIGSERIAL PRIMARY KEY,
	repository_id BIGINT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	target_change_id TEXT NOT NULL DEFAULT '',
	is_default BOOLEAN NOT NULL DEFAULT FALSE,
	synced_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE(repository_id, name)
);

CREATE TABLE IF NOT EXISTS jj_operations (
	operation_id TEXT PRIMARY KEY,
	repository_id BIGINT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	operation_type TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	timestamp TIMESTAMPTZ NOT NULL,
	is_undone BOOLEAN NOT NULL DEFAULT FALSE,
	synced_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_jj_operations_repository ON jj_operations(repository_id, timestamp);

CREATE TABLE IF NOT EXISTS conflicts (
	id BIGSERIAL PRIMARY KEY,
	repository_id BIGINT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	change_id TEXT NOT NULL,
	file_path TEXT NOT NULL,
	resolved BOOLEAN NOT NULL DEFAULT FALSE,
	synced_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE(change_id, file_path)
);
CREATE INDEX IF NOT EXISTS idx_conflicts_repository ON conflicts(repository_id, resolved);
`

// --- Repositories ---

func (p *PostgresDB) CreateRepository(ctx context.Context, r *models.Repository) error {
	if r.DefaultBranch == "" {
		r.DefaultBranch = "main"
	}
	return p.db.QueryRowContext(ctx,
		`INSERT INTO repositories (owner_name, name, default_branch, storage_path)
		 VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		r.OwnerName, r.Name, r.DefaultBranch, r.StoragePath).Scan(&r.ID, &r.CreatedAt)
}

func (p *PostgresDB) GetRepository(ctx context.Context, ownerName, repoName string) (*models.Repository, error) {
	r := &models.Repository{}
	err := p.db.QueryRowContext(ctx,
		`SELECT id, owner_name, name, default_branch, storage_path, created_at
		 FROM repositories WHERE owner_name = $1 AND name = $2`, ownerName, repoName).
		Scan(&r.ID, &r.OwnerName, &r.Name, &r.DefaultBranch, &r.StoragePath, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresDB) GetRepositoryByID(ctx context.Context, id int64) (*models.Repository, error) {
	r := &models.Repository{}
	err := p.db.QueryRowContext(ctx,
		`SELECT id, owner_name, name, default_branch, storage_path, created_at
		 FROM repositories WHERE id = $1`, id).
		Scan(&r.ID, &r.OwnerName, &r.Name, &r.DefaultBranch, &r.StoragePath, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresDB) ListRepositories(ctx context.Context) ([]models.Repository, error) {
	rows, err := p.db.QueryContext(ctx,
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

func (p *PostgresDB) UpsertChanges(ctx context.Context, repoID int64, changes []models.Change) error {
	return execBatch(ctx, p.db, batch{
		query: `INSERT INTO changes (change_id, repository_id, commit_id, description, author_name, author_email, timestamp, is_empty, has_conflicts)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (change_id) DO UPDATE SET
				 repository_id = EXCLUDED.repository_id,
				 commit_id = EXCLUDED.commit_id,
				 description = EXCLUDED.description,
				 author_name = EXCLUDED.author_name,
				 author_email = EXCLUDED.author_email,
				 timestamp = EXCLUDED.timestamp,
				 is_empty = EXCLUDED.is_empty,
				 has_conflicts = EXCLUDED.has_conflicts,
				 synced_at = NOW()`,
		rows: len(changes),
		args: func(i int) []any {
			c := changes[i]
			return []any{c.ChangeID, repoID, c.CommitID, c.Description, c.AuthorName, c.AuthorEmail, c.Timestamp.UTC(), c.IsEmpty, c.HasConflicts}
		},
	})
}

func (p *PostgresDB) ListChanges(ctx context.Context, repoID int64) ([]models.Change, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT change_id, repository_id, commit_id, description, author_name, author_email, timestamp, is_empty, has_conflicts
		 FROM changes WHERE repository_id = $1 ORDER BY timestamp DESC, change_id`, repoID)
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

func (p *PostgresDB) UpsertBookmarks(ctx context.Context, repoID int64, bookmarks []models.Bookmark, prune bool) error {
	b := batch{
		query: `INSERT INTO bookmarks (repository_id, name, target_change_id, is_default)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (repository_id, name) DO UPDATE SET
				 target_change_id = EXCLUDED.target_change_id,
				 is_default = EXCLUDED.is_default,
				 synced_at = NOW()`,
		rows: len(bookmarks),
		args: func(i int) []any {
			bm := bookmarks[i]
			return []any{repoID, bm.Name, bm.TargetChangeID, bm.IsDefault}
		},
	}
	if prune {
		names := make([]string, 0, len(bookmarks))
		for _, bm := range bookmarks {
			names = append(names, bm.Name)
		}
		b.after = func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM bookmarks WHERE repository_id = $1 AND NOT (name = ANY($2))`, repoID, names)
			return err
		}
	}
	return execBatch(ctx, p.db, b)
}

func (p *PostgresDB) ListBookmarks(ctx context.Context, repoID int64) ([]models.Bookmark, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT repository_id, name, target_change_id, is_default
		 FROM bookmarks WHERE repository_id = $1 ORDER BY name`, repoID)
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

func (p *PostgresDB) UpsertOperations(ctx context.Context, repoID int64, ops []models.Operation) error {
	return execBatch(ctx, p.db, batch{
		query: `INSERT INTO jj_operations (operation_id, repository_id, operation_type, description, timestamp, is_undone)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (operation_id) DO UPDATE SET
				 operation_type = EXCLUDED.operation_type,
				 description = EXCLUDED.description,
				 timestamp = EXCLUDED.timestamp,
				 is_undone = EXCLUDED.is_undone,
				 synced_at = NOW()`,
		rows: len(ops),
		args: func(i int) []any {
			op := ops[i]
			return []any{op.OperationID, repoID, op.OperationType, op.Description, op.Timestamp.UTC(), op.IsUndone}
		},
	})
}

func (p *PostgresDB) ListOperations(ctx context.Context, repoID int64) ([]models.Operation, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT operation_id, repository_id, operation_type, description, timestamp, is_undone
		 FROM jj_operations WHERE repository_id = $1 ORDER BY timestamp DESC, operation_id`, repoID)
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

func (p *PostgresDB) UpsertConflicts(ctx context.Context, repoID int64, conflicts []models.Conflict, resolveMissing bool) error {
	b := batch{
		query: `INSERT INTO conflicts (repository_id, change_id, file_path, resolved)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (change_id, file_path) DO UPDATE SET
				 repository_id = EXCLUDED.repository_id,
				 resolved = EXCLUDED.resolved,
				 synced_at = NOW()`,
		rows: len(conflicts),
		args: func(i int) []any {
			c := conflicts[i]
			return []any{repoID, c.ChangeID, c.FilePath, c.Resolved}
		},
	}
	if resolveMissing {
		b.before = func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`UPDATE conflicts SET resolved = TRUE, synced_at = NOW()
				 WHERE repository_id = $1 AND resolved = FALSE`, repoID)
			return err
		}
	}
	return execBatch(ctx, p.db, b)
}

func (p *PostgresDB) ListConflicts(ctx context.Context, repoID int64) ([]models.Conflict, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT repository_id, change_id, file_path, resolved
		 FROM conflicts WHERE repository_id = $1 ORDER BY change_id, file_path`, repoID)
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
