package database

import (
	"context"
	"database/sql"
	"fmt"
)

// batch is a set of rows written through one prepared statement in a single
// transaction. before and after run inside the same transaction.
type batch struct {
	query  string
	rows   int
	args   func(i int) []any
	before func(tx *sql.Tx) error
	after  func(tx *sql.Tx) error
}

func execBatch(ctx context.Context, db *sql.DB, b batch) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if b.before != nil {
		if err := b.before(tx); err != nil {
			return err
		}
	}
	if b.rows > 0 {
		stmt, err := tx.PrepareContext(ctx, b.query)
		if err != nil {
			return fmt.Errorf("prepare upsert: %w", err)
		}
		defer stmt.Close()
		for i := 0; i < b.rows; i++ {
			if _, err := stmt.ExecContext(ctx, b.args(i)...); err != nil {
				return err
			}
		}
	}
	if b.after != nil {
		if err := b.after(tx); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// staleNames returns the names in existing that are not in keep.
func staleNames(existing []string, keep map[string]struct{}) []string {
	var out []string
	for _, name := range existing {
		if _, ok := keep[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}
