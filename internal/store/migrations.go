package store

import (
	"context"
	"database/sql"
	_ "embed"
	"strings"

	"github.com/rendis/flowc/pkg/schema"
)

//go:embed migrations/001_initial_schema.sql
var initialSchema string

// A migration is one versioned schema script. Each script runs inside a
// single transaction and is recorded in schema_version only on commit, so a
// partially applied script never counts as done.
type migration struct {
	version int
	name    string
	script  string
}

var schemaMigrations = []migration{
	{version: 1, name: "initial_schema", script: initialSchema},
}

// runMigrations brings the database up to the latest schema version,
// applying any scripts newer than the recorded version in order.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to create schema_version table").WithCause(err)
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to read schema version").WithCause(err)
	}

	for _, m := range schemaMigrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"migration %d (%s): begin transaction", m.version, m.name).WithCause(err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range statements(m.script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore,
				"migration %d (%s) failed", m.version, m.name).WithCause(err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"migration %d (%s): record version", m.version, m.name).WithCause(err)
	}
	if err := tx.Commit(); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"migration %d (%s): commit", m.version, m.name).WithCause(err)
	}
	return nil
}

// statements splits a migration script on semicolons, dropping line comments
// first so a trailing comment block does not turn into an empty statement.
func statements(script string) []string {
	var code []string
	for _, line := range strings.Split(script, "\n") {
		if t := strings.TrimSpace(line); t == "" || strings.HasPrefix(t, "--") {
			continue
		}
		code = append(code, line)
	}

	var out []string
	for _, raw := range strings.Split(strings.Join(code, "\n"), ";") {
		if s := strings.TrimSpace(raw); s != "" {
			out = append(out, s)
		}
	}
	return out
}
