package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"
	"time"
)

// Migrations live in schema/ as NNN_name.up.sql with a matching
// NNN_name.down.sql. Versions are applied in order, one transaction each.
//
//go:embed schema/*.sql
var schemaFS embed.FS

type migration struct {
	version int
	name    string
	up      string
	down    string
}

var migrations = mustLoadMigrations(schemaFS)

func mustLoadMigrations(fsys fs.FS) []migration {
	ups, err := fs.Glob(fsys, "schema/*.up.sql")
	if err != nil {
		panic(err)
	}
	// fs.Glob returns names sorted, and versions are zero-padded.
	out := make([]migration, 0, len(ups))
	for _, up := range ups {
		base := strings.TrimSuffix(path.Base(up), ".up.sql")
		num, name, _ := strings.Cut(base, "_")
		version, err := strconv.Atoi(num)
		if err != nil {
			panic(fmt.Sprintf("store: bad migration name %q", up))
		}
		upSQL, err := fs.ReadFile(fsys, up)
		if err != nil {
			panic(err)
		}
		downSQL, err := fs.ReadFile(fsys, strings.TrimSuffix(up, ".up.sql")+".down.sql")
		if err != nil {
			panic(err)
		}
		out = append(out, migration{version: version, name: name, up: string(upSQL), down: string(downSQL)})
	}
	return out
}

const createVersionTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_ns INTEGER NOT NULL
)`

// SchemaVersion returns the applied and the latest known schema version.
func SchemaVersion(ctx context.Context, db *sql.DB) (current, latest int, err error) {
	if _, err := db.ExecContext(ctx, createVersionTable); err != nil {
		return 0, 0, fmt.Errorf("create schema_migrations: %w", err)
	}
	err = db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)
	if err != nil {
		return 0, 0, fmt.Errorf("read schema version: %w", err)
	}
	if n := len(migrations); n > 0 {
		latest = migrations[n-1].version
	}
	return current, latest, nil
}

// Migrate applies every migration newer than the database.
func Migrate(ctx context.Context, db *sql.DB) error {
	current, _, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := inTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.up); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, name, applied_ns) VALUES (?, ?, ?)",
				m.version, m.name, time.Now().UnixNano())
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %03d_%s: %w", m.version, m.name, err)
		}
	}
	return nil
}

// Rollback reverts the newest applied migration, if any.
func Rollback(ctx context.Context, db *sql.DB) error {
	current, _, err := SchemaVersion(ctx, db)
	if err != nil || current == 0 {
		return err
	}
	for _, m := range migrations {
		if m.version != current {
			continue
		}
		return inTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.down); err != nil {
				return fmt.Errorf("revert %03d_%s: %w", m.version, m.name, err)
			}
			_, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", m.version)
			return err
		})
	}
	return fmt.Errorf("store: database is at unknown schema version %d", current)
}

// CheckSchema fails unless every table the index uses exists.
func CheckSchema(ctx context.Context, db *sql.DB) error {
	for _, table := range []string{"sessions", "captures", "trips"} {
		var n int
		err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if n == 0 {
			return fmt.Errorf("store: missing table %s", table)
		}
	}
	return nil
}

func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
