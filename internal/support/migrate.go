package support

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/jmoiron/sqlx"
)

// Migration is one forward-only schema step within a namespace.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// ChecksumMismatchError aborts startup when an applied migration's recorded
// checksum no longer matches the shipped SQL.
type ChecksumMismatchError struct {
	Namespace string
	Version   int
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("POSTGRES_MIGRATION_CHECKSUM_MISMATCH:%s:%d", e.Namespace, e.Version)
}

// MigrationChecksum fingerprints migration SQL for drift detection.
func MigrationChecksum(sqlText string) string {
	sum := sha256.Sum256([]byte(sqlText))
	return hex.EncodeToString(sum[:])
}

// RunPostgresMigrations applies migrations for one namespace on a PostgreSQL
// connection. Packages persisting alongside the supportability store share
// the same schema_migrations table and advisory-lock discipline.
func RunPostgresMigrations(ctx context.Context, db *sql.DB, namespace string, migrations []Migration, nowISO string) error {
	return runMigrations(ctx, db, dialectPostgres, namespace, migrations, nowISO)
}

type migrationDialect int

const (
	dialectSQLite migrationDialect = iota
	dialectPostgres
)

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    namespace  TEXT NOT NULL,
    version    INTEGER NOT NULL,
    name       TEXT NOT NULL,
    checksum   TEXT NOT NULL,
    applied_at TEXT NOT NULL,
    PRIMARY KEY (namespace, version)
)`

// advisoryLockKey derives a stable 64-bit key for pg_advisory_lock from the
// migration namespace.
func advisoryLockKey(namespace string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("dpm-migrations:" + namespace))
	return int64(h.Sum64())
}

// runMigrations applies pending migrations for one namespace in version
// order. Already-applied versions are checksum-verified and skipped. On
// PostgreSQL a namespace-scoped advisory lock serializes concurrent runners.
func runMigrations(ctx context.Context, db *sql.DB, d migrationDialect, namespace string, migrations []Migration, nowISO string) error {
	if _, err := db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	if d == dialectPostgres {
		key := advisoryLockKey(namespace)
		if _, err := db.ExecContext(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
			return fmt.Errorf("acquire migration lock for %s: %w", namespace, err)
		}
		defer func() {
			_, _ = db.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", key)
		}()
	}

	ordered := make([]Migration, len(migrations))
	copy(ordered, migrations)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })

	bind := sqlx.QUESTION
	if d == dialectPostgres {
		bind = sqlx.DOLLAR
	}
	selectQ := sqlx.Rebind(bind, "SELECT checksum FROM schema_migrations WHERE namespace = ? AND version = ?")
	insertQ := sqlx.Rebind(bind, "INSERT INTO schema_migrations (namespace, version, name, checksum, applied_at) VALUES (?, ?, ?, ?, ?)")

	for _, m := range ordered {
		want := MigrationChecksum(m.SQL)

		var have string
		err := db.QueryRowContext(ctx, selectQ, namespace, m.Version).Scan(&have)
		switch {
		case err == nil:
			if have != want {
				return &ChecksumMismatchError{Namespace: namespace, Version: m.Version}
			}
			continue
		case errors.Is(err, sql.ErrNoRows):
			// Not applied yet.
		default:
			return fmt.Errorf("read migration state %s/%d: %w", namespace, m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s/%d: %w", namespace, m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s/%d (%s): %w", namespace, m.Version, m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, insertQ, namespace, m.Version, m.Name, want, nowISO); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s/%d: %w", namespace, m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s/%d: %w", namespace, m.Version, err)
		}
	}
	return nil
}
