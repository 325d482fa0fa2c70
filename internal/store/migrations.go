package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration is one schema change applied in version order.
type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE thread_routes (
	thread_id  TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE stream_trace (
	trace_id         INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id        TEXT NOT NULL,
	source_client_id TEXT NOT NULL,
	params           TEXT NOT NULL,
	ingested_at      TEXT NOT NULL
);
CREATE INDEX idx_stream_trace_thread ON stream_trace(thread_id, trace_id);
CREATE INDEX idx_stream_trace_ingested ON stream_trace(ingested_at);
`,
		DownSQL: `
DROP INDEX idx_stream_trace_ingested;
DROP INDEX idx_stream_trace_thread;
DROP TABLE stream_trace;
DROP TABLE thread_routes;
`,
	},
	{
		Version: 2,
		UpSQL: `
CREATE INDEX idx_thread_routes_agent ON thread_routes(agent_id);
`,
		DownSQL: `
DROP INDEX idx_thread_routes_agent;
`,
	},
}

// ApplyMigrations brings the schema up to the latest version. Each migration
// runs in its own transaction so a failure leaves earlier versions applied.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)
`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iter schema_migrations: %w", err)
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, ?)`,
			m.Version, ts(time.Now().UTC())); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// RollbackAll unwinds every applied migration in reverse order. Used by
// tests and the reset path.
func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		var exists int
		err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if exists == 0 {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("unrecord migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
