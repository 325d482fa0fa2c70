// Package store persists the thread routing index and the broadcast trace
// journal in sqlite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Route is one entry of the thread routing index.
type Route struct {
	ThreadID  string
	AgentID   string
	UpdatedAt time.Time
}

// BindRoute records or overwrites the adapter owning a thread.
func (s *Store) BindRoute(ctx context.Context, threadID, agentID string) error {
	threadID = strings.TrimSpace(threadID)
	agentID = strings.ToLower(strings.TrimSpace(agentID))
	if threadID == "" {
		return fmt.Errorf("thread_id is required")
	}
	if agentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO thread_routes(thread_id, agent_id, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(thread_id) DO UPDATE SET
	agent_id=excluded.agent_id,
	updated_at=excluded.updated_at
`, threadID, agentID, ts(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("bind route: %w", err)
	}
	return nil
}

// LookupRoute resolves the adapter owning a thread.
func (s *Store) LookupRoute(ctx context.Context, threadID string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT agent_id FROM thread_routes WHERE thread_id = ?`, strings.TrimSpace(threadID))
	var agentID string
	if err := row.Scan(&agentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lookup route: %w", err)
	}
	return agentID, true, nil
}

func (s *Store) ListRoutes(ctx context.Context) ([]Route, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT thread_id, agent_id, updated_at
FROM thread_routes
ORDER BY thread_id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	defer rows.Close()

	out := make([]Route, 0)
	for rows.Next() {
		var (
			r         Route
			updatedAt string
		)
		if err := rows.Scan(&r.ThreadID, &r.AgentID, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		r.UpdatedAt, err = parseTS(updatedAt)
		if err != nil {
			return nil, fmt.Errorf("parse route updated_at: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter routes: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteRoute(ctx context.Context, threadID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM thread_routes WHERE thread_id = ?`, strings.TrimSpace(threadID))
	if err != nil {
		return fmt.Errorf("delete route: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete route rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// TraceEntry is one journaled stream broadcast.
type TraceEntry struct {
	TraceID        int64
	ThreadID       string
	SourceClientID string
	Params         string
	IngestedAt     time.Time
}

// AppendTrace journals one accepted stream broadcast.
func (s *Store) AppendTrace(ctx context.Context, threadID, sourceClientID string, params []byte) error {
	if strings.TrimSpace(threadID) == "" {
		return fmt.Errorf("thread_id is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO stream_trace(thread_id, source_client_id, params, ingested_at)
VALUES (?, ?, ?, ?)
`, threadID, sourceClientID, string(params), ts(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("append trace: %w", err)
	}
	return nil
}

// ListTrace returns the journaled broadcasts for a thread, oldest first. A
// limit of 0 returns everything.
func (s *Store) ListTrace(ctx context.Context, threadID string, limit int) ([]TraceEntry, error) {
	query := `
SELECT trace_id, thread_id, source_client_id, params, ingested_at
FROM stream_trace
WHERE thread_id = ?
ORDER BY trace_id ASC`
	args := []any{strings.TrimSpace(threadID)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trace: %w", err)
	}
	defer rows.Close()

	out := make([]TraceEntry, 0)
	for rows.Next() {
		var (
			entry      TraceEntry
			ingestedAt string
		)
		if err := rows.Scan(&entry.TraceID, &entry.ThreadID, &entry.SourceClientID, &entry.Params, &ingestedAt); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		entry.IngestedAt, err = parseTS(ingestedAt)
		if err != nil {
			return nil, fmt.Errorf("parse trace ingested_at: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter trace: %w", err)
	}
	return out, nil
}

// PurgeRetention drops journaled broadcasts older than the cutoff, then trims
// each thread down to its newest keepPerThread entries.
func (s *Store) PurgeRetention(ctx context.Context, cutoff time.Time, keepPerThread int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin retention tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stream_trace WHERE ingested_at < ?`, ts(cutoff)); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("delete old traces: %w", err)
	}
	if keepPerThread > 0 {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM stream_trace
WHERE trace_id NOT IN (
	SELECT trace_id FROM (
		SELECT trace_id,
		       ROW_NUMBER() OVER (PARTITION BY thread_id ORDER BY trace_id DESC) AS rn
		FROM stream_trace
	) WHERE rn <= ?
)
`, keepPerThread); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("trim per-thread traces: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit retention tx: %w", err)
	}
	return nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table))
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count rows %s: %w", table, err)
	}
	return count, nil
}

// Routes adapts the store to the registry's context-free route index.
type Routes struct {
	Store *Store
}

func (r Routes) Lookup(threadID string) (string, bool, error) {
	return r.Store.LookupRoute(context.Background(), threadID)
}

func (r Routes) Bind(threadID, agentID string) error {
	return r.Store.BindRoute(context.Background(), threadID, agentID)
}

// Journal adapts the store to the adapters' trace journal.
type Journal struct {
	Store *Store
}

func (j Journal) AppendTrace(threadID, sourceClientID string, params []byte) error {
	return j.Store.AppendTrace(context.Background(), threadID, sourceClientID, params)
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
