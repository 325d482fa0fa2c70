package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "agentdeck.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := ApplyMigrations(ctx, s.DB()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestRouteBindLookupUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.BindRoute(ctx, "t1", "Codex"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	agentID, ok, err := s.LookupRoute(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("lookup: %v ok=%v", err, ok)
	}
	if agentID != "codex" {
		t.Fatalf("agent id not normalized: %q", agentID)
	}

	// Rebinding moves the route instead of erroring.
	if err := s.BindRoute(ctx, "t1", "opencode"); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	agentID, ok, err = s.LookupRoute(ctx, "t1")
	if err != nil || !ok || agentID != "opencode" {
		t.Fatalf("rebind not visible: %q ok=%v err=%v", agentID, ok, err)
	}

	_, ok, err = s.LookupRoute(ctx, "ghost")
	if err != nil || ok {
		t.Fatalf("unknown thread must miss, not error: ok=%v err=%v", ok, err)
	}
}

func TestRouteValidationAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.BindRoute(ctx, " ", "codex"); err == nil {
		t.Fatalf("blank thread id must be rejected")
	}
	if err := s.BindRoute(ctx, "t1", ""); err == nil {
		t.Fatalf("blank agent id must be rejected")
	}

	if err := s.BindRoute(ctx, "t1", "codex"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := s.DeleteRoute(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteRoute(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete = %v, want ErrNotFound", err)
	}
}

func TestListRoutesOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, pair := range [][2]string{{"t3", "codex"}, {"t1", "opencode"}, {"t2", "codex"}} {
		if err := s.BindRoute(ctx, pair[0], pair[1]); err != nil {
			t.Fatalf("bind %s: %v", pair[0], err)
		}
	}
	routes, err := s.ListRoutes(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(routes) != 3 {
		t.Fatalf("expected 3 routes, got %d", len(routes))
	}
	for i, want := range []string{"t1", "t2", "t3"} {
		if routes[i].ThreadID != want {
			t.Fatalf("routes[%d] = %q, want %q", i, routes[i].ThreadID, want)
		}
		if routes[i].UpdatedAt.IsZero() {
			t.Fatalf("updated_at not parsed for %s", want)
		}
	}
}

func TestTraceAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.AppendTrace(ctx, "t1", "desktop-1", []byte(`{"n":1}`)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.AppendTrace(ctx, "t2", "desktop-2", []byte(`{}`)); err != nil {
		t.Fatalf("append t2: %v", err)
	}

	entries, err := s.ListTrace(ctx, "t1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].TraceID <= entries[i-1].TraceID {
			t.Fatalf("entries not in insertion order: %+v", entries)
		}
	}
	if entries[0].SourceClientID != "desktop-1" || entries[0].Params != `{"n":1}` {
		t.Fatalf("unexpected entry %+v", entries[0])
	}

	limited, err := s.ListTrace(ctx, "t1", 2)
	if err != nil || len(limited) != 2 {
		t.Fatalf("limit ignored: %v len=%d", err, len(limited))
	}
}

func TestTraceRejectsBlankThread(t *testing.T) {
	s := newTestStore(t)
	if err := s.AppendTrace(context.Background(), "  ", "c", []byte(`{}`)); err == nil {
		t.Fatalf("blank thread id must be rejected")
	}
}

func TestPurgeRetentionTrimsPerThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := s.AppendTrace(ctx, "t1", "c", []byte(`{}`)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := s.AppendTrace(ctx, "t2", "c", []byte(`{}`)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// Cutoff in the past keeps everything by age, cap trims per thread.
	if err := s.PurgeRetention(ctx, time.Now().Add(-time.Hour), 4); err != nil {
		t.Fatalf("purge: %v", err)
	}
	t1, err := s.ListTrace(ctx, "t1", 0)
	if err != nil || len(t1) != 4 {
		t.Fatalf("t1 not trimmed to cap: %v len=%d", err, len(t1))
	}
	// Newest entries survive.
	if t1[len(t1)-1].TraceID != 10 {
		t.Fatalf("newest entry lost: %+v", t1)
	}
	t2, err := s.ListTrace(ctx, "t2", 0)
	if err != nil || len(t2) != 2 {
		t.Fatalf("t2 under cap must be untouched: %v len=%d", err, len(t2))
	}

	// Cutoff in the future drops everything by age.
	if err := s.PurgeRetention(ctx, time.Now().Add(time.Hour), 0); err != nil {
		t.Fatalf("purge: %v", err)
	}
	count, err := s.CountRows(ctx, "stream_trace")
	if err != nil || count != 0 {
		t.Fatalf("trace not purged: %v count=%d", err, count)
	}
}

func TestMigrationsIdempotentAndReversible(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "agentdeck.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := ApplyMigrations(ctx, s.DB()); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := ApplyMigrations(ctx, s.DB()); err != nil {
		t.Fatalf("second apply must be a no-op: %v", err)
	}
	if err := s.BindRoute(ctx, "t1", "codex"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := RollbackAll(ctx, s.DB()); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := ApplyMigrations(ctx, s.DB()); err != nil {
		t.Fatalf("reapply after rollback: %v", err)
	}
	_, ok, err := s.LookupRoute(ctx, "t1")
	if err != nil || ok {
		t.Fatalf("rollback must drop data: ok=%v err=%v", ok, err)
	}
}

func TestRoutesAdapterSatisfiesRegistry(t *testing.T) {
	s := newTestStore(t)
	routes := Routes{Store: s}
	if err := routes.Bind("t1", "codex"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	agentID, ok, err := routes.Lookup("t1")
	if err != nil || !ok || agentID != "codex" {
		t.Fatalf("lookup: %q ok=%v err=%v", agentID, ok, err)
	}
	journal := Journal{Store: s}
	if err := journal.AppendTrace("t1", "c", []byte(`{}`)); err != nil {
		t.Fatalf("journal append: %v", err)
	}
}
