package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/bdobrica/Kotori/internal/kotori/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "kotori-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

func TestNew_AppliesMigrations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v < 1 {
		t.Fatalf("expected schema version >= 1, got %d", v)
	}

	for _, table := range []string{"approvals", "threat_records", "ip_blocks", "audit_log", "runtime_config", "reminders", "matrix_sync_state"} {
		var name string
		err := s.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestNew_ReopenIsIdempotent(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "kotori-reopen-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	s1, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.Close()

	s2, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()
}

func TestOpen_UnknownDialect(t *testing.T) {
	_, err := store.Open(context.Background(), store.Config{Dialect: "oracle", DSN: "x"})
	if err == nil {
		t.Fatal("expected error for unknown dialect")
	}
}

func TestRebind(t *testing.T) {
	cases := []struct {
		dialect store.Dialect
		in      string
		want    string
	}{
		{store.DialectSQLite, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{store.DialectPostgres, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{store.DialectPostgres, "UPDATE t SET s = 'why?' WHERE id = ?", "UPDATE t SET s = 'why?' WHERE id = $1"},
		{store.DialectPostgres, "SELECT 1", "SELECT 1"},
	}
	for _, tc := range cases {
		if got := store.Rebind(tc.dialect, tc.in); got != tc.want {
			t.Errorf("Rebind(%s, %q) = %q, want %q", tc.dialect, tc.in, got, tc.want)
		}
	}
}

func TestTimestampOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	for i, ts := range []time.Time{base, base.Add(500 * time.Millisecond), base.Add(2 * time.Second)} {
		_, err := s.ExecContext(ctx,
			"INSERT INTO runtime_config (key, value, updated_at) VALUES (?, ?, ?)",
			string(rune('a'+i)), "v", ts)
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	var n int
	if err := s.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM runtime_config WHERE updated_at > ?", base.Add(100*time.Millisecond),
	).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows after cutoff, got %d", n)
	}

	var got time.Time
	if err := s.QueryRowContext(ctx, "SELECT updated_at FROM runtime_config WHERE key = 'b'").Scan(&got); err != nil {
		t.Fatalf("scan time: %v", err)
	}
	if !got.Equal(base.Add(500 * time.Millisecond)) {
		t.Fatalf("time round trip: got %v", got)
	}
}

func TestTx_RollbackDiscards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO runtime_config (key, value, updated_at) VALUES (?, ?, ?)", "k", "v", time.Now().UTC()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	var n int
	if err := s.QueryRowContext(ctx, "SELECT COUNT(*) FROM runtime_config").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected rollback to discard insert, got %d rows", n)
	}
}
