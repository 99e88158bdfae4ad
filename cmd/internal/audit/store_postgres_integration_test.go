package audit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pairhub/cmd/identity/ids"
	"pairhub/cmd/internal/pairing"
)

// Integration tests are opt-in and require PAIRHUB_DATABASE_URL.
// In non-CI runs, unreachable Postgres skips these tests to keep local runs fast.

func TestPostgresStore_WriteAndHistory(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyAuditSchema(t, pool, schema)

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := st.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	id := mustNewSessionID(t)
	base := time.Now().UTC().Truncate(time.Millisecond)
	steps := []pairing.Transition{
		{SessionID: id, SubjectFP: "aa", Mode: pairing.ModeQR, From: pairing.StatusCreated, To: pairing.StatusAwaitingCredential, At: base},
		{SessionID: id, SubjectFP: "aa", Mode: pairing.ModeQR, From: pairing.StatusAwaitingCredential, To: pairing.StatusFailed, Reason: "credential wait elapsed", At: base.Add(time.Second)},
	}
	for _, tr := range steps {
		if err := st.Write(ctx, tr); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	got, err := st.History(ctx, id, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("history len = %d", len(got))
	}
	if got[0].To != pairing.StatusAwaitingCredential || got[1].To != pairing.StatusFailed {
		t.Fatalf("history order = %+v", got)
	}
	if got[1].Reason != "credential wait elapsed" || got[0].Reason != "" {
		t.Fatalf("reasons = %q, %q", got[0].Reason, got[1].Reason)
	}
	if got[0].Mode != pairing.ModeQR || !got[0].At.Equal(base) {
		t.Fatalf("row = %+v", got[0])
	}
}

func TestPostgresStore_RejectsNonULIDSession(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyAuditSchema(t, pool, schema)

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = st.Write(ctx, pairing.Transition{SessionID: "short", SubjectFP: "aa", Mode: pairing.ModeCode, From: pairing.StatusCreated, To: pairing.StatusAwaitingCredential, At: time.Now().UTC()})
	if err == nil {
		t.Fatalf("expected check constraint violation")
	}
}

func TestNewPostgresStore_Options(t *testing.T) {
	t.Parallel()

	if _, err := NewPostgresStore(nil); err == nil {
		t.Fatalf("expected error for nil pool")
	}
	for _, bad := range []string{"", "1abc", "a-b", "a;drop"} {
		if _, err := NewPostgresStore(nil, WithSchema(bad)); err == nil {
			t.Fatalf("WithSchema(%q) accepted", bad)
		}
	}
}

// ---- helpers ----

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("PAIRHUB_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: PAIRHUB_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse PAIRHUB_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable (PAIRHUB_DATABASE_URL set): %v", err)
		}
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "pairhub_it_" + strings.ToLower(mustNewSessionID(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

// mustApplyAuditSchema mirrors the embedded migration inside a test schema.
func mustApplyAuditSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	table := pgx.Identifier{schema, transitionsTable}.Sanitize()
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id BIGSERIAL PRIMARY KEY,
  session_id TEXT NOT NULL,
  subject_fp TEXT NOT NULL,
  mode TEXT NOT NULL,
  from_status TEXT NOT NULL,
  to_status TEXT NOT NULL,
  reason TEXT NULL,
  at TIMESTAMPTZ NOT NULL,

  CONSTRAINT chk_session_transitions_id_ulid_len CHECK (char_length(session_id) = 26)
);`, table)

	if _, err := pool.Exec(ctx, ddl); err != nil {
		t.Fatalf("apply audit schema: %v", err)
	}
}

func mustNewSessionID(t *testing.T) string {
	t.Helper()

	id, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	return id
}

func shouldSkipIntegration(err error) bool {
	if err == nil {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host")
}
