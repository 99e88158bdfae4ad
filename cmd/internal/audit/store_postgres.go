package audit

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pairhub/cmd/internal/pairing"
)

const transitionsTable = "session_transitions"

// PostgresStore writes transitions to PostgreSQL.
//
// The pgx pool is owned by the caller; this store must NOT close it.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema holding the transitions table (default "public").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("audit: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("audit: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "public",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("audit: nil pool")
	}
	return st, nil
}

// Write implements Sink.
func (s *PostgresStore) Write(ctx context.Context, t pairing.Transition) error {
	if s == nil || s.pool == nil {
		return errors.New("audit: nil store")
	}

	var reason *string
	if r := strings.TrimSpace(t.Reason); r != "" {
		reason = &r
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (
		     session_id, subject_fp, mode, from_status, to_status, reason, at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.SessionID,
		t.SubjectFP,
		string(t.Mode),
		string(t.From),
		string(t.To),
		reason,
		t.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("audit: insert transition: %w", err)
	}
	return nil
}

const (
	defaultHistoryLimit = 100
	// MaxHistoryLimit caps one History page.
	MaxHistoryLimit = 500
)

// historyLimit maps a non-positive limit to the default and caps the rest.
func historyLimit(n int) int {
	switch {
	case n <= 0:
		return defaultHistoryLimit
	case n > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return n
	}
}

// History returns the recorded transitions of one session, oldest first.
// limit is capped at MaxHistoryLimit.
func (s *PostgresStore) History(ctx context.Context, sessionID string, limit int) ([]pairing.Transition, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("audit: nil store")
	}
	limit = historyLimit(limit)

	rows, err := s.pool.Query(ctx,
		`SELECT session_id, subject_fp, mode, from_status, to_status, COALESCE(reason, ''), at
		   FROM `+s.table()+`
		  WHERE session_id = $1
		  ORDER BY at ASC, id ASC
		  LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query history: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (pairing.Transition, error) {
		var (
			t              pairing.Transition
			mode, from, to string
		)
		if err := row.Scan(&t.SessionID, &t.SubjectFP, &mode, &from, &to, &t.Reason, &t.At); err != nil {
			return pairing.Transition{}, err
		}
		t.Mode = pairing.Mode(mode)
		t.From = pairing.Status(from)
		t.To = pairing.Status(to)
		t.At = t.At.UTC()
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit: scan history: %w", err)
	}
	return out, nil
}

// Ping checks the pool for /readyz.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("audit: nil store")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, transitionsTable}.Sanitize()
}
