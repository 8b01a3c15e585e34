package ehr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SessionMigration is the DDL for the authorization_sessions table. It is
// safe to execute multiple times.
const SessionMigration = `
CREATE TABLE IF NOT EXISTS authorization_sessions (
    id           TEXT PRIMARY KEY,
    session_json JSONB       NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_authorization_sessions_expires_at
    ON authorization_sessions (expires_at);
`

// ---------------------------------------------------------------------------
// pgRow / pgConn abstractions (allow unit testing without a real DB)
// ---------------------------------------------------------------------------

type pgRow interface {
	Scan(dest ...any) error
}

// pgConn is the minimal database interface required by PGSessionStore.
type pgConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgRow
	Exec(ctx context.Context, sql string, args ...any) error
}

// ---------------------------------------------------------------------------
// PGSessionStore
// ---------------------------------------------------------------------------

// PGSessionStore keeps sessions as JSONB rows with an explicit expires_at
// column the database filters on.
type PGSessionStore struct {
	db  pgConn
	ttl time.Duration
}

func NewPGSessionStore(db pgConn, ttl time.Duration) *PGSessionStore {
	return &PGSessionStore{db: db, ttl: ttl}
}

func NewPGSessionStoreFromPool(pool *pgxpool.Pool, ttl time.Duration) *PGSessionStore {
	return NewPGSessionStore(&pgxPoolWrapper{pool: pool}, ttl)
}

// Migrate creates the session table.
func (s *PGSessionStore) Migrate(ctx context.Context) error {
	if err := s.db.Exec(ctx, SessionMigration); err != nil {
		return fmt.Errorf("migrate authorization_sessions: %w", err)
	}
	return nil
}

// Put inserts or replaces a session. The expiry is fixed by CreatedAt, so
// recording a decision does not extend the session.
func (s *PGSessionStore) Put(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	expiresAt := sess.CreatedAt.Add(s.ttl)

	const query = `INSERT INTO authorization_sessions (id, session_json, created_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET session_json = EXCLUDED.session_json,
                                expires_at   = EXCLUDED.expires_at`

	if err := s.db.Exec(ctx, query, sess.ID, data, sess.CreatedAt, expiresAt); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PGSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	const query = `SELECT session_json FROM authorization_sessions
WHERE id = $1 AND expires_at > now()`

	var data []byte
	if err := s.db.QueryRow(ctx, query, id).Scan(&data); err != nil {
		if isNoRows(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *PGSessionStore) Delete(ctx context.Context, id string) error {
	if err := s.db.Exec(ctx, `DELETE FROM authorization_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Cleanup deletes all expired rows.
func (s *PGSessionStore) Cleanup(ctx context.Context) error {
	if err := s.db.Exec(ctx, `DELETE FROM authorization_sessions WHERE expires_at <= now()`); err != nil {
		return fmt.Errorf("cleanup sessions: %w", err)
	}
	return nil
}

func isNoRows(err error) bool {
	if errors.Is(err, pgx.ErrNoRows) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "no rows")
}

// pgxPoolWrapper adapts *pgxpool.Pool to pgConn; pool.Exec also returns a
// command tag.
type pgxPoolWrapper struct {
	pool *pgxpool.Pool
}

func (w *pgxPoolWrapper) QueryRow(ctx context.Context, sql string, args ...any) pgRow {
	return w.pool.QueryRow(ctx, sql, args...)
}

func (w *pgxPoolWrapper) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := w.pool.Exec(ctx, sql, args...)
	return err
}
