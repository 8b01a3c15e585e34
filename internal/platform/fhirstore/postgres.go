package fhirstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Table names. The facade keeps clinical data apart from the records of
// the authorization server.
const (
	DefaultTable = "fhir_resources"
	FacadeTable  = "fhir_facade_resources"
)

const migrationTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s (
    resource_type TEXT        NOT NULL,
    id            TEXT        NOT NULL,
    version_id    INTEGER     NOT NULL DEFAULT 1,
    body          JSONB       NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (resource_type, id)
);

CREATE INDEX IF NOT EXISTS %[2]s
    ON %[1]s USING GIN ((body -> 'identifier') jsonb_path_ops);
`

// MigrationFor returns the DDL for table. It is safe to execute multiple
// times.
func MigrationFor(table string) string {
	return fmt.Sprintf(migrationTemplate,
		pgx.Identifier{table}.Sanitize(), pgx.Identifier{"idx_" + table + "_identifier"}.Sanitize())
}

// Migration is the DDL for the default table.
var Migration = MigrationFor(DefaultTable)

// ---------------------------------------------------------------------------
// pgRow / pgRows / pgConn abstractions (allow unit testing without a real DB)
// ---------------------------------------------------------------------------

type pgRow interface {
	Scan(dest ...any) error
}

type pgRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// pgConn is the minimal database interface required by PostgresStore.
type pgConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgRow
	Query(ctx context.Context, sql string, args ...any) (pgRows, error)
	Exec(ctx context.Context, sql string, args ...any) error
}

// ---------------------------------------------------------------------------
// PostgresStore
// ---------------------------------------------------------------------------

// PostgresStore keeps resources as JSONB rows. Identifier search uses JSONB
// containment on the identifier array.
type PostgresStore struct {
	db    pgConn
	table string
	now   func() time.Time
}

func NewPostgresStore(db pgConn) *PostgresStore {
	return &PostgresStore{db: db, table: DefaultTable, now: time.Now}
}

// NewPostgresStoreFromPool wraps a pgx pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return NewPostgresStore(&pgxPoolWrapper{pool: pool})
}

// WithTable returns a store over the same connection that keeps its
// resources in table.
func (s *PostgresStore) WithTable(table string) *PostgresStore {
	return &PostgresStore{db: s.db, table: table, now: s.now}
}

// Migrate creates the resource table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if err := s.db.Exec(ctx, MigrationFor(s.table)); err != nil {
		return fmt.Errorf("migrate %s: %w", s.table, err)
	}
	return nil
}

// sql fills the table name into query.
func (s *PostgresStore) sql(query string) string {
	return fmt.Sprintf(query, pgx.Identifier{s.table}.Sanitize())
}

func (s *PostgresStore) Create(ctx context.Context, resourceType string, body []byte) (*Record, error) {
	now := s.now()
	id := uuid.New().String()
	stored, err := stamp(body, resourceType, id, "1", now)
	if err != nil {
		return nil, err
	}

	const query = `INSERT INTO %s (resource_type, id, version_id, body, updated_at)
VALUES ($1, $2, 1, $3::jsonb, $4)`

	if err := s.db.Exec(ctx, s.sql(query), resourceType, id, string(stored), now); err != nil {
		return nil, fmt.Errorf("insert %s: %w", resourceType, err)
	}
	return &Record{ResourceType: resourceType, ID: id, Body: stored}, nil
}

func (s *PostgresStore) Read(ctx context.Context, resourceType, id string) (*Record, error) {
	const query = `SELECT body FROM %s WHERE resource_type = $1 AND id = $2`

	var data []byte
	if err := s.db.QueryRow(ctx, s.sql(query), resourceType, id).Scan(&data); err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s/%s: %w", resourceType, id, err)
	}
	return &Record{ResourceType: resourceType, ID: id, Body: data}, nil
}

// Update bumps version_id and writes it into meta.versionId in one statement.
func (s *PostgresStore) Update(ctx context.Context, resourceType, id string, body []byte) (*Record, error) {
	now := s.now()
	stored, err := stamp(body, resourceType, id, "0", now)
	if err != nil {
		return nil, err
	}

	const query = `UPDATE %s
SET version_id = version_id + 1,
    updated_at = $4,
    body = jsonb_set($3::jsonb, '{meta,versionId}', to_jsonb((version_id + 1)::text))
WHERE resource_type = $1 AND id = $2
RETURNING body`

	var data []byte
	if err := s.db.QueryRow(ctx, s.sql(query), resourceType, id, string(stored), now).Scan(&data); err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update %s/%s: %w", resourceType, id, err)
	}
	return &Record{ResourceType: resourceType, ID: id, Body: data}, nil
}

func (s *PostgresStore) Delete(ctx context.Context, resourceType, id string) error {
	const query = `DELETE FROM %s WHERE resource_type = $1 AND id = $2 RETURNING id`

	var deleted string
	if err := s.db.QueryRow(ctx, s.sql(query), resourceType, id).Scan(&deleted); err != nil {
		if isNoRows(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete %s/%s: %w", resourceType, id, err)
	}
	return nil
}

func (s *PostgresStore) FindByIdentifier(ctx context.Context, resourceType, system, value string) ([]*Record, error) {
	needle, err := json.Marshal([]map[string]string{{"system": system, "value": value}})
	if err != nil {
		return nil, fmt.Errorf("marshal identifier: %w", err)
	}

	const query = `SELECT id, body FROM %s
WHERE resource_type = $1 AND body -> 'identifier' @> $2::jsonb`

	rows, err := s.db.Query(ctx, s.sql(query), resourceType, string(needle))
	if err != nil {
		return nil, fmt.Errorf("search %s by identifier: %w", resourceType, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", resourceType, err)
		}
		out = append(out, &Record{ResourceType: resourceType, ID: id, Body: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search %s by identifier: %w", resourceType, err)
	}
	return out, nil
}

// isNoRows returns true when the error represents a "no rows" condition.
// It works with both pgx (pgx.ErrNoRows) and the mock used in tests.
func isNoRows(err error) bool {
	if errors.Is(err, pgx.ErrNoRows) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "no rows")
}

// ---------------------------------------------------------------------------
// pgxPoolWrapper adapts *pgxpool.Pool to the pgConn interface
// ---------------------------------------------------------------------------

type pgxPoolWrapper struct {
	pool *pgxpool.Pool
}

func (w *pgxPoolWrapper) QueryRow(ctx context.Context, sql string, args ...any) pgRow {
	return w.pool.QueryRow(ctx, sql, args...)
}

func (w *pgxPoolWrapper) Query(ctx context.Context, sql string, args ...any) (pgRows, error) {
	rows, err := w.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (w *pgxPoolWrapper) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := w.pool.Exec(ctx, sql, args...)
	return err
}
