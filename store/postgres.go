package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgreSQL error codes the store maps to sentinel errors.
const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS extensions (
	tag        TEXT PRIMARY KEY,
	component  BYTEA NOT NULL,
	digest     TEXT NOT NULL,
	size       INTEGER NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS current_extension (
	id  SMALLINT PRIMARY KEY CHECK (id = 1),
	tag TEXT NOT NULL REFERENCES extensions (tag) ON DELETE CASCADE
);`

// PostgresStore keeps extensions in PostgreSQL. The current marker is a
// single-row table whose foreign key cascades on delete, so removing the
// current extension clears the marker in the same statement.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenPostgres connects with the lib/pq driver and creates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	s, err := NewPostgresStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore uses an existing handle and creates the schema.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &PostgresStore{db: db, now: time.Now}, nil
}

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}

// All implements Store.
func (s *PostgresStore) All(ctx context.Context) ([]Metadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tag, created_at, updated_at, digest, size FROM extensions ORDER BY tag`)
	if err != nil {
		return nil, fmt.Errorf("failed to list extensions: %w", err)
	}
	defer rows.Close()

	out := []Metadata{}
	for rows.Next() {
		var m Metadata
		if err := rows.Scan(&m.Tag, &m.CreatedAt, &m.UpdatedAt, &m.Digest, &m.Size); err != nil {
			return nil, fmt.Errorf("failed to list extensions: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list extensions: %w", err)
	}
	return out, nil
}

// Metadata implements Store.
func (s *PostgresStore) Metadata(ctx context.Context, tag string) (Metadata, error) {
	if err := ValidateTag(tag); err != nil {
		return Metadata{}, err
	}
	var m Metadata
	err := s.db.QueryRowContext(ctx,
		`SELECT tag, created_at, updated_at, digest, size FROM extensions WHERE tag = $1`, tag).
		Scan(&m.Tag, &m.CreatedAt, &m.UpdatedAt, &m.Digest, &m.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, tag)
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read extension %s: %w", tag, err)
	}
	return m, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, tag string) (Extension, error) {
	if err := ValidateTag(tag); err != nil {
		return Extension{}, err
	}
	var e Extension
	err := s.db.QueryRowContext(ctx,
		`SELECT tag, created_at, updated_at, digest, size, component FROM extensions WHERE tag = $1`, tag).
		Scan(&e.Tag, &e.CreatedAt, &e.UpdatedAt, &e.Digest, &e.Size, &e.Binary)
	if errors.Is(err, sql.ErrNoRows) {
		return Extension{}, fmt.Errorf("%w: %s", ErrNotFound, tag)
	}
	if err != nil {
		return Extension{}, fmt.Errorf("failed to read extension %s: %w", tag, err)
	}
	return e, nil
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, tag string, binary []byte) (Metadata, error) {
	if err := ValidateTag(tag); err != nil {
		return Metadata{}, err
	}
	m := newMetadata(tag, binary, s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO extensions (tag, component, digest, size, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.Tag, binary, m.Digest, m.Size, m.CreatedAt, m.UpdatedAt)
	if pqCode(err) == pqUniqueViolation {
		return Metadata{}, fmt.Errorf("%w: %s", ErrTagExists, tag)
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to create extension %s: %w", tag, err)
	}
	return m, nil
}

// Update implements Store.
func (s *PostgresStore) Update(ctx context.Context, tag string, binary []byte) (Metadata, error) {
	if err := ValidateTag(tag); err != nil {
		return Metadata{}, err
	}
	m := Metadata{Tag: tag}.updated(binary, s.now())
	err := s.db.QueryRowContext(ctx,
		`UPDATE extensions SET component = $2, digest = $3, size = $4, updated_at = $5
		 WHERE tag = $1 RETURNING created_at`,
		tag, binary, m.Digest, m.Size, m.UpdatedAt).Scan(&m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, tag)
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to update extension %s: %w", tag, err)
	}
	return m, nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, tag string) error {
	if err := ValidateTag(tag); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM extensions WHERE tag = $1`, tag)
	if err != nil {
		return fmt.Errorf("failed to delete extension %s: %w", tag, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, tag)
	}
	return nil
}

// Current implements Store.
func (s *PostgresStore) Current(ctx context.Context) (Extension, error) {
	var e Extension
	err := s.db.QueryRowContext(ctx,
		`SELECT e.tag, e.created_at, e.updated_at, e.digest, e.size, e.component
		 FROM current_extension c JOIN extensions e ON e.tag = c.tag
		 WHERE c.id = 1`).
		Scan(&e.Tag, &e.CreatedAt, &e.UpdatedAt, &e.Digest, &e.Size, &e.Binary)
	if errors.Is(err, sql.ErrNoRows) {
		return Extension{}, ErrNoCurrent
	}
	if err != nil {
		return Extension{}, fmt.Errorf("failed to read current extension: %w", err)
	}
	return e, nil
}

// SetCurrent implements Store.
func (s *PostgresStore) SetCurrent(ctx context.Context, tag string) error {
	if err := ValidateTag(tag); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO current_extension (id, tag) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET tag = EXCLUDED.tag`, tag)
	if pqCode(err) == pqForeignKeyViolation {
		return fmt.Errorf("%w: %s", ErrNotFound, tag)
	}
	if err != nil {
		return fmt.Errorf("failed to set current extension: %w", err)
	}
	return nil
}

// ClearCurrent implements Store.
func (s *PostgresStore) ClearCurrent(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM current_extension`); err != nil {
		return fmt.Errorf("failed to clear current extension: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
