package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStorage implements Storage on one PostgreSQL table, for
// deployments that run several servers against shared state.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage connects to dsn and creates the objects table if needed.
func NewPostgresStorage(ctx context.Context, dsn string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	s := &PostgresStorage{pool: pool}
	if err := s.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStorage) ensureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS taskpilot_objects (
			path       TEXT PRIMARY KEY,
			parent     TEXT NOT NULL,
			data       BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create objects table: %w", err)
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_taskpilot_objects_parent ON taskpilot_objects(parent)`)
	if err != nil {
		return fmt.Errorf("failed to create objects index: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

// parentOf returns the directory part of a normalized path.
func parentOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}

func (s *PostgresStorage) Read(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM taskpilot_objects WHERE path = $1`, normalize(path)).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func (s *PostgresStorage) Write(ctx context.Context, path string, data []byte) error {
	p := normalize(path)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO taskpilot_objects (path, parent, data, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		p, parentOf(p), data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func (s *PostgresStorage) Create(ctx context.Context, path string, data []byte) error {
	p := normalize(path)
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO taskpilot_objects (path, parent, data, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (path) DO NOTHING`,
		p, parentOf(p), data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", path, ErrAlreadyExists)
	}
	return nil
}

func (s *PostgresStorage) Delete(ctx context.Context, path string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM taskpilot_objects WHERE path = $1`, normalize(path))
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return nil
}

// List returns direct children of prefix.
func (s *PostgresStorage) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT path FROM taskpilot_objects WHERE parent = $1 ORDER BY path`, normalize(prefix))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	paths, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	return paths, nil
}

func (s *PostgresStorage) Exists(ctx context.Context, path string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM taskpilot_objects WHERE path = $1)`, normalize(path)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return exists, nil
}
