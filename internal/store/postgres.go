package store

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql (needed by goose)
	"github.com/pressly/goose/v3"

	"github.com/fyrsmithlabs/protocold/internal/protocol"
)

//go:embed migrations/*.sql
var migrations embed.FS

// RunMigrations applies all pending goose migrations from the embedded SQL
// files.
func RunMigrations(ctx context.Context, dsn string) error {
	goose.SetBaseFS(migrations)

	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db for migrations: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// PostgresStore keeps one JSONB row per instance.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over an existing pool. The schema must
// already be migrated.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgres migrates the database at dsn and returns a store over a new
// pool. Close releases the pool.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	if err := RunMigrations(ctx, dsn); err != nil {
		return nil, err
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Load(ctx context.Context, key protocol.Key) (*protocol.State, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM protocol_states WHERE kind = $1 AND session_id = $2`,
		key.Kind, key.SessionID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", protocol.ErrNotFound, key)
		}
		return nil, &protocol.StateLoadError{Key: key, Err: err}
	}
	return Decode(key, data)
}

func (s *PostgresStore) Save(ctx context.Context, st *protocol.State) error {
	next, data, err := prepare(st)
	if err != nil {
		return err
	}
	key := st.Key()

	var sql string
	var args []any
	if st.Version == 0 {
		sql = `INSERT INTO protocol_states (kind, session_id, version, status, state, updated_at)
		       VALUES ($1, $2, $3, $4, $5, $6)
		       ON CONFLICT (kind, session_id) DO NOTHING`
		args = []any{key.Kind, key.SessionID, next.Version, string(next.Status), data, next.UpdatedAt}
	} else {
		sql = `UPDATE protocol_states SET version = $3, status = $4, state = $5, updated_at = $6
		       WHERE kind = $1 AND session_id = $2 AND version = $7`
		args = []any{key.Kind, key.SessionID, next.Version, string(next.Status), data, next.UpdatedAt, st.Version}
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("saving state %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("saving state %s at version %d: %w", key, st.Version, ErrConflict)
	}
	st.Version = next.Version
	return nil
}

func (s *PostgresStore) Exists(ctx context.Context, key protocol.Key) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM protocol_states WHERE kind = $1 AND session_id = $2)`,
		key.Kind, key.SessionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return exists, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key protocol.Key) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM protocol_states WHERE kind = $1 AND session_id = $2`,
		key.Kind, key.SessionID)
	if err != nil {
		return fmt.Errorf("deleting state %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", protocol.ErrNotFound, key)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, kind string) ([]protocol.Key, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT kind, session_id FROM protocol_states
		 WHERE ($1 = '' OR kind = $1) ORDER BY kind, session_id`, kind)
	if err != nil {
		return nil, fmt.Errorf("listing states: %w", err)
	}
	defer rows.Close()

	var keys []protocol.Key
	for rows.Next() {
		var k protocol.Key
		if err := rows.Scan(&k.Kind, &k.SessionID); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
