package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Register the pure-Go sqlite driver

	"github.com/fyrsmithlabs/protocold/internal/protocol"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS protocol_states (
	kind       TEXT    NOT NULL,
	session_id TEXT    NOT NULL,
	version    INTEGER NOT NULL,
	status     TEXT    NOT NULL,
	state      TEXT    NOT NULL,
	updated_at TEXT    NOT NULL,
	PRIMARY KEY (kind, session_id)
);
CREATE INDEX IF NOT EXISTS idx_protocol_states_status ON protocol_states(status);
`

// SQLiteStore keeps one row per instance in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path in WAL mode and applies
// the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema on %s: %w", path, err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context, key protocol.Key) (*protocol.State, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM protocol_states WHERE kind = ? AND session_id = ?`,
		key.Kind, key.SessionID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", protocol.ErrNotFound, key)
		}
		return nil, &protocol.StateLoadError{Key: key, Err: err}
	}
	return Decode(key, []byte(data))
}

// Save inserts the first version and updates later ones only when the stored
// version matches.
func (s *SQLiteStore) Save(ctx context.Context, st *protocol.State) error {
	next, data, err := prepare(st)
	if err != nil {
		return err
	}
	key := st.Key()
	updated := next.UpdatedAt.UTC().Format(time.RFC3339Nano)

	var res sql.Result
	if st.Version == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO protocol_states (kind, session_id, version, status, state, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (kind, session_id) DO NOTHING`,
			key.Kind, key.SessionID, next.Version, string(next.Status), string(data), updated)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE protocol_states SET version = ?, status = ?, state = ?, updated_at = ?
			 WHERE kind = ? AND session_id = ? AND version = ?`,
			next.Version, string(next.Status), string(data), updated,
			key.Kind, key.SessionID, st.Version)
	}
	if err != nil {
		return fmt.Errorf("saving state %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("saving state %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("saving state %s at version %d: %w", key, st.Version, ErrConflict)
	}
	st.Version = next.Version
	return nil
}

func (s *SQLiteStore) Exists(ctx context.Context, key protocol.Key) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM protocol_states WHERE kind = ? AND session_id = ?`,
		key.Kind, key.SessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key protocol.Key) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM protocol_states WHERE kind = ? AND session_id = ?`,
		key.Kind, key.SessionID)
	if err != nil {
		return fmt.Errorf("deleting state %s: %w", key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", protocol.ErrNotFound, key)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, kind string) ([]protocol.Key, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, session_id FROM protocol_states
		 WHERE (? = '' OR kind = ?) ORDER BY kind, session_id`, kind, kind)
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
