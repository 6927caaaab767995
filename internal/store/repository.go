// Package store persists protocol instance state.
//
// Every backend implements Repository. Saves are atomic: a reader observes
// either the previous record or the new one, never a torn write. Records that
// cannot be decoded are reported as *protocol.StateLoadError and are never
// replaced by a fresh state.
//
// Saves use the State.Version counter for optimistic concurrency. A Save
// succeeds only if the stored version equals st.Version (zero for a record
// that does not exist yet); on success st.Version is incremented. A mismatch
// returns ErrConflict.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/protocold/internal/protocol"
)

// ErrConflict is returned when the stored version does not match the version
// the caller loaded.
var ErrConflict = errors.New("state version conflict")

// Repository is the persistence contract for protocol state.
type Repository interface {
	// Load returns the state for key, protocol.ErrNotFound when absent, or a
	// *protocol.StateLoadError when the record is corrupt.
	Load(ctx context.Context, key protocol.Key) (*protocol.State, error)
	// Save atomically writes st. See the package documentation for the
	// version rules.
	Save(ctx context.Context, st *protocol.State) error
	// Exists reports whether a record exists for key.
	Exists(ctx context.Context, key protocol.Key) (bool, error)
	// Delete removes the record for key, or returns protocol.ErrNotFound.
	Delete(ctx context.Context, key protocol.Key) error
	// List returns the keys stored for kind, or for every kind when kind is
	// empty, sorted by kind then session.
	List(ctx context.Context, kind string) ([]protocol.Key, error)
}

// Committed is a state snapshot that a Repository has durably saved. The
// zero value is not committed; the only constructors are Commit and
// LoadCommitted.
type Committed struct {
	state *protocol.State
}

// Commit saves st through repo and returns the committed snapshot.
func Commit(ctx context.Context, repo Repository, st *protocol.State) (Committed, error) {
	if err := repo.Save(ctx, st); err != nil {
		return Committed{}, err
	}
	return Committed{state: st.Clone()}, nil
}

// LoadCommitted loads the persisted state for key as a committed snapshot.
func LoadCommitted(ctx context.Context, repo Repository, key protocol.Key) (Committed, error) {
	st, err := repo.Load(ctx, key)
	if err != nil {
		return Committed{}, err
	}
	return Committed{state: st}, nil
}

// Valid reports whether c came from a successful save or load.
func (c Committed) Valid() bool {
	return c.state != nil
}

// State returns a copy of the committed state.
func (c Committed) State() *protocol.State {
	return c.state.Clone()
}

// Key returns the instance key of the snapshot.
func (c Committed) Key() protocol.Key {
	if c.state == nil {
		return protocol.Key{}
	}
	return c.state.Key()
}

// Version returns the persisted version of the snapshot.
func (c Committed) Version() int64 {
	if c.state == nil {
		return 0
	}
	return c.state.Version
}

// Encode serializes st in the persisted record format.
func Encode(st *protocol.State) ([]byte, error) {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding state %s: %w", st.Key(), err)
	}
	return data, nil
}

// Decode parses a persisted record for key. Any failure, including a record
// that belongs to a different key or violates state invariants, is a
// *protocol.StateLoadError.
func Decode(key protocol.Key, data []byte) (*protocol.State, error) {
	var st protocol.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, &protocol.StateLoadError{Key: key, Err: err}
	}
	st.Normalize()
	if st.Key() != key {
		return nil, &protocol.StateLoadError{
			Key: key,
			Err: fmt.Errorf("%w: record belongs to %s", protocol.ErrInconsistentState, st.Key()),
		}
	}
	if err := st.Validate(); err != nil {
		return nil, &protocol.StateLoadError{Key: key, Err: err}
	}
	return &st, nil
}

// prepare validates st and returns the record to write at the next version.
func prepare(st *protocol.State) (*protocol.State, []byte, error) {
	if st == nil {
		return nil, nil, errors.New("nil state")
	}
	st.Normalize()
	if err := st.Validate(); err != nil {
		return nil, nil, fmt.Errorf("saving state %s: %w", st.Key(), err)
	}
	next := st.Clone()
	next.Version = st.Version + 1
	data, err := Encode(next)
	if err != nil {
		return nil, nil, err
	}
	return next, data, nil
}

func conflict(key protocol.Key, stored, expected int64) error {
	return fmt.Errorf("saving state %s: %w: stored version %d, expected %d", key, ErrConflict, stored, expected)
}
