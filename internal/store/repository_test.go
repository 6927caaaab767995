package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/protocold/internal/protocol"
)

var testNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func newTestState(kind, session string) *protocol.State {
	st := protocol.NewState(protocol.Key{Kind: kind, SessionID: session}, json.RawMessage(`{"q":"why"}`), testNow)
	st.Status = protocol.StatusExecuting
	st.SetCurrent("analyze")
	st.MarkStarted("analyze", testNow)
	return st
}

// startTestNATSServer starts an embedded NATS server with JetStream enabled.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func newKVStore(t *testing.T) *KVStore {
	t.Helper()
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	require.NoError(t, err)
	s, err := OpenKV(context.Background(), js, "")
	require.NoError(t, err)
	return s
}

func backends(t *testing.T) map[string]func(t *testing.T) Repository {
	return map[string]func(t *testing.T) Repository{
		"file": func(t *testing.T) Repository {
			s, err := NewFileStore(t.TempDir(), nil)
			require.NoError(t, err)
			return s
		},
		"memory": func(t *testing.T) Repository {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Repository {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"kv": func(t *testing.T) Repository {
			return newKVStore(t)
		},
		"cached": func(t *testing.T) Repository {
			r, err := NewCachedRepository(NewMemoryStore(), 1<<20, 0)
			require.NoError(t, err)
			t.Cleanup(r.Close)
			return r
		},
		"postgres": func(t *testing.T) Repository {
			dsn := os.Getenv("DATABASE_URL")
			if dsn == "" {
				t.Skip("requires DATABASE_URL")
			}
			s, err := OpenPostgres(context.Background(), dsn, 4)
			require.NoError(t, err)
			t.Cleanup(s.Close)
			// Rows from earlier runs would collide with fixed test keys.
			keys, err := s.List(context.Background(), "")
			require.NoError(t, err)
			for _, k := range keys {
				_ = s.Delete(context.Background(), k)
			}
			return s
		},
	}
}

func TestRepositoryContract(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := open(t)
			key := protocol.Key{Kind: "reasoning", SessionID: "s1"}

			_, err := repo.Load(ctx, key)
			assert.ErrorIs(t, err, protocol.ErrNotFound)
			ok, err := repo.Exists(ctx, key)
			require.NoError(t, err)
			assert.False(t, ok)

			st := newTestState("reasoning", "s1")
			require.NoError(t, repo.Save(ctx, st))
			assert.Equal(t, int64(1), st.Version)

			ok, err = repo.Exists(ctx, key)
			require.NoError(t, err)
			assert.True(t, ok)

			loaded, err := repo.Load(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, int64(1), loaded.Version)
			assert.Equal(t, "analyze", loaded.CurrentPhase)
			assert.Equal(t, "analyze", loaded.CurrentPhaseID)
			assert.JSONEq(t, `{"q":"why"}`, string(loaded.Context))

			// Mutating the loaded copy does not touch the stored record.
			loaded.MarkCompleted("analyze", testNow)
			again, err := repo.Load(ctx, key)
			require.NoError(t, err)
			assert.Empty(t, again.CompletedPhases)

			// Second writer holding the stale version loses.
			require.NoError(t, repo.Save(ctx, loaded))
			assert.Equal(t, int64(2), loaded.Version)
			assert.ErrorIs(t, repo.Save(ctx, again), ErrConflict)

			// A fresh record at version 0 conflicts with the existing one.
			assert.ErrorIs(t, repo.Save(ctx, newTestState("reasoning", "s1")), ErrConflict)

			require.NoError(t, repo.Save(ctx, newTestState("reasoning", "s0")))
			require.NoError(t, repo.Save(ctx, newTestState("skill", "s1")))
			keys, err := repo.List(ctx, "reasoning")
			require.NoError(t, err)
			assert.Equal(t, []protocol.Key{
				{Kind: "reasoning", SessionID: "s0"},
				{Kind: "reasoning", SessionID: "s1"},
			}, keys)
			all, err := repo.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)

			require.NoError(t, repo.Delete(ctx, key))
			assert.ErrorIs(t, repo.Delete(ctx, key), protocol.ErrNotFound)
			_, err = repo.Load(ctx, key)
			assert.ErrorIs(t, err, protocol.ErrNotFound)
		})
	}
}

func TestSaveRejectsInvalidState(t *testing.T) {
	repo := NewMemoryStore()
	st := newTestState("reasoning", "s1")
	st.Status = protocol.StatusHalted
	err := repo.Save(context.Background(), st)
	assert.ErrorIs(t, err, protocol.ErrMissingHaltReason)
	assert.Equal(t, int64(0), st.Version)
}

func TestCommit(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStore()

	var zero Committed
	assert.False(t, zero.Valid())

	st := newTestState("agent", "a1")
	c, err := Commit(ctx, repo, st)
	require.NoError(t, err)
	assert.True(t, c.Valid())
	assert.Equal(t, int64(1), c.Version())
	assert.Equal(t, st.Key(), c.Key())

	// The snapshot is detached from the caller's state.
	st.SetCurrent("other")
	assert.Equal(t, "analyze", c.State().CurrentPhase)

	stale := newTestState("agent", "a1")
	_, err = Commit(ctx, repo, stale)
	assert.ErrorIs(t, err, ErrConflict)

	loaded, err := LoadCommitted(ctx, repo, st.Key())
	require.NoError(t, err)
	assert.Equal(t, c.State(), loaded.State())
}

func TestDecode(t *testing.T) {
	key := protocol.Key{Kind: "skill", SessionID: "t1"}

	t.Run("backfills current_phase_id", func(t *testing.T) {
		st, err := Decode(key, []byte(`{"protocol_kind":"skill","session_id":"t1","status":"executing","current_phase":"plan"}`))
		require.NoError(t, err)
		assert.Equal(t, "plan", st.CurrentPhaseID)
		assert.NotNil(t, st.PhaseOutputs)
	})

	t.Run("backfills current_phase", func(t *testing.T) {
		st, err := Decode(key, []byte(`{"protocol_kind":"skill","session_id":"t1","status":"executing","current_phase_id":"plan"}`))
		require.NoError(t, err)
		assert.Equal(t, "plan", st.CurrentPhase)
	})

	for name, data := range map[string]string{
		"truncated":     `{"protocol_kind":"skill","session_id":"t1","sta`,
		"wrong key":     `{"protocol_kind":"skill","session_id":"t2","status":"executing"}`,
		"unknown state": `{"protocol_kind":"skill","session_id":"t1","status":"sleeping"}`,
		"split phase":   `{"protocol_kind":"skill","session_id":"t1","status":"executing","current_phase":"a","current_phase_id":"b"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(key, []byte(data))
			var loadErr *protocol.StateLoadError
			require.ErrorAs(t, err, &loadErr)
			assert.Equal(t, key, loadErr.Key)
		})
	}
}
