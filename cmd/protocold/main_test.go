package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/protocold/internal/artifact"
	"github.com/fyrsmithlabs/protocold/internal/config"
	"github.com/fyrsmithlabs/protocold/internal/engine"
	"github.com/fyrsmithlabs/protocold/internal/graph"
	"github.com/fyrsmithlabs/protocold/internal/protocol"
	"github.com/fyrsmithlabs/protocold/internal/store"
	"github.com/fyrsmithlabs/protocold/internal/telemetry"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestRunServesHealth(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	home := t.TempDir()
	port := freePort(t)
	t.Setenv("HOME", home)
	t.Setenv("PROTOCOLD_STORE_BACKEND", "memory")
	t.Setenv("PROTOCOLD_SERVER_HTTP_PORT", fmt.Sprint(port))
	t.Setenv("PROTOCOLD_ARTIFACTS_ROOT", filepath.Join(home, "artifacts"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, "")
	}()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	var health struct {
		Status string   `json:"status"`
		Kinds  []string `json:"kinds"`
	}
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		return json.NewDecoder(resp.Body).Decode(&health) == nil
	}, 5*time.Second, 50*time.Millisecond)
	assert.NotEmpty(t, health.Kinds)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shutdown in time")
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("PROTOCOLD_STORE_BACKEND", "cassandra")

	err := run(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cassandra")
}

func TestOpenRepository(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		cfg  func(*config.Config)
	}{
		{"memory", func(c *config.Config) { c.Store.Backend = config.BackendMemory }},
		{"file", func(c *config.Config) {
			c.Store.Backend = config.BackendFile
			c.Store.Dir = filepath.Join(dir, "state")
		}},
		{"sqlite", func(c *config.Config) {
			c.Store.Backend = config.BackendSQLite
			c.Store.SQLitePath = filepath.Join(dir, "state.db")
		}},
		{"cached", func(c *config.Config) {
			c.Store.Backend = config.BackendMemory
			c.Store.CacheBytes = 1 << 20
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.cfg(cfg)
			d := &dependencies{logger: zap.NewNop()}
			defer d.Close()

			repo, err := d.openRepository(context.Background(), cfg)
			require.NoError(t, err)
			roundTrip(t, repo)
		})
	}
}

func TestOpenRepositoryEmbeddedNATS(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = config.BackendNATS
	cfg.NATS.Embedded = true
	cfg.NATS.StoreDir = t.TempDir()
	cfg.NATS.Publish = true
	cfg.Artifacts.Root = t.TempDir()
	t.Setenv("HOME", t.TempDir())

	d, err := initDependencies(context.Background(), cfg, telemetry.NewTestTelemetry().Telemetry, zap.NewNop())
	require.NoError(t, err)
	defer d.Close()

	require.NotNil(t, d.natsServer)
	require.NotNil(t, d.natsConn)
	roundTrip(t, d.repo)
}

func roundTrip(t *testing.T, repo store.Repository) {
	t.Helper()
	ctx := context.Background()
	st := &protocol.State{
		Kind:      "plain",
		SessionID: "s1",
		Status:    protocol.StatusExecuting,
	}
	require.NoError(t, repo.Save(ctx, st))
	got, err := repo.Load(ctx, st.Key())
	require.NoError(t, err)
	assert.Equal(t, st.SessionID, got.SessionID)
}

func newGatedEngine(t *testing.T, root string) *engine.Engine {
	t.Helper()
	catalog, err := graph.LoadCatalog(nil)
	require.NoError(t, err)
	g, err := graph.NewBuilder(nil).Build(graph.Definition{
		Kind: "gated",
		Phases: []graph.PhaseDefinition{
			{ID: "A", Artifact: &graph.ArtifactDefinition{Required: true}},
			{ID: "B"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, catalog.Add(g))
	eng, err := engine.New(store.NewMemoryStore(), catalog, engine.WithArtifactRoot(root))
	require.NoError(t, err)
	return eng
}

// gatedArtifact returns an artifact for phase A. Only a terminated artifact
// carries its completion marker.
func gatedArtifact(terminated bool) []byte {
	lines := []string{
		"## Context Loaded",
		"Read the directive.",
		"## Work Summary",
		"Did the work.",
		"## Open Questions",
		"- none",
		"## Downstream Directives",
		"Continue.",
	}
	if terminated {
		lines = append(lines, artifact.MarkerFor("A"))
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

func newWatchingFixture(t *testing.T, logger *zap.Logger) (*engine.Engine, *watchingEngine, string) {
	t.Helper()
	root := t.TempDir()
	eng := newGatedEngine(t, root)

	w, err := artifact.NewWatcher(zap.NewNop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w.Start(ctx)
	t.Cleanup(w.Stop)

	we := newWatchingEngine(eng, w, logger)
	we.settle = 10 * time.Millisecond
	we.setBaseContext(ctx)

	_, err = we.Start(ctx, "gated", "s1", nil)
	require.NoError(t, err)
	_, err = we.Advance(ctx, "gated", "s1", engine.AdvanceRequest{Phase: "A"})
	var blocked *protocol.BlockingPreconditionError
	require.True(t, errors.As(err, &blocked), "got %v", err)
	require.Equal(t, 1, we.Pending())
	return eng, we, artifact.Path(root, "s1", "A")
}

func currentPhase(t *testing.T, eng *engine.Engine) string {
	t.Helper()
	st, err := eng.State(context.Background(), "gated", "s1")
	require.NoError(t, err)
	return st.CurrentPhase
}

func TestWatchingEngineAdvancesWhenArtifactAppears(t *testing.T) {
	eng, we, path := newWatchingFixture(t, zap.NewNop())
	ctx := context.Background()

	// A second blocked advance for the same phase does not schedule twice.
	_, err := we.Advance(ctx, "gated", "s1", engine.AdvanceRequest{Phase: "A"})
	require.Error(t, err)
	assert.Equal(t, 1, we.Pending())

	require.NoError(t, os.WriteFile(path, gatedArtifact(true), 0o600))

	require.Eventually(t, func() bool {
		return currentPhase(t, eng) == "B"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return we.Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestWatchingEngineLeavesInvalidArtifact(t *testing.T) {
	eng, we, path := newWatchingFixture(t, zap.NewNop())

	// Terminated but missing every section: final, and rejected.
	content := "# A\n\ndone\n" + artifact.MarkerFor("A") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	require.Eventually(t, func() bool { return we.Pending() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "A", currentPhase(t, eng))
}

func TestWatchingEngineWaitsForUnfinishedArtifact(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	eng, we, path := newWatchingFixture(t, zap.New(core))

	require.NoError(t, os.WriteFile(path, gatedArtifact(false), 0o600))
	require.Eventually(t, func() bool {
		return logs.FilterMessage("artifact incomplete, waiting for the next write").Len() > 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "A", currentPhase(t, eng))
	assert.Equal(t, 1, we.Pending(), "retry stays armed")

	require.NoError(t, os.WriteFile(path, gatedArtifact(true), 0o600))
	require.Eventually(t, func() bool {
		return currentPhase(t, eng) == "B"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return we.Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestWatchingEngineWithoutWatcher(t *testing.T) {
	eng := newGatedEngine(t, t.TempDir())
	we := newWatchingEngine(eng, nil, zap.NewNop())
	ctx := context.Background()

	_, err := we.Start(ctx, "gated", "s1", nil)
	require.NoError(t, err)
	_, err = we.Advance(ctx, "gated", "s1", engine.AdvanceRequest{Phase: "A"})
	require.Error(t, err)
	assert.Equal(t, 0, we.Pending())
}
