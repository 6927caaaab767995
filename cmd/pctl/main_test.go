package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protocold/internal/engine"
	"github.com/fyrsmithlabs/protocold/internal/graph"
	httpapi "github.com/fyrsmithlabs/protocold/internal/http"
	"github.com/fyrsmithlabs/protocold/internal/protocol"
	"github.com/fyrsmithlabs/protocold/internal/store"
)

func startServer(t *testing.T) string {
	t.Helper()
	catalog, err := graph.LoadCatalog(nil)
	require.NoError(t, err)
	b := graph.NewBuilder(nil)
	for _, def := range []graph.Definition{
		{Kind: "plain", Phases: []graph.PhaseDefinition{{ID: "A"}, {ID: "B"}}},
		{Kind: "gated", Phases: []graph.PhaseDefinition{{ID: "A", Artifact: &graph.ArtifactDefinition{Required: true}}}},
		{Kind: "fan", Phases: []graph.PhaseDefinition{
			{ID: "plan"},
			{ID: "research", Type: "parallel", Branches: []string{"1A", "1B"}},
			{ID: "merge"},
		}},
	} {
		g, err := b.Build(def)
		require.NoError(t, err)
		require.NoError(t, catalog.Add(g))
	}
	eng, err := engine.New(store.NewMemoryStore(), catalog, engine.WithArtifactRoot(t.TempDir()))
	require.NoError(t, err)

	srv, err := httpapi.NewServer(eng, zap.NewNop(), nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func execute(serverURL string, args ...string) (string, string, error) {
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs(append([]string{"--server", serverURL}, args...))
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestRootCmdCommands(t *testing.T) {
	root := newRootCmd(&bytes.Buffer{}, &bytes.Buffer{})
	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	for _, want := range []string{"start", "advance", "halt", "answer", "abandon", "status", "next", "list", "branch", "graph", "health"} {
		assert.Contains(t, names, want)
	}
}

func TestProtocolLifecycle(t *testing.T) {
	url := startServer(t)

	out, _, err := execute(url, "start", "plain", "s1", "--context", `{"goal":"ship"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "plain/s1")
	assert.Contains(t, out, "execute_phase")

	out, _, err = execute(url, "advance", "plain", "s1", "A", "--output", `{"n":1}`)
	require.NoError(t, err)
	assert.Contains(t, out, "B")

	out, _, err = execute(url, "next", "plain", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "# plain")

	out, _, err = execute(url, "--json", "status", "plain", "s1")
	require.NoError(t, err)
	var st protocol.State
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "B", st.CurrentPhase)

	out, _, err = execute(url, "halt", "plain", "s1", "need", "a", "decision")
	require.NoError(t, err)
	assert.Contains(t, out, "need a decision")

	out, _, err = execute(url, "--json", "answer", "plain", "s1", "go left")
	require.NoError(t, err)
	var res httpapi.ResultResponse
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, engine.OutcomeCompleted, res.Outcome)

	out, _, err = execute(url, "list", "--kind", "plain")
	require.NoError(t, err)
	assert.Equal(t, "plain/s1\n", out)
}

func TestAdvanceBlocked(t *testing.T) {
	url := startServer(t)

	_, _, err := execute(url, "start", "gated", "g1")
	require.NoError(t, err)

	out, errOut, err := execute(url, "advance", "gated", "g1", "A")
	require.Error(t, err)
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, httpapi.CodeBlocked, apiErr.Body.Code)
	assert.Contains(t, out, "blocked")
	assert.Contains(t, out, filepath.Join("g1", "A.md"))
	assert.Contains(t, errOut, "412")
}

func TestBranchReportFailureShowsResult(t *testing.T) {
	url := startServer(t)

	_, _, err := execute(url, "start", "fan", "f1")
	require.NoError(t, err)
	_, _, err = execute(url, "advance", "fan", "f1", "plan")
	require.NoError(t, err)

	_, _, err = execute(url, "branch", "report", "fan", "f1", "1A", "--outcome", "failed", "--reason", "offline")
	require.NoError(t, err)

	out, _, err := execute(url, "branch", "report", "fan", "f1", "1B", "--outcome", "failed")
	require.Error(t, err)
	res := resultOf(err)
	require.NotNil(t, res)
	assert.Equal(t, protocol.StatusFailed, res.State.Status)
	assert.Contains(t, out, httpapi.CodeBranchFailure)

	_, _, err = execute(url, "branch", "report", "fan", "f1", "1B", "--outcome", "maybe")
	assert.ErrorContains(t, err, "--outcome")
}

func TestNotFound(t *testing.T) {
	url := startServer(t)

	_, errOut, err := execute(url, "status", "plain", "missing")
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.Status)
	assert.Equal(t, httpapi.CodeNotFound, apiErr.Body.Code)
	assert.Contains(t, errOut, "not_found")
}

func TestHealth(t *testing.T) {
	url := startServer(t)

	out, _, err := execute(url, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "ok")
	assert.Contains(t, out, "plain")
}

func TestJSONArg(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ctx.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"from":"file"}`), 0o600))

	cmd := newRootCmd(&bytes.Buffer{}, &bytes.Buffer{})
	cmd.SetIn(strings.NewReader(`{"from":"stdin"}`))

	got, err := jsonArg(cmd, "")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = jsonArg(cmd, "@"+path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"from":"file"}`, string(got))

	got, err = jsonArg(cmd, "-")
	require.NoError(t, err)
	assert.JSONEq(t, `{"from":"stdin"}`, string(got))

	_, err = jsonArg(cmd, "{not json")
	assert.ErrorContains(t, err, "invalid JSON")

	_, err = jsonArg(cmd, "@"+filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestGraphValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "review.yaml")
	require.NoError(t, os.WriteFile(good, []byte("kind: review\nphases:\n  - id: read\n  - id: comment\n"), 0o600))
	bad := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("kind: broken\nphases:\n  - id: a\n    next: nowhere\n"), 0o600))

	out, _, err := execute("", "graph", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "review, 2 phases")

	out, _, err = execute("", "graph", "validate", good, bad)
	require.Error(t, err)
	assert.Contains(t, out, "invalid")
	assert.Contains(t, err.Error(), "broken.yaml")
}

func TestGraphShow(t *testing.T) {
	out, _, err := execute("", "graph", "show", "agent")
	require.NoError(t, err)
	assert.Contains(t, out, "kind: agent")

	out, _, err = execute("", "graph", "show", "agent", "--format", "json")
	require.NoError(t, err)
	var def graph.Definition
	require.NoError(t, json.Unmarshal([]byte(out), &def))
	assert.Equal(t, "agent", def.Kind)
	assert.NotEmpty(t, def.Phases)

	_, _, err = execute("", "graph", "show", "agent", "--format", "xml")
	assert.ErrorContains(t, err, "unknown format")

	_, _, err = execute("", "graph", "show", "nope")
	assert.Error(t, err)

	out, _, err = execute("", "graph", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "agent")
}
