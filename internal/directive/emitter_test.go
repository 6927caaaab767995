package directive

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/protocold/internal/graph"
	"github.com/fyrsmithlabs/protocold/internal/protocol"
	"github.com/fyrsmithlabs/protocold/internal/secrets"
	"github.com/fyrsmithlabs/protocold/internal/store"
)

var testNow = time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

func testGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.NewBuilder(nil).Build(graph.Definition{
		Kind: "study",
		Phases: []graph.PhaseDefinition{
			{ID: "plan", Description: "Plan the study", Steps: []graph.StepDefinition{{Kind: "plan"}},
				Artifact: &graph.ArtifactDefinition{Required: true}},
			{ID: "research", Type: "parallel", Branches: []string{"web", "code"}, BranchKind: "agent"},
			{ID: "merge", Context: []string{"plan"}, Steps: []graph.StepDefinition{{Kind: "synthesize"}}},
			{ID: "exec", Type: "iterative", Iterations: []string{"x", "y"},
				Artifact: &graph.ArtifactDefinition{Required: true}},
			{ID: "check", Type: "remediation", Validate: graph.ValidateOutput, Target: "exec", MaxRemediation: 2},
			{ID: "done"},
		},
	})
	require.NoError(t, err)
	return g
}

func commit(t *testing.T, st *protocol.State) store.Committed {
	t.Helper()
	c, err := store.Commit(context.Background(), store.NewMemoryStore(), st)
	require.NoError(t, err)
	return c
}

func executing(phase string) *protocol.State {
	st := protocol.NewState(protocol.Key{Kind: "study", SessionID: "s1"}, nil, testNow)
	st.Status = protocol.StatusExecuting
	st.SetCurrent(phase)
	return st
}

func TestRenderRequiresCommittedState(t *testing.T) {
	_, err := NewEmitter().Render(store.Committed{}, testGraph(t))
	assert.ErrorIs(t, err, ErrNotCommitted)

	other, err := graph.NewBuilder(nil).Build(graph.Definition{Kind: "other", Phases: []graph.PhaseDefinition{{ID: "a"}}})
	require.NoError(t, err)
	_, err = NewEmitter().Render(commit(t, executing("plan")), other)
	assert.ErrorIs(t, err, ErrGraphMismatch)
}

func TestRenderExecutePhase(t *testing.T) {
	g := testGraph(t)
	e := NewEmitter(WithArtifactRoot("/artifacts"))
	c := commit(t, executing("plan"))

	d, err := e.Render(c, g)
	require.NoError(t, err)
	assert.Equal(t, ActionExecutePhase, d.Action)
	assert.Equal(t, "plan", d.Phase)
	assert.Equal(t, "linear", d.PhaseType)
	assert.Equal(t, "Plan the study", d.Description)
	require.Len(t, d.Steps, 1)
	assert.Equal(t, "plan", d.Steps[0].Kind)
	require.NotNil(t, d.Artifact)
	assert.Equal(t, "/artifacts/s1/plan.md", d.Artifact.Path)
	assert.Equal(t, "<!-- PLAN_COMPLETE -->", d.Artifact.Marker)
	assert.Len(t, d.Artifact.Sections, 4)
	assert.Equal(t, int64(1), d.StateVersion)
	assert.Equal(t, testNow, d.IssuedAt)

	again, err := e.Render(c, g)
	require.NoError(t, err)
	assert.Equal(t, d, again, "rendering is a pure function of the snapshot")
}

func TestRenderParallelAndMerge(t *testing.T) {
	g := testGraph(t)
	e := NewEmitter()

	st := executing("research")
	st.MarkCompleted("plan", testNow)
	st.PhaseOutputs["plan"] = json.RawMessage(`{"goal":"map"}`)
	st.Branches = map[string]map[string]protocol.BranchState{
		"research": {
			"web":  {ID: "web", Outcome: protocol.OutcomeSucceeded},
			"code": {ID: "code", Outcome: protocol.OutcomePending},
		},
	}
	d, err := e.Render(commit(t, st), g)
	require.NoError(t, err)
	assert.Equal(t, ActionRunBranches, d.Action)
	assert.Equal(t, []string{"code"}, d.PendingBranches())
	require.Len(t, d.Branches, 2)
	assert.Equal(t, "code", d.Branches[0].ID)
	assert.Equal(t, "s1.code", d.Branches[0].SessionID)
	assert.Equal(t, "agent", d.Branches[0].Kind)

	st = executing("merge")
	st.PhaseOutputs["plan"] = json.RawMessage(`{"goal":"map"}`)
	st.PhaseOutputs["research"] = json.RawMessage(`{"phase":"research","succeeded":["web"]}`)
	st.PhaseOutputs["unrelated"] = json.RawMessage(`{"x":1}`)
	d, err = e.Render(commit(t, st), g)
	require.NoError(t, err)
	assert.Equal(t, ActionMerge, d.Action)
	assert.Len(t, d.Context, 2)
	assert.JSONEq(t, `{"goal":"map"}`, string(d.Context["plan"]))
	assert.Contains(t, d.Context, "research")
	assert.NotContains(t, d.Context, "unrelated")
}

func TestRenderIterationAndRemediation(t *testing.T) {
	g := testGraph(t)
	st := executing("exec-x")
	st.ParentPhase = "exec"
	st.Expansions = map[string][]string{"exec": {"exec-x", "exec-y"}}
	st.RetryCounters["exec"] = 1
	st.Failures = []protocol.Failure{{Phase: "check", Target: "exec", Attempt: 1, Reason: "missing tests", At: testNow}}

	d, err := NewEmitter(WithArtifactRoot("/a")).Render(commit(t, st), g)
	require.NoError(t, err)
	require.NotNil(t, d.Iteration)
	assert.Equal(t, Iteration{Parent: "exec", Label: "x", Index: 1, Total: 2}, *d.Iteration)
	assert.Equal(t, "iterative", d.PhaseType)
	assert.Equal(t, "/a/s1/exec-x.md", d.Artifact.Path)
	assert.Equal(t, "<!-- EXEC_X_COMPLETE -->", d.Artifact.Marker)
	require.NotNil(t, d.Remediation)
	assert.Equal(t, 1, d.Remediation.Attempt)
	assert.Equal(t, 2, d.Remediation.Max)
	assert.Equal(t, "missing tests", d.Remediation.Reason)
}

func TestRenderBoundsAndScrubsContext(t *testing.T) {
	g := testGraph(t)
	scrubber, err := secrets.New(nil)
	require.NoError(t, err)
	token := "ghp_" + strings.Repeat("a1B2", 9)

	st := executing("merge")
	st.PhaseOutputs["plan"] = json.RawMessage(`{"note":"token ` + token + `","body":"` + strings.Repeat("x", 300) + `"}`)
	st.PhaseOutputs["research"] = json.RawMessage(`{"ok":true}`)

	d, err := NewEmitter(WithScrubber(scrubber), WithMaxContextBytes(64)).Render(commit(t, st), g)
	require.NoError(t, err)
	assert.Equal(t, []string{"plan"}, d.Truncated)
	var cut string
	require.NoError(t, json.Unmarshal(d.Context["plan"], &cut))
	assert.LessOrEqual(t, len(cut), 64)
	assert.NotContains(t, string(d.Context["plan"]), token)
	assert.JSONEq(t, `{"ok":true}`, string(d.Context["research"]))
}

func TestRenderTerminalAndHalted(t *testing.T) {
	g := testGraph(t)
	e := NewEmitter()

	st := executing("merge")
	st.Status = protocol.StatusHalted
	st.HaltReason = "which dataset?"
	d, err := e.Render(commit(t, st), g)
	require.NoError(t, err)
	assert.Equal(t, ActionAwaitInput, d.Action)
	assert.Equal(t, "which dataset?", d.Reason)

	st = executing("done")
	st.Status = protocol.StatusCompleted
	st.Gaps = []protocol.Gap{{Phase: "check", Target: "exec", Attempts: 2, Reason: "unresolved"}}
	d, err = e.Render(commit(t, st), g)
	require.NoError(t, err)
	assert.Equal(t, ActionComplete, d.Action)
	assert.True(t, d.Action.IsTerminal())
	assert.Len(t, d.Gaps, 1)
}

func TestRenderers(t *testing.T) {
	g := testGraph(t)
	st := executing("exec-y")
	st.ParentPhase = "exec"
	st.Expansions = map[string][]string{"exec": {"exec-x", "exec-y"}}
	d, err := NewEmitter(WithArtifactRoot("/a")).Render(commit(t, st), g)
	require.NoError(t, err)

	md, err := MarkdownRenderer{}.Render(d)
	require.NoError(t, err)
	text := string(md)
	assert.Contains(t, text, "# study: execute exec-y")
	assert.Contains(t, text, "iteration: 2/2 `y` of `exec`")
	assert.Contains(t, text, "`/a/s1/exec-y.md`")
	assert.Contains(t, text, "`<!-- EXEC_Y_COMPLETE -->`")
	assert.Contains(t, text, "- `## Open Questions`")

	js, err := JSONRenderer{}.Render(d)
	require.NoError(t, err)
	var decoded Directive
	require.NoError(t, json.Unmarshal(js, &decoded))
	assert.Equal(t, d.ID, decoded.ID)
	assert.Equal(t, "application/json", JSONRenderer{}.ContentType())
}

func TestNATSPublisher(t *testing.T) {
	server, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go server.Start()
	require.True(t, server.ReadyForConnections(5*time.Second))
	defer func() {
		server.Shutdown()
		server.WaitForShutdown()
	}()

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	ch := make(chan *nats.Msg, 4)
	sub, err := nc.ChanSubscribe("protocol.study.>", ch)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, nc.Flush())

	p := NewNATSPublisher(nc)
	d := &Directive{ID: "d1", Kind: "study", SessionID: "s1", Action: ActionExecutePhase, Phase: "plan"}
	require.NoError(t, p.PublishDirective(context.Background(), d))
	require.NoError(t, p.PublishEvent(context.Background(), Event{Kind: "study", SessionID: "s1.web", Event: EventCompleted, At: testNow}))
	require.NoError(t, nc.Flush())

	select {
	case msg := <-ch:
		assert.Equal(t, "protocol.study.s1.directive", msg.Subject)
		var got Directive
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, "d1", got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("directive not received")
	}
	select {
	case msg := <-ch:
		assert.Equal(t, "protocol.study.s1.web.completed", msg.Subject)
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}
}
