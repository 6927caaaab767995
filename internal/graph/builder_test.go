package graph

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/protocold/internal/protocol"
	"github.com/fyrsmithlabs/protocold/internal/remediation"
)

var testNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func linearDef() Definition {
	return Definition{
		Kind: "chain",
		Phases: []PhaseDefinition{
			{ID: "A", Steps: []StepDefinition{{Kind: "analyze"}}},
			{ID: "B", Steps: []StepDefinition{{Kind: "write"}}},
			{ID: "C", Steps: []StepDefinition{{Kind: "review"}}},
		},
	}
}

func TestBuildLinear(t *testing.T) {
	g, err := NewBuilder(nil).Build(linearDef())
	require.NoError(t, err)

	assert.Equal(t, "chain", g.Kind())
	assert.Equal(t, "A", g.Entry())
	a, ok := g.Phase("A")
	require.True(t, ok)
	assert.Equal(t, Linear, a.Type)
	assert.Equal(t, "B", a.Next)
	c, _ := g.Phase("C")
	assert.Empty(t, c.Next)
	assert.Equal(t, []string{"A", "B", "C"}, g.Path("A", "C"))
	assert.Nil(t, g.Path("C", "A"))
	assert.Equal(t, "analyze", a.Steps[0].ID)
}

func TestBuildReportsAllProblems(t *testing.T) {
	def := Definition{
		Kind: "broken",
		Phases: []PhaseDefinition{
			{ID: "A", Steps: []StepDefinition{{Kind: "teleport"}}},
			{ID: "B", Type: "optional"},
			{ID: "C", Type: "remediation", Target: "Z"},
			{ID: "D", Type: "sideways"},
			{ID: "E", Type: "parallel", Context: []string{"nope"}},
			{ID: "F", Validate: "no_such_validator"},
		},
	}
	_, err := NewBuilder(nil).Build(def)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidGraph)

	msg := err.Error()
	for _, want := range []string{
		`unknown step kind "teleport"`,
		`optional phase "B" requires a skip predicate`,
		`remediation phase "C" requires a validator`,
		`unknown type "sideways"`,
		`parallel phase "E" requires expand or branches`,
		`unknown phase "nope"`,
		`targets unknown phase "Z"`,
		`unknown validator "no_such_validator"`,
	} {
		assert.Contains(t, msg, want)
	}
}

func TestBuildTopology(t *testing.T) {
	t.Run("cycle", func(t *testing.T) {
		def := linearDef()
		def.Phases[2].Next = "A"
		_, err := NewBuilder(nil).Build(def)
		assert.ErrorContains(t, err, "cycle")
	})

	t.Run("unreachable", func(t *testing.T) {
		def := linearDef()
		def.Phases[0].Next = "C"
		_, err := NewBuilder(nil).Build(def)
		assert.ErrorContains(t, err, `phase "B" is unreachable`)
	})

	t.Run("explicit end", func(t *testing.T) {
		def := linearDef()
		def.Phases[1].Next = EndOfGraph
		_, err := NewBuilder(nil).Build(def)
		assert.ErrorContains(t, err, `phase "C" is unreachable`)
	})

	t.Run("remediation target must precede", func(t *testing.T) {
		def := Definition{Kind: "r", Phases: []PhaseDefinition{
			{ID: "V", Type: "remediation", Validate: ValidateOutput, Target: "A"},
			{ID: "A"},
		}}
		_, err := NewBuilder(nil).Build(def)
		assert.ErrorContains(t, err, `remediation target "A" does not precede "V"`)
	})

	t.Run("iteration shadows phase", func(t *testing.T) {
		def := Definition{Kind: "clash", Phases: []PhaseDefinition{
			{ID: "exec", Type: "iterative", Iterations: []string{"a", "b"}},
			{ID: "exec-a"},
		}}
		_, err := NewBuilder(nil).Build(def)
		assert.ErrorContains(t, err, `iterative phase "exec" label "a" collides with phase "exec-a"`)
	})
}

func TestBuildTypedPhases(t *testing.T) {
	def := Definition{Kind: "typed", Phases: []PhaseDefinition{
		{ID: "A", Artifact: &ArtifactDefinition{Required: true}},
		{ID: "O", Type: "OPTIONAL", Skip: SkipQuickMode},
		{ID: "I", Type: "iterative", Iterations: []string{"a", "b"}},
		{ID: "V", Type: "remediation", Validate: ValidateOutput, Target: "A", MaxRemediation: 2},
		{ID: "P", Type: "parallel", Branches: []string{"1A", "1B"}},
		{ID: "M"},
	}}
	g, err := NewBuilder(nil).Build(def)
	require.NoError(t, err)

	a, _ := g.Phase("A")
	require.NotNil(t, a.Artifact)
	assert.Equal(t, "A", a.Artifact.Producer)
	assert.Equal(t, "I-b", a.ContractFor("I-b").Producer)

	v, _ := g.Phase("V")
	assert.Equal(t, remediation.PolicyForceComplete, v.OnExhausted)
	assert.Equal(t, 2, v.MaxRemediation)

	p, _ := g.Phase("P")
	assert.Equal(t, 1, p.MinSuccesses)
	assert.Equal(t, "M", p.Merge)
	parallel, ok := g.MergeOf("M")
	assert.True(t, ok)
	assert.Equal(t, "P", parallel)
	_, ok = g.MergeOf("A")
	assert.False(t, ok)

	o, _ := g.Phase("O")
	st := protocol.NewState(protocol.Key{Kind: "typed", SessionID: "s"}, json.RawMessage(`{"quick":true}`), testNow)
	assert.True(t, o.Skip(st))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Contains(t, r.StepKinds(), "research")

	require.NoError(t, r.RegisterStepKind("deploy", "ship it"))
	assert.ErrorIs(t, r.RegisterStepKind("deploy", ""), ErrDuplicateName)
	assert.ErrorIs(t, r.RegisterSkip("", nil), ErrEmptyName)
	assert.ErrorIs(t, r.RegisterValidator(ValidateOutput, OutputVerdict), ErrDuplicateName)

	require.NoError(t, r.RegisterExpander("three", func(*protocol.State) ([]string, error) {
		return []string{"x", "y", "z"}, nil
	}))
	def := Definition{Kind: "custom", Phases: []PhaseDefinition{
		{ID: "go", Type: "iterative", Expand: "three", Steps: []StepDefinition{{Kind: "deploy"}}},
	}}
	g, err := NewBuilder(r).Build(def)
	require.NoError(t, err)
	p, _ := g.Phase("go")
	labels, err := p.Expand(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z"}, labels)
}

func TestBuiltinExpandersAndValidators(t *testing.T) {
	st := protocol.NewState(protocol.Key{Kind: "skill", SessionID: "s"},
		json.RawMessage(`{"branches":["web","code"],"iterations":["1","2"]}`), testNow)
	st.PhaseOutputs["plan"] = json.RawMessage(`{"items":["parse","emit"]}`)

	r := NewRegistry()
	branches, _ := r.expander(ExpandBranches)
	got, err := branches(st)
	require.NoError(t, err)
	assert.Equal(t, []string{"web", "code"}, got)

	items, _ := r.expander(ExpandPlanItems)
	got, err = items(st)
	require.NoError(t, err)
	assert.Equal(t, []string{"parse", "emit"}, got)

	delete(st.PhaseOutputs, "plan")
	_, err = items(st)
	assert.Error(t, err)

	v := OutputVerdict(st, json.RawMessage(`{"pass":false,"reason":"no citations"}`))
	assert.False(t, v.Pass)
	assert.Equal(t, "no citations", v.Reason)
	assert.False(t, OutputVerdict(st, json.RawMessage(`"garbage"`)).Pass)
}

func TestLoadCatalogBuiltins(t *testing.T) {
	c, err := LoadCatalog(NewRegistry())
	require.NoError(t, err)
	assert.Equal(t, []string{"agent", "reasoning", "skill"}, c.Kinds())

	g, err := c.Get("reasoning")
	require.NoError(t, err)
	research, ok := g.Phase("research")
	require.True(t, ok)
	assert.Equal(t, Parallel, research.Type)
	assert.Equal(t, "agent", research.BranchKind)
	critique, _ := g.Phase("critique")
	assert.Equal(t, "synthesize", critique.Target)

	_, err = c.Get("nope")
	assert.ErrorIs(t, err, protocol.ErrUnknownKind)
}

func TestLoadFileFormats(t *testing.T) {
	dir := t.TempDir()

	tomlPath := filepath.Join(dir, "review.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte(`
kind = "review"

[[phases]]
id = "read"
  [[phases.steps]]
  kind = "load"

[[phases]]
id = "judge"
type = "remediation"
validate = "output_verdict"
target = "read"
max_remediation = 1
`), 0o600))

	def, err := LoadFile(tomlPath)
	require.NoError(t, err)
	assert.Equal(t, "review", def.Kind)
	require.Len(t, def.Phases, 2)
	assert.Equal(t, 1, def.Phases[1].MaxRemediation)
	assert.Equal(t, "load", def.Phases[0].Steps[0].Kind)

	out, err := MarshalYAML(def)
	require.NoError(t, err)
	yamlPath := filepath.Join(dir, "review.yaml")
	require.NoError(t, os.WriteFile(yamlPath, out, 0o600))

	again, err := LoadFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, def.Kind, again.Kind)
	assert.Equal(t, def.Phases[1].Target, again.Phases[1].Target)

	c, err := LoadCatalog(NewRegistry(), yamlPath)
	require.NoError(t, err)
	assert.Contains(t, c.Kinds(), "review")

	_, err = LoadFile(filepath.Join(dir, "x.json"))
	assert.Error(t, err)
}

func TestCatalogValidateBranchKind(t *testing.T) {
	g, err := NewBuilder(nil).Build(Definition{Kind: "fan", Phases: []PhaseDefinition{
		{ID: "P", Type: "parallel", Branches: []string{"a"}, BranchKind: "ghost"},
	}})
	require.NoError(t, err)
	c, err := NewCatalog(g)
	require.NoError(t, err)
	assert.ErrorContains(t, c.Validate(), `branch_kind "ghost"`)
	assert.ErrorIs(t, c.Add(g), ErrDuplicateName)
}
