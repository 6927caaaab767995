package graph

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/protocold/internal/artifact"
	"github.com/fyrsmithlabs/protocold/internal/remediation"
)

// EndOfGraph is the explicit terminal Next edge.
const EndOfGraph = "$end"

// ErrInvalidGraph wraps every construction-time validation failure.
var ErrInvalidGraph = errors.New("invalid graph")

// Definition is the serializable form of a graph.
type Definition struct {
	Kind        string            `koanf:"kind" yaml:"kind" toml:"kind" json:"kind"`
	Description string            `koanf:"description" yaml:"description,omitempty" toml:"description" json:"description,omitempty"`
	Entry       string            `koanf:"entry" yaml:"entry,omitempty" toml:"entry" json:"entry,omitempty"`
	Phases      []PhaseDefinition `koanf:"phases" yaml:"phases" toml:"phases" json:"phases"`
}

// StepDefinition is the serializable form of a step.
type StepDefinition struct {
	ID          string `koanf:"id" yaml:"id,omitempty" toml:"id" json:"id,omitempty"`
	Kind        string `koanf:"kind" yaml:"kind" toml:"kind" json:"kind"`
	Description string `koanf:"description" yaml:"description,omitempty" toml:"description" json:"description,omitempty"`
}

// ArtifactDefinition declares the artifact contract of a phase.
type ArtifactDefinition struct {
	Required bool               `koanf:"required" yaml:"required" toml:"required" json:"required"`
	Sections []artifact.Section `koanf:"sections" yaml:"sections,omitempty" toml:"sections" json:"sections,omitempty"`
}

// PhaseDefinition is the serializable form of a phase.
type PhaseDefinition struct {
	ID          string              `koanf:"id" yaml:"id" toml:"id" json:"id"`
	Type        string              `koanf:"type" yaml:"type,omitempty" toml:"type" json:"type,omitempty"`
	Description string              `koanf:"description" yaml:"description,omitempty" toml:"description" json:"description,omitempty"`
	Next        string              `koanf:"next" yaml:"next,omitempty" toml:"next" json:"next,omitempty"`
	Steps       []StepDefinition    `koanf:"steps" yaml:"steps,omitempty" toml:"steps" json:"steps,omitempty"`
	Artifact    *ArtifactDefinition `koanf:"artifact" yaml:"artifact,omitempty" toml:"artifact" json:"artifact,omitempty"`
	Context     []string            `koanf:"context" yaml:"context,omitempty" toml:"context" json:"context,omitempty"`

	Skip       string   `koanf:"skip" yaml:"skip,omitempty" toml:"skip" json:"skip,omitempty"`
	Expand     string   `koanf:"expand" yaml:"expand,omitempty" toml:"expand" json:"expand,omitempty"`
	Iterations []string `koanf:"iterations" yaml:"iterations,omitempty" toml:"iterations" json:"iterations,omitempty"`

	Validate       string `koanf:"validate" yaml:"validate,omitempty" toml:"validate" json:"validate,omitempty"`
	Target         string `koanf:"target" yaml:"target,omitempty" toml:"target" json:"target,omitempty"`
	MaxRemediation int    `koanf:"max_remediation" yaml:"max_remediation,omitempty" toml:"max_remediation" json:"max_remediation,omitempty"`
	OnExhausted    string `koanf:"on_exhausted" yaml:"on_exhausted,omitempty" toml:"on_exhausted" json:"on_exhausted,omitempty"`

	Branches     []string `koanf:"branches" yaml:"branches,omitempty" toml:"branches" json:"branches,omitempty"`
	BranchKind   string   `koanf:"branch_kind" yaml:"branch_kind,omitempty" toml:"branch_kind" json:"branch_kind,omitempty"`
	FailOnError  bool     `koanf:"fail_on_error" yaml:"fail_on_error,omitempty" toml:"fail_on_error" json:"fail_on_error,omitempty"`
	MinSuccesses int      `koanf:"min_successes" yaml:"min_successes,omitempty" toml:"min_successes" json:"min_successes,omitempty"`
}

// Builder turns Definitions into Graphs.
type Builder struct {
	registry *Registry
}

// NewBuilder creates a Builder resolving names through r. A nil registry
// selects NewRegistry().
func NewBuilder(r *Registry) *Builder {
	if r == nil {
		r = NewRegistry()
	}
	return &Builder{registry: r}
}

// Build validates def and returns the immutable graph. All problems are
// reported together, each wrapped in ErrInvalidGraph.
func (b *Builder) Build(def Definition) (*Graph, error) {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s: %s", ErrInvalidGraph, def.Kind, fmt.Sprintf(format, args...)))
	}

	if def.Kind == "" {
		fail("kind is required")
	}
	if len(def.Phases) == 0 {
		fail("at least one phase is required")
		return nil, errors.Join(errs...)
	}

	g := &Graph{
		kind:        def.Kind,
		description: def.Description,
		phases:      make(map[string]*Phase, len(def.Phases)),
		merges:      make(map[string]string),
		def:         def,
	}

	for i, pd := range def.Phases {
		if pd.ID == "" {
			fail("phase %d has no id", i)
			continue
		}
		if pd.ID == EndOfGraph {
			fail("phase id %q is reserved", EndOfGraph)
			continue
		}
		if _, dup := g.phases[pd.ID]; dup {
			fail("duplicate phase %q", pd.ID)
			continue
		}
		p := b.resolvePhase(pd, fail)
		switch {
		case pd.Next == EndOfGraph:
			p.Next = ""
		case pd.Next != "":
			p.Next = pd.Next
		case i+1 < len(def.Phases):
			p.Next = def.Phases[i+1].ID
		}
		g.phases[p.ID] = p
		g.order = append(g.order, p.ID)
	}

	g.entry = def.Entry
	if g.entry == "" && len(g.order) > 0 {
		g.entry = g.order[0]
	}
	if _, ok := g.phases[g.entry]; !ok {
		fail("entry phase %q not defined", g.entry)
	}

	b.checkReferences(g, fail)
	if len(errs) == 0 {
		checkTopology(g, fail)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return g, nil
}

func (b *Builder) resolvePhase(pd PhaseDefinition, fail func(string, ...any)) *Phase {
	typ, ok := ParsePhaseType(pd.Type)
	if !ok {
		fail("phase %q has unknown type %q", pd.ID, pd.Type)
	}
	p := &Phase{
		ID:             pd.ID,
		Type:           typ,
		Description:    pd.Description,
		Context:        append([]string(nil), pd.Context...),
		SkipName:       pd.Skip,
		ExpandName:     pd.Expand,
		Iterations:     append([]string(nil), pd.Iterations...),
		ValidateName:   pd.Validate,
		Target:         pd.Target,
		MaxRemediation: pd.MaxRemediation,
		OnExhausted:    remediation.Policy(pd.OnExhausted),
		Branches:       append([]string(nil), pd.Branches...),
		BranchKind:     pd.BranchKind,
		FailOnError:    pd.FailOnError,
		MinSuccesses:   pd.MinSuccesses,
	}

	stepIDs := make(map[string]struct{}, len(pd.Steps))
	for _, sd := range pd.Steps {
		kind, ok := b.registry.stepKind(sd.Kind)
		if !ok {
			fail("phase %q references unknown step kind %q", pd.ID, sd.Kind)
			continue
		}
		id := sd.ID
		if id == "" {
			id = sd.Kind
		}
		if _, dup := stepIDs[id]; dup {
			fail("phase %q has duplicate step %q", pd.ID, id)
			continue
		}
		stepIDs[id] = struct{}{}
		p.Steps = append(p.Steps, Step{ID: id, Kind: kind, Description: sd.Description})
	}

	if pd.Artifact != nil && pd.Artifact.Required {
		var sections []artifact.Section
		if len(pd.Artifact.Sections) > 0 {
			sections = pd.Artifact.Sections
		}
		c := artifact.NewContract(pd.ID, sections)
		p.Artifact = &c
	}

	if pd.Skip != "" {
		if p.Skip, ok = b.registry.skip(pd.Skip); !ok {
			fail("phase %q references unknown skip predicate %q", pd.ID, pd.Skip)
		}
	}
	if pd.Expand != "" {
		if p.Expand, ok = b.registry.expander(pd.Expand); !ok {
			fail("phase %q references unknown expander %q", pd.ID, pd.Expand)
		}
	}
	if pd.Validate != "" {
		if p.Validate, ok = b.registry.validator(pd.Validate); !ok {
			fail("phase %q references unknown validator %q", pd.ID, pd.Validate)
		}
	}

	switch typ {
	case Optional:
		if pd.Skip == "" {
			fail("optional phase %q requires a skip predicate", pd.ID)
		}
	case Iterative:
		if pd.Expand == "" && len(pd.Iterations) == 0 {
			fail("iterative phase %q requires expand or iterations", pd.ID)
		}
	case Remediation:
		if pd.Validate == "" {
			fail("remediation phase %q requires a validator", pd.ID)
		}
		if pd.Target == "" {
			fail("remediation phase %q requires a target", pd.ID)
		}
		if pd.MaxRemediation < 0 {
			fail("remediation phase %q has negative max_remediation", pd.ID)
		}
		if !p.OnExhausted.Valid() {
			fail("remediation phase %q has unknown on_exhausted policy %q", pd.ID, pd.OnExhausted)
		}
		if p.OnExhausted == "" {
			p.OnExhausted = remediation.PolicyForceComplete
		}
	case Parallel:
		if pd.Expand == "" && len(pd.Branches) == 0 {
			fail("parallel phase %q requires expand or branches", pd.ID)
		}
		if pd.MinSuccesses < 0 {
			fail("parallel phase %q has negative min_successes", pd.ID)
		}
		if p.MinSuccesses == 0 {
			p.MinSuccesses = 1
		}
	}
	return p
}

func (b *Builder) checkReferences(g *Graph, fail func(string, ...any)) {
	for _, id := range g.order {
		p := g.phases[id]
		if p.Next != "" {
			if _, ok := g.phases[p.Next]; !ok {
				fail("phase %q has unknown next %q", id, p.Next)
			}
		}
		for _, c := range p.Context {
			if _, ok := g.phases[c]; !ok {
				fail("phase %q requests context from unknown phase %q", id, c)
			}
		}
		if p.Type == Remediation && p.Target != "" {
			if _, ok := g.phases[p.Target]; !ok {
				fail("remediation phase %q targets unknown phase %q", id, p.Target)
			}
		}
		if p.Type == Parallel && p.Next != "" {
			p.Merge = p.Next
			g.merges[p.Next] = id
		}
		if p.Type == Iterative {
			for _, label := range p.Iterations {
				if sub := SubPhaseID(id, label); g.phases[sub] != nil {
					fail("iterative phase %q label %q collides with phase %q", id, label, sub)
				}
			}
		}
	}
}

// checkTopology follows Next edges from the entry: the chain must be acyclic
// and reach every phase, and every remediation target must precede its
// remediation phase.
func checkTopology(g *Graph, fail func(string, ...any)) {
	visited := make(map[string]struct{}, len(g.order))
	for id := g.entry; id != ""; id = g.phases[id].Next {
		if _, loop := visited[id]; loop {
			fail("cycle through phase %q", id)
			return
		}
		visited[id] = struct{}{}
	}
	for _, id := range g.order {
		if _, ok := visited[id]; !ok {
			fail("phase %q is unreachable from entry %q", id, g.entry)
		}
	}
	for _, id := range g.order {
		p := g.phases[id]
		if p.Type != Remediation {
			continue
		}
		if p.Target == id {
			fail("remediation phase %q cannot target itself", id)
			continue
		}
		if g.Path(p.Target, id) == nil {
			fail("remediation target %q does not precede %q", p.Target, id)
		}
	}
}
