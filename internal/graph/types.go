// Package graph defines Phase/Step Graphs: the declarative description of a
// protocol that the engine executes.
//
// A graph is built once from a Definition by a Builder. The Builder resolves
// every step kind, skip predicate, validator and expander through a typed
// Registry, so an invalid reference is a construction-time error rather than
// a lookup miss in the middle of a run. Built graphs are immutable and safe
// for concurrent use.
package graph

import (
	"encoding/json"
	"strings"

	"github.com/fyrsmithlabs/protocold/internal/artifact"
	"github.com/fyrsmithlabs/protocold/internal/protocol"
	"github.com/fyrsmithlabs/protocold/internal/remediation"
)

// PhaseType determines the transition semantics of a phase.
type PhaseType string

const (
	// Linear always executes and then follows Next.
	Linear PhaseType = "linear"
	// Optional evaluates its skip predicate on entry.
	Optional PhaseType = "optional"
	// Iterative expands into an ordered chain of sub-phases at entry.
	Iterative PhaseType = "iterative"
	// Remediation validates its output and may loop back to Target.
	Remediation PhaseType = "remediation"
	// Parallel runs independent branches and merges at a barrier.
	Parallel PhaseType = "parallel"
)

// Valid reports whether t is a known phase type.
func (t PhaseType) Valid() bool {
	switch t {
	case Linear, Optional, Iterative, Remediation, Parallel:
		return true
	}
	return false
}

// ParsePhaseType parses a phase type case-insensitively. An empty string
// parses as Linear.
func ParsePhaseType(s string) (PhaseType, bool) {
	if s == "" {
		return Linear, true
	}
	t := PhaseType(strings.ToLower(strings.TrimSpace(s)))
	return t, t.Valid()
}

// SkipPredicate decides on entry whether an OPTIONAL phase is skipped. The
// state must be treated as read-only.
type SkipPredicate func(st *protocol.State) bool

// Validator checks the output of a REMEDIATION phase.
type Validator func(st *protocol.State, output json.RawMessage) remediation.Verdict

// Expander generates iteration labels (ITERATIVE) or branch ids (PARALLEL)
// at phase entry.
type Expander func(st *protocol.State) ([]string, error)

// StepKind is a registered kind of executor work.
type StepKind struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Step is one unit of executor work within a phase.
type Step struct {
	ID          string   `json:"id"`
	Kind        StepKind `json:"kind"`
	Description string   `json:"description,omitempty"`
}

// Phase is a resolved phase of a built graph.
type Phase struct {
	ID    string
	Type  PhaseType
	Steps []Step
	Next  string
	// Artifact is the contract the executor's output must satisfy. Nil means
	// the phase has no artifact precondition.
	Artifact *artifact.Contract
	// Context enumerates the prior phase outputs a directive may carry.
	Context []string
	// Description is a short human-readable summary.
	Description string

	Skip     SkipPredicate
	SkipName string

	Expand     Expander
	ExpandName string
	Iterations []string

	Validate       Validator
	ValidateName   string
	Target         string
	MaxRemediation int
	OnExhausted    remediation.Policy

	Branches     []string
	BranchKind   string
	FailOnError  bool
	MinSuccesses int
	Merge        string
}

// ContractFor returns the artifact contract for producer (the phase itself or
// one of its sub-phases), or nil when the phase requires no artifact.
func (p *Phase) ContractFor(producer string) *artifact.Contract {
	if p.Artifact == nil {
		return nil
	}
	c := p.Artifact.ForProducer(producer)
	return &c
}

// SubPhaseID returns the id of an ITERATIVE sub-phase, e.g. "execute-a".
func SubPhaseID(parent, label string) string {
	return parent + "-" + label
}

// Graph is an immutable, validated protocol definition.
type Graph struct {
	kind        string
	description string
	entry       string
	order       []string
	phases      map[string]*Phase
	merges      map[string]string // merge phase -> parallel phase
	def         Definition
}

// Kind returns the protocol kind this graph implements.
func (g *Graph) Kind() string { return g.kind }

// Description returns the graph description.
func (g *Graph) Description() string { return g.description }

// Definition returns the definition the graph was built from.
func (g *Graph) Definition() Definition { return g.def }

// Entry returns the id of the first phase.
func (g *Graph) Entry() string { return g.entry }

// Phase returns the phase with id.
func (g *Graph) Phase(id string) (*Phase, bool) {
	p, ok := g.phases[id]
	return p, ok
}

// Phases returns the phases in declaration order.
func (g *Graph) Phases() []*Phase {
	out := make([]*Phase, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.phases[id])
	}
	return out
}

// MergeOf returns the PARALLEL phase whose barrier id is, if any.
func (g *Graph) MergeOf(id string) (string, bool) {
	p, ok := g.merges[id]
	return p, ok
}

// Path returns the phase ids from 'from' to 'to' following Next edges,
// inclusive of both ends. It returns nil if 'to' is not reachable.
func (g *Graph) Path(from, to string) []string {
	var out []string
	seen := make(map[string]struct{})
	for id := from; id != ""; {
		if _, loop := seen[id]; loop {
			return nil
		}
		seen[id] = struct{}{}
		out = append(out, id)
		if id == to {
			return out
		}
		p, ok := g.phases[id]
		if !ok {
			return nil
		}
		id = p.Next
	}
	return nil
}
