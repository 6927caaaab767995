package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/protocold/internal/protocol"
	"github.com/fyrsmithlabs/protocold/internal/remediation"
)

// Registry errors.
var (
	ErrDuplicateName = errors.New("name already registered")
	ErrEmptyName     = errors.New("name is required")
)

// Registry holds the typed behaviors a graph definition may reference by
// name. Names are resolved once by the Builder.
type Registry struct {
	mu         sync.RWMutex
	kinds      map[string]StepKind
	skips      map[string]SkipPredicate
	validators map[string]Validator
	expanders  map[string]Expander
}

// NewRegistry creates a registry preloaded with the built-in behaviors.
func NewRegistry() *Registry {
	r := &Registry{
		kinds:      make(map[string]StepKind),
		skips:      make(map[string]SkipPredicate),
		validators: make(map[string]Validator),
		expanders:  make(map[string]Expander),
	}
	registerBuiltins(r)
	return r
}

// RegisterStepKind registers a step kind.
func (r *Registry) RegisterStepKind(name, description string) error {
	if name == "" {
		return ErrEmptyName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[name]; ok {
		return fmt.Errorf("%w: step kind %q", ErrDuplicateName, name)
	}
	r.kinds[name] = StepKind{Name: name, Description: description}
	return nil
}

// RegisterSkip registers a skip predicate.
func (r *Registry) RegisterSkip(name string, fn SkipPredicate) error {
	return register(&r.mu, r.skips, "skip predicate", name, fn)
}

// RegisterValidator registers a remediation validator.
func (r *Registry) RegisterValidator(name string, fn Validator) error {
	return register(&r.mu, r.validators, "validator", name, fn)
}

// RegisterExpander registers an iteration or branch expander.
func (r *Registry) RegisterExpander(name string, fn Expander) error {
	return register(&r.mu, r.expanders, "expander", name, fn)
}

func register[T any](mu *sync.RWMutex, m map[string]T, what, name string, fn T) error {
	if name == "" {
		return ErrEmptyName
	}
	mu.Lock()
	defer mu.Unlock()
	if _, ok := m[name]; ok {
		return fmt.Errorf("%w: %s %q", ErrDuplicateName, what, name)
	}
	m[name] = fn
	return nil
}

func (r *Registry) stepKind(name string) (StepKind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	return k, ok
}

func (r *Registry) skip(name string) (SkipPredicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.skips[name]
	return fn, ok
}

func (r *Registry) validator(name string) (Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.validators[name]
	return fn, ok
}

func (r *Registry) expander(name string) (Expander, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.expanders[name]
	return fn, ok
}

// StepKinds returns the registered step kind names, sorted.
func (r *Registry) StepKinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ContextFlag returns a skip predicate that is true when the instance's
// initial context holds a true boolean under key.
func ContextFlag(key string) SkipPredicate {
	return func(st *protocol.State) bool {
		var m map[string]json.RawMessage
		if len(st.Context) == 0 || json.Unmarshal(st.Context, &m) != nil {
			return false
		}
		var b bool
		return json.Unmarshal(m[key], &b) == nil && b
	}
}

// ContextList returns an expander that reads a string list from the
// initial context under key.
func ContextList(key string) Expander {
	return func(st *protocol.State) ([]string, error) {
		return stringList(st.Context, key)
	}
}

// OutputList returns an expander that reads a string list under key from
// the output of phase.
func OutputList(phase, key string) Expander {
	return func(st *protocol.State) ([]string, error) {
		out, ok := st.Output(phase)
		if !ok {
			return nil, fmt.Errorf("phase %q has no output", phase)
		}
		return stringList(out, key)
	}
}

func stringList(raw json.RawMessage, key string) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding %q: %w", key, err)
	}
	v, ok := m[key]
	if !ok {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(v, &list); err != nil {
		return nil, fmt.Errorf("decoding %q: %w", key, err)
	}
	return list, nil
}

// OutputVerdict is a validator that decodes {"pass": bool, "reason": string}
// from the phase output. Output that does not decode fails validation.
func OutputVerdict(_ *protocol.State, output json.RawMessage) remediation.Verdict {
	var v remediation.Verdict
	if err := json.Unmarshal(output, &v); err != nil {
		return remediation.Verdict{Pass: false, Reason: "output is not a verdict: " + err.Error()}
	}
	return v
}

// Built-in registry names.
const (
	SkipNever         = "never"
	SkipQuickMode     = "quick_mode"
	ValidateAlways    = "always_pass"
	ValidateOutput    = "output_verdict"
	ExpandIterations  = "context_iterations"
	ExpandBranches    = "context_branches"
	ExpandPlanItems   = "plan_items"
	defaultPlanPhase  = "plan"
	defaultItemsField = "items"
)

var builtinStepKinds = []StepKind{
	{Name: "analyze", Description: "Decompose the request and identify unknowns"},
	{Name: "clarify", Description: "Ask the requester for missing information"},
	{Name: "research", Description: "Gather evidence from sources"},
	{Name: "plan", Description: "Produce an ordered plan of work items"},
	{Name: "execute", Description: "Carry out a planned work item"},
	{Name: "synthesize", Description: "Consolidate findings into one result"},
	{Name: "review", Description: "Check a result against its acceptance criteria"},
	{Name: "write", Description: "Write the deliverable"},
	{Name: "load", Description: "Load context for the task"},
	{Name: "summarize", Description: "Summarize work for downstream consumers"},
}

func registerBuiltins(r *Registry) {
	for _, k := range builtinStepKinds {
		r.kinds[k.Name] = k
	}
	r.skips[SkipNever] = func(*protocol.State) bool { return false }
	r.skips[SkipQuickMode] = ContextFlag("quick")
	r.validators[ValidateAlways] = func(*protocol.State, json.RawMessage) remediation.Verdict {
		return remediation.Verdict{Pass: true}
	}
	r.validators[ValidateOutput] = OutputVerdict
	r.expanders[ExpandIterations] = ContextList("iterations")
	r.expanders[ExpandBranches] = ContextList("branches")
	r.expanders[ExpandPlanItems] = OutputList(defaultPlanPhase, defaultItemsField)
}
