package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/protocold/internal/branch"
	"github.com/fyrsmithlabs/protocold/internal/graph"
	"github.com/fyrsmithlabs/protocold/internal/protocol"
)

// ErrExpansion is returned when an ITERATIVE or PARALLEL phase cannot
// generate its labels or branch ids on entry.
var ErrExpansion = errors.New("phase expansion failed")

// maxSkipChain bounds how many phases a single entry may pass through.
// Graphs are acyclic along Next edges, so this only trips on corrupt state.
const maxSkipChain = 1024

// enterPhase moves st into phase id and performs its entry work: OPTIONAL
// skip evaluation, ITERATIVE expansion and PARALLEL branch registration.
// Skipped and empty phases are completed in place and entry continues at
// their Next edge. An empty id completes the instance.
//
// enterPhase touches nothing but st, so replaying it on the same input
// yields the same state.
func enterPhase(g *graph.Graph, st *protocol.State, id string, now time.Time) error {
	st.ParentPhase = ""
	for hops := 0; ; hops++ {
		if hops > maxSkipChain {
			return fmt.Errorf("%w: entry of %s did not settle", protocol.ErrInconsistentState, st.Key())
		}
		if id == "" {
			st.SetCurrent("")
			st.Status = protocol.StatusCompleted
			return nil
		}
		p, ok := g.Phase(id)
		if !ok {
			return fmt.Errorf("%w: %s references unknown phase %q", protocol.ErrInconsistentState, st.Key(), id)
		}

		switch p.Type {
		case graph.Optional:
			if p.Skip != nil && p.Skip(st) {
				st.MarkStarted(id, now)
				rec := st.Phases[id]
				rec.Skipped = true
				st.Phases[id] = rec
				st.MarkCompleted(id, now)
				id = p.Next
				continue
			}

		case graph.Iterative:
			labels, err := iterationLabels(g, p, st)
			if err != nil {
				return err
			}
			if len(labels) == 0 {
				st.MarkStarted(id, now)
				st.PhaseOutputs[id] = json.RawMessage(`{}`)
				st.MarkCompleted(id, now)
				id = p.Next
				continue
			}
			subs := make([]string, len(labels))
			for i, label := range labels {
				subs[i] = graph.SubPhaseID(id, label)
			}
			if st.Expansions == nil {
				st.Expansions = make(map[string][]string)
			}
			st.Expansions[id] = subs
			st.MarkStarted(id, now)
			st.ParentPhase = id
			st.SetCurrent(subs[0])
			st.MarkStarted(subs[0], now)
			return nil

		case graph.Parallel:
			ids, err := branchIDs(p, st)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				st.SetCurrent(id)
				st.MarkStarted(id, now)
				required := p.MinSuccesses
				if required < 1 {
					required = 1
				}
				return &protocol.BranchFailureError{Phase: id, Required: required}
			}
			t := branch.FromState(st.Branches)
			t.Forget(id)
			if err := t.Register(id, ids, now); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrExpansion, id, err)
			}
			st.Branches = t.Export()
		}

		st.SetCurrent(id)
		st.MarkStarted(id, now)
		return nil
	}
}

// completeSubPhase records the completion of the current ITERATIVE
// sub-phase. It reports the next sub-phase, or "" once every sub-phase is
// done, in which case the parent holds the aggregated {label: output} map
// and is marked completed.
func completeSubPhase(st *protocol.State, now time.Time) (string, error) {
	parent, current := st.ParentPhase, st.CurrentPhase
	rec := st.Phases[current]
	t := now
	rec.CompletedAt = &t
	st.Phases[current] = rec

	subs := st.Expansions[parent]
	idx := -1
	for i, s := range subs {
		if s == current {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", fmt.Errorf("%w: %q is not a sub-phase of %q", protocol.ErrInconsistentState, current, parent)
	}
	if idx+1 < len(subs) {
		next := subs[idx+1]
		st.SetCurrent(next)
		st.MarkStarted(next, now)
		return next, nil
	}

	agg := make(map[string]json.RawMessage, len(subs))
	for _, s := range subs {
		out, ok := st.PhaseOutputs[s]
		if !ok || len(out) == 0 {
			out = json.RawMessage(`null`)
		}
		agg[strings.TrimPrefix(s, parent+"-")] = out
	}
	raw, err := json.Marshal(agg)
	if err != nil {
		return "", fmt.Errorf("aggregating outputs of %s: %w", parent, err)
	}
	st.PhaseOutputs[parent] = raw
	st.ParentPhase = ""
	st.SetCurrent(parent)
	st.MarkCompleted(parent, now)
	return "", nil
}

// resetForRetry re-opens every phase from target through the remediation
// phase so they execute again in graph order. Outputs recorded on that path,
// including ITERATIVE sub-phase outputs, are dropped so the next attempt is
// validated and handed downstream on fresh output only.
func resetForRetry(g *graph.Graph, st *protocol.State, target, remediationPhase string) {
	delete(st.PhaseOutputs, remediationPhase)
	for _, id := range g.Path(target, remediationPhase) {
		st.Uncomplete(id)
		delete(st.PhaseOutputs, id)
		for _, sub := range st.Expansions[id] {
			delete(st.PhaseOutputs, sub)
		}
		delete(st.Branches, id)
		delete(st.Expansions, id)
	}
	if len(st.Branches) == 0 {
		st.Branches = nil
	}
	if len(st.Expansions) == 0 {
		st.Expansions = nil
	}
}

// iterationLabels resolves the labels of ITERATIVE phase p. A label whose
// sub-phase id names a phase of g is rejected.
func iterationLabels(g *graph.Graph, p *graph.Phase, st *protocol.State) ([]string, error) {
	labels := p.Iterations
	if p.Expand != nil {
		var err error
		if labels, err = p.Expand(st); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrExpansion, p.ID, err)
		}
	}
	labels, err := checkLabels(p.ID, labels)
	if err != nil {
		return nil, err
	}
	for _, l := range labels {
		sub := graph.SubPhaseID(p.ID, l)
		if _, clash := g.Phase(sub); clash {
			return nil, fmt.Errorf("%w: %s: label %q collides with phase %q", ErrExpansion, p.ID, l, sub)
		}
	}
	return labels, nil
}

func branchIDs(p *graph.Phase, st *protocol.State) ([]string, error) {
	ids := p.Branches
	if p.Expand != nil {
		var err error
		if ids, err = p.Expand(st); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrExpansion, p.ID, err)
		}
	}
	return checkLabels(p.ID, ids)
}

func checkLabels(phase string, labels []string) ([]string, error) {
	seen := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		if !protocol.ValidIdentifier(l) {
			return nil, fmt.Errorf("%w: %s: invalid label %q", ErrExpansion, phase, l)
		}
		if _, dup := seen[l]; dup {
			return nil, fmt.Errorf("%w: %s: duplicate label %q", ErrExpansion, phase, l)
		}
		seen[l] = struct{}{}
	}
	return append([]string(nil), labels...), nil
}
