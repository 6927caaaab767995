package branch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/protocold/internal/protocol"
)

// Policy decides whether a merge-ready phase may proceed.
type Policy struct {
	// FailOnError aborts the phase when any branch failed.
	FailOnError bool
	// MinSuccesses is the number of succeeded branches required (default 1).
	MinSuccesses int
}

// Confidence grades a finding by how many independent branches reported it.
type Confidence string

const (
	ConfidenceHigh       Confidence = "high"
	ConfidenceSingle     Confidence = "single"
	ConfidenceUnverified Confidence = "unverified"
)

// Finding is a deduplicated finding with its provenance.
type Finding struct {
	Text       string     `json:"text"`
	Branches   []string   `json:"branches"`
	Confidence Confidence `json:"confidence"`
}

// Merge is the consolidated result of a PARALLEL phase, stored as the
// phase's output.
type Merge struct {
	Phase      string            `json:"phase"`
	Succeeded  []string          `json:"succeeded"`
	Unverified []string          `json:"unverified,omitempty"`
	Artifacts  map[string]string `json:"artifacts,omitempty"`
	Reasons    map[string]string `json:"reasons,omitempty"`
	Findings   []Finding         `json:"findings,omitempty"`
}

// Merge applies p to the terminal branches of phaseID. It returns
// ErrNotReady while any branch is pending and *protocol.BranchFailureError
// when the policy rejects the outcome.
func (t *Tracker) Merge(phaseID string, p Policy) (*Merge, error) {
	if !t.IsReadyToMerge(phaseID) {
		if len(t.Snapshot(phaseID)) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrPhaseNotRegistered, phaseID)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotReady, strings.Join(t.Pending(phaseID), ", "))
	}

	succeeded := t.withOutcome(phaseID, protocol.OutcomeSucceeded)
	failed := t.withOutcome(phaseID, protocol.OutcomeFailed)

	required := p.MinSuccesses
	if required < 1 {
		required = 1
	}
	if p.FailOnError && len(failed) > 0 {
		return nil, &protocol.BranchFailureError{
			Phase:     phaseID,
			Failed:    failed,
			Succeeded: succeeded,
			Required:  len(succeeded) + len(failed),
		}
	}
	if len(succeeded) < required {
		return nil, &protocol.BranchFailureError{
			Phase:     phaseID,
			Failed:    failed,
			Succeeded: succeeded,
			Required:  required,
		}
	}

	m := &Merge{
		Phase:      phaseID,
		Succeeded:  succeeded,
		Unverified: failed,
		Artifacts:  make(map[string]string),
		Findings:   t.Provenance(phaseID),
	}
	for _, b := range t.Snapshot(phaseID) {
		if b.Outcome == protocol.OutcomeSucceeded && b.Artifact != "" {
			m.Artifacts[b.ID] = b.Artifact
		}
		if b.Outcome == protocol.OutcomeFailed && b.Reason != "" {
			if m.Reasons == nil {
				m.Reasons = make(map[string]string)
			}
			m.Reasons[b.ID] = b.Reason
		}
	}
	return m, nil
}

// Provenance groups findings across the branches of phaseID. A finding
// reported by two or more succeeded branches is ConfidenceHigh, by one is
// ConfidenceSingle. Findings only from failed branches are
// ConfidenceUnverified. Findings are matched case-insensitively after
// trimming whitespace.
func (t *Tracker) Provenance(phaseID string) []Finding {
	type acc struct {
		text      string
		succeeded map[string]struct{}
		failed    map[string]struct{}
	}
	byKey := make(map[string]*acc)
	var order []string

	for _, b := range t.Snapshot(phaseID) {
		if !b.Outcome.IsTerminal() {
			continue
		}
		for _, f := range b.Findings {
			text := strings.TrimSpace(f)
			if text == "" {
				continue
			}
			key := strings.ToLower(text)
			a, ok := byKey[key]
			if !ok {
				a = &acc{text: text, succeeded: map[string]struct{}{}, failed: map[string]struct{}{}}
				byKey[key] = a
				order = append(order, key)
			}
			if b.Outcome == protocol.OutcomeSucceeded {
				a.succeeded[b.ID] = struct{}{}
			} else {
				a.failed[b.ID] = struct{}{}
			}
		}
	}

	out := make([]Finding, 0, len(order))
	for _, key := range order {
		a := byKey[key]
		f := Finding{Text: a.text}
		switch {
		case len(a.succeeded) >= 2:
			f.Confidence = ConfidenceHigh
			f.Branches = sortedKeys(a.succeeded)
		case len(a.succeeded) == 1:
			f.Confidence = ConfidenceSingle
			f.Branches = sortedKeys(a.succeeded)
		default:
			f.Confidence = ConfidenceUnverified
			f.Branches = sortedKeys(a.failed)
		}
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return rank(out[i].Confidence) < rank(out[j].Confidence)
	})
	return out
}

func rank(c Confidence) int {
	switch c {
	case ConfidenceHigh:
		return 0
	case ConfidenceSingle:
		return 1
	default:
		return 2
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
