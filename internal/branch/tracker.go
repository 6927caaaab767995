// Package branch tracks the branches of PARALLEL phases.
//
// Each branch is an independent protocol sub-instance. The Tracker records
// its outcome (pending, succeeded, failed), answers merge readiness, and
// exposes per-branch provenance so consumers can weight findings that
// several independent branches corroborate.
//
// Reporting is idempotent: a second report with the same outcome is a no-op,
// and a different outcome for a terminal branch is rejected with
// ErrConflictingOutcome.
package branch

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/protocold/internal/protocol"
)

// Registration errors.
var (
	ErrEmptyPhaseID       = errors.New("phase_id is required")
	ErrNoBranches         = errors.New("at least one branch is required")
	ErrDuplicateBranch    = errors.New("duplicate branch id")
	ErrAlreadyRegistered  = errors.New("phase already registered with different branches")
	ErrPhaseNotRegistered = errors.New("phase has no registered branches")
)

// Reporting errors.
var (
	ErrBranchNotFound     = errors.New("branch not found")
	ErrInvalidOutcome     = errors.New("outcome must be succeeded or failed")
	ErrConflictingOutcome = errors.New("conflicting outcome for terminal branch")
	ErrNotReady           = errors.New("branches still pending")
)

// Report is a terminal outcome reported for one branch.
type Report struct {
	Outcome  protocol.Outcome `json:"outcome"`
	Artifact string           `json:"artifact,omitempty"`
	Findings []string         `json:"findings,omitempty"`
	Reason   string           `json:"reason,omitempty"`
}

// Tracker is a concurrency-safe branch registry.
type Tracker struct {
	mu     sync.RWMutex
	phases map[string]map[string]protocol.BranchState
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{phases: make(map[string]map[string]protocol.BranchState)}
}

// FromState restores a tracker from persisted branch states.
func FromState(branches map[string]map[string]protocol.BranchState) *Tracker {
	t := NewTracker()
	for phase, bs := range branches {
		m := make(map[string]protocol.BranchState, len(bs))
		for id, b := range bs {
			m[id] = copyBranch(b)
		}
		t.phases[phase] = m
	}
	return t
}

// Register registers branchIDs as pending for phaseID. Registering the same
// set again is a no-op.
func (t *Tracker) Register(phaseID string, branchIDs []string, now time.Time) error {
	if phaseID == "" {
		return ErrEmptyPhaseID
	}
	if len(branchIDs) == 0 {
		return ErrNoBranches
	}
	set := make(map[string]struct{}, len(branchIDs))
	for _, id := range branchIDs {
		if id == "" {
			return fmt.Errorf("%w: empty id", ErrDuplicateBranch)
		}
		if _, dup := set[id]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateBranch, id)
		}
		set[id] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.phases[phaseID]; ok {
		if len(existing) != len(set) {
			return fmt.Errorf("%w: %s", ErrAlreadyRegistered, phaseID)
		}
		for id := range set {
			if _, ok := existing[id]; !ok {
				return fmt.Errorf("%w: %s", ErrAlreadyRegistered, phaseID)
			}
		}
		return nil
	}

	m := make(map[string]protocol.BranchState, len(branchIDs))
	for _, id := range branchIDs {
		m[id] = protocol.BranchState{ID: id, Outcome: protocol.OutcomePending, RegisteredAt: now}
	}
	t.phases[phaseID] = m
	return nil
}

// Report records a terminal outcome. It returns changed=false when the
// branch already holds the same outcome.
func (t *Tracker) Report(phaseID, branchID string, r Report, now time.Time) (bool, error) {
	if !r.Outcome.IsTerminal() {
		return false, fmt.Errorf("%w: %q", ErrInvalidOutcome, r.Outcome)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	branches, ok := t.phases[phaseID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrPhaseNotRegistered, phaseID)
	}
	b, ok := branches[branchID]
	if !ok {
		return false, fmt.Errorf("%w: %s/%s", ErrBranchNotFound, phaseID, branchID)
	}

	if b.Outcome.IsTerminal() {
		if b.Outcome == r.Outcome {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s/%s is %s, reported %s",
			ErrConflictingOutcome, phaseID, branchID, b.Outcome, r.Outcome)
	}

	reported := now
	b.Outcome = r.Outcome
	b.Artifact = r.Artifact
	b.Findings = append([]string(nil), r.Findings...)
	b.Reason = r.Reason
	b.ReportedAt = &reported
	branches[branchID] = b
	return true, nil
}

// IsReadyToMerge reports whether every registered branch of phaseID is
// terminal. An unregistered phase is never ready.
func (t *Tracker) IsReadyToMerge(phaseID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	branches, ok := t.phases[phaseID]
	if !ok || len(branches) == 0 {
		return false
	}
	for _, b := range branches {
		if !b.Outcome.IsTerminal() {
			return false
		}
	}
	return true
}

// Pending returns the sorted ids of branches that have not reported.
func (t *Tracker) Pending(phaseID string) []string {
	return t.withOutcome(phaseID, protocol.OutcomePending)
}

// Snapshot returns copies of the branches of phaseID sorted by id.
func (t *Tracker) Snapshot(phaseID string) []protocol.BranchState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	branches := t.phases[phaseID]
	out := make([]protocol.BranchState, 0, len(branches))
	for _, b := range branches {
		out = append(out, copyBranch(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Export returns a deep copy of all tracked branches for persistence.
func (t *Tracker) Export() map[string]map[string]protocol.BranchState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.phases) == 0 {
		return nil
	}
	out := make(map[string]map[string]protocol.BranchState, len(t.phases))
	for phase, bs := range t.phases {
		m := make(map[string]protocol.BranchState, len(bs))
		for id, b := range bs {
			m[id] = copyBranch(b)
		}
		out[phase] = m
	}
	return out
}

// Forget drops phaseID, used when a remediation loop-back re-enters it.
func (t *Tracker) Forget(phaseID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.phases, phaseID)
}

func (t *Tracker) withOutcome(phaseID string, o protocol.Outcome) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []string
	for id, b := range t.phases[phaseID] {
		if b.Outcome == o {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func copyBranch(b protocol.BranchState) protocol.BranchState {
	b.Findings = append([]string(nil), b.Findings...)
	if b.ReportedAt != nil {
		ts := *b.ReportedAt
		b.ReportedAt = &ts
	}
	return b
}
