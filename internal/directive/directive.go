// Package directive renders the next action for the external executor.
//
// A Directive is a structured value. Renderers turn it into text (markdown
// for agent hosts, JSON for programs) and Publishers deliver it. The Emitter
// only accepts a store.Committed snapshot, so a directive can never be
// computed from state that has not been saved.
package directive

import (
	"encoding/json"
	"time"

	"github.com/fyrsmithlabs/protocold/internal/protocol"
	"github.com/fyrsmithlabs/protocold/internal/remediation"
)

// Action is what the executor is asked to do.
type Action string

const (
	// ActionExecutePhase asks the executor to perform the steps of a phase.
	ActionExecutePhase Action = "execute_phase"
	// ActionRunBranches asks for the pending branches of a PARALLEL phase.
	ActionRunBranches Action = "run_branches"
	// ActionMerge asks for the consolidation phase after a PARALLEL barrier.
	ActionMerge Action = "merge"
	// ActionAwaitInput reports a halted instance waiting for an answer.
	ActionAwaitInput Action = "await_input"
	// ActionComplete reports that the instance finished.
	ActionComplete Action = "complete"
	// ActionFailed reports an instance that failed or was abandoned.
	ActionFailed Action = "failed"
)

// IsTerminal reports whether the action ends the instance.
func (a Action) IsTerminal() bool {
	return a == ActionComplete || a == ActionFailed
}

// Step is one unit of work within the directive's phase.
type Step struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
}

// Branch is one branch of a PARALLEL phase.
type Branch struct {
	ID        string           `json:"id"`
	Outcome   protocol.Outcome `json:"outcome"`
	Kind      string           `json:"kind,omitempty"`
	SessionID string           `json:"session_id"`
}

// Iteration locates an ITERATIVE sub-phase within its parent.
type Iteration struct {
	Parent string `json:"parent"`
	Label  string `json:"label"`
	Index  int    `json:"index"`
	Total  int    `json:"total"`
}

// ArtifactRef tells the executor where to write the phase artifact.
type ArtifactRef struct {
	Path     string   `json:"path"`
	Marker   string   `json:"marker"`
	Sections []string `json:"sections"`
}

// Directive is the structured next action for one protocol instance.
type Directive struct {
	ID        string `json:"id"`
	Kind      string `json:"protocol_kind"`
	SessionID string `json:"session_id"`
	Action    Action `json:"action"`

	Phase       string     `json:"phase,omitempty"`
	PhaseType   string     `json:"phase_type,omitempty"`
	Description string     `json:"description,omitempty"`
	Steps       []Step     `json:"steps,omitempty"`
	Iteration   *Iteration `json:"iteration,omitempty"`
	Branches    []Branch   `json:"branches,omitempty"`

	Context   map[string]json.RawMessage `json:"context,omitempty"`
	Truncated []string                   `json:"truncated,omitempty"`

	Artifact    *ArtifactRef          `json:"artifact,omitempty"`
	Remediation *remediation.Guidance `json:"remediation,omitempty"`
	Gaps        []protocol.Gap        `json:"gaps,omitempty"`
	Reason      string                `json:"reason,omitempty"`

	Completed    []string  `json:"completed_phases"`
	StateVersion int64     `json:"state_version"`
	IssuedAt     time.Time `json:"issued_at"`
}

// PendingBranches returns the ids of branches still pending.
func (d *Directive) PendingBranches() []string {
	var out []string
	for _, b := range d.Branches {
		if b.Outcome == protocol.OutcomePending {
			out = append(out, b.ID)
		}
	}
	return out
}
