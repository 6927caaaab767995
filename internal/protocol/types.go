package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Status represents the lifecycle state of a protocol instance.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusExecuting   Status = "executing"
	StatusHalted      Status = "halted"
	StatusCompleted   Status = "completed"
	StatusAbandoned   Status = "abandoned"
	StatusFailed      Status = "failed"
)

// ValidTransitions defines allowed status transitions.
var ValidTransitions = map[Status][]Status{
	StatusInitialized: {StatusExecuting, StatusCompleted, StatusFailed, StatusAbandoned},
	StatusExecuting:   {StatusExecuting, StatusHalted, StatusCompleted, StatusFailed, StatusAbandoned},
	StatusHalted:      {StatusExecuting, StatusAbandoned},
	StatusCompleted:   {}, // terminal
	StatusAbandoned:   {}, // terminal
	StatusFailed:      {}, // terminal
}

// CanTransitionTo checks if a transition from current status to target is valid.
func (s Status) CanTransitionTo(target Status) bool {
	for _, t := range ValidTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no further action is expected for the instance.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusAbandoned || s == StatusFailed
}

// Outcome is the state of a single branch of a PARALLEL phase.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// IsTerminal returns true for succeeded and failed outcomes.
func (o Outcome) IsTerminal() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed
}

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	return o == OutcomePending || o == OutcomeSucceeded || o == OutcomeFailed
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidIdentifier reports whether s is safe to use as a kind, session, phase
// label or branch id.
func ValidIdentifier(s string) bool {
	return idPattern.MatchString(s)
}

// Key identifies a protocol instance. Kind names the phase graph and
// SessionID is the stable session/task identifier.
type Key struct {
	Kind      string `json:"protocol_kind"`
	SessionID string `json:"session_id"`
}

// NewKey creates a Key and validates it.
func NewKey(kind, sessionID string) (Key, error) {
	k := Key{Kind: kind, SessionID: sessionID}
	return k, k.Validate()
}

// Validate checks that both parts are safe to use as storage and path segments.
func (k Key) Validate() error {
	if k.Kind == "" {
		return ErrEmptyKind
	}
	if k.SessionID == "" {
		return ErrEmptySessionID
	}
	if !idPattern.MatchString(k.Kind) {
		return fmt.Errorf("%w: kind %q", ErrInvalidIdentifier, k.Kind)
	}
	if !idPattern.MatchString(k.SessionID) {
		return fmt.Errorf("%w: session %q", ErrInvalidIdentifier, k.SessionID)
	}
	return nil
}

func (k Key) String() string {
	return k.Kind + "/" + k.SessionID
}

// ChildSessionID derives the session id of a branch sub-instance.
func ChildSessionID(parent, branchID string) string {
	return parent + "." + branchID
}

// PhaseRecord holds per-phase timestamps and bookkeeping.
type PhaseRecord struct {
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Skipped     bool       `json:"skipped,omitempty"`
	Forced      bool       `json:"forced,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
}

// BranchState is the tracked state of one branch of a PARALLEL phase.
type BranchState struct {
	ID           string     `json:"id"`
	Outcome      Outcome    `json:"outcome"`
	Artifact     string     `json:"artifact,omitempty"`
	Findings     []string   `json:"findings,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	RegisteredAt time.Time  `json:"registered_at"`
	ReportedAt   *time.Time `json:"reported_at,omitempty"`
}

// Failure records one failed remediation validation.
type Failure struct {
	Phase   string    `json:"phase"`
	Target  string    `json:"target"`
	Attempt int       `json:"attempt"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

// Gap annotates a phase that was force-completed after its remediation
// budget ran out.
type Gap struct {
	Phase    string    `json:"phase"`
	Target   string    `json:"target"`
	Attempts int       `json:"attempts"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// State is the persisted record of one protocol instance.
//
// CurrentPhaseID mirrors CurrentPhase. Older workflow-layer records carry only
// one of the two; Normalize back-fills the other on load.
type State struct {
	Kind            string                            `json:"protocol_kind"`
	SessionID       string                            `json:"session_id"`
	Status          Status                            `json:"status"`
	HaltReason      string                            `json:"halt_reason,omitempty"`
	CurrentPhase    string                            `json:"current_phase"`
	CurrentPhaseID  string                            `json:"current_phase_id"`
	ParentPhase     string                            `json:"parent_phase,omitempty"`
	CompletedPhases []string                          `json:"completed_phases"`
	PhaseOutputs    map[string]json.RawMessage        `json:"phase_outputs"`
	RetryCounters   map[string]int                    `json:"retry_counters"`
	Failures        []Failure                         `json:"failures,omitempty"`
	Gaps            []Gap                             `json:"gaps,omitempty"`
	Branches        map[string]map[string]BranchState `json:"branch_states,omitempty"`
	Expansions      map[string][]string               `json:"expansions,omitempty"`
	Phases          map[string]PhaseRecord            `json:"phases"`
	Context         json.RawMessage                   `json:"context,omitempty"`
	Version         int64                             `json:"version"`
	CreatedAt       time.Time                         `json:"created_at"`
	UpdatedAt       time.Time                         `json:"updated_at"`
}

// NewState creates an initialized state for key.
func NewState(key Key, initial json.RawMessage, now time.Time) *State {
	st := &State{
		Kind:      key.Kind,
		SessionID: key.SessionID,
		Status:    StatusInitialized,
		Context:   cloneRaw(initial),
		CreatedAt: now,
		UpdatedAt: now,
	}
	st.Normalize()
	return st
}

// Key returns the instance key.
func (s *State) Key() Key {
	return Key{Kind: s.Kind, SessionID: s.SessionID}
}

// Normalize initializes nil maps and reconciles the phase name fields.
func (s *State) Normalize() {
	if s.CurrentPhaseID == "" {
		s.CurrentPhaseID = s.CurrentPhase
	}
	if s.CurrentPhase == "" {
		s.CurrentPhase = s.CurrentPhaseID
	}
	if s.CompletedPhases == nil {
		s.CompletedPhases = []string{}
	}
	if s.PhaseOutputs == nil {
		s.PhaseOutputs = make(map[string]json.RawMessage)
	}
	if s.RetryCounters == nil {
		s.RetryCounters = make(map[string]int)
	}
	if s.Phases == nil {
		s.Phases = make(map[string]PhaseRecord)
	}
}

// Validate checks structural invariants of a state record.
func (s *State) Validate() error {
	if err := s.Key().Validate(); err != nil {
		return err
	}
	switch s.Status {
	case StatusInitialized, StatusExecuting, StatusCompleted, StatusAbandoned, StatusFailed:
	case StatusHalted:
		if s.HaltReason == "" {
			return ErrMissingHaltReason
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStatus, s.Status)
	}
	if s.CurrentPhase != s.CurrentPhaseID {
		return fmt.Errorf("%w: current_phase %q != current_phase_id %q",
			ErrInconsistentState, s.CurrentPhase, s.CurrentPhaseID)
	}
	seen := make(map[string]struct{}, len(s.CompletedPhases))
	for _, p := range s.CompletedPhases {
		if _, dup := seen[p]; dup {
			return fmt.Errorf("%w: phase %q completed twice", ErrInconsistentState, p)
		}
		seen[p] = struct{}{}
	}
	return nil
}

// SetCurrent moves the instance to phase, keeping both name fields in sync.
func (s *State) SetCurrent(phase string) {
	s.CurrentPhase = phase
	s.CurrentPhaseID = phase
}

// IsCompleted reports whether phase is in CompletedPhases.
func (s *State) IsCompleted(phase string) bool {
	for _, p := range s.CompletedPhases {
		if p == phase {
			return true
		}
	}
	return false
}

// Output returns the recorded output of phase.
func (s *State) Output(phase string) (json.RawMessage, bool) {
	out, ok := s.PhaseOutputs[phase]
	return out, ok
}

// LastCompleted returns the most recently completed phase, or "".
func (s *State) LastCompleted() string {
	if len(s.CompletedPhases) == 0 {
		return ""
	}
	return s.CompletedPhases[len(s.CompletedPhases)-1]
}

// MarkStarted stamps the start time of phase and counts the attempt.
func (s *State) MarkStarted(phase string, now time.Time) {
	rec := s.Phases[phase]
	t := now
	rec.StartedAt = &t
	rec.CompletedAt = nil
	rec.Attempts++
	s.Phases[phase] = rec
}

// MarkCompleted appends phase to CompletedPhases and stamps its completion.
// Completing an already-completed phase is a no-op.
func (s *State) MarkCompleted(phase string, now time.Time) {
	if s.IsCompleted(phase) {
		return
	}
	rec := s.Phases[phase]
	t := now
	if rec.StartedAt == nil {
		rec.StartedAt = &t
	}
	rec.CompletedAt = &t
	s.Phases[phase] = rec
	s.CompletedPhases = append(s.CompletedPhases, phase)
}

// Uncomplete removes phase from CompletedPhases, keeping the order of the rest.
func (s *State) Uncomplete(phase string) {
	out := s.CompletedPhases[:0]
	for _, p := range s.CompletedPhases {
		if p != phase {
			out = append(out, p)
		}
	}
	s.CompletedPhases = out
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.CompletedPhases = append([]string{}, s.CompletedPhases...)
	c.PhaseOutputs = make(map[string]json.RawMessage, len(s.PhaseOutputs))
	for k, v := range s.PhaseOutputs {
		c.PhaseOutputs[k] = cloneRaw(v)
	}
	c.RetryCounters = make(map[string]int, len(s.RetryCounters))
	for k, v := range s.RetryCounters {
		c.RetryCounters[k] = v
	}
	c.Failures = append([]Failure(nil), s.Failures...)
	c.Gaps = append([]Gap(nil), s.Gaps...)
	if s.Branches != nil {
		c.Branches = make(map[string]map[string]BranchState, len(s.Branches))
		for phase, branches := range s.Branches {
			m := make(map[string]BranchState, len(branches))
			for id, b := range branches {
				b.Findings = append([]string(nil), b.Findings...)
				if b.ReportedAt != nil {
					t := *b.ReportedAt
					b.ReportedAt = &t
				}
				m[id] = b
			}
			c.Branches[phase] = m
		}
	}
	if s.Expansions != nil {
		c.Expansions = make(map[string][]string, len(s.Expansions))
		for k, v := range s.Expansions {
			c.Expansions[k] = append([]string(nil), v...)
		}
	}
	c.Phases = make(map[string]PhaseRecord, len(s.Phases))
	for k, rec := range s.Phases {
		if rec.StartedAt != nil {
			t := *rec.StartedAt
			rec.StartedAt = &t
		}
		if rec.CompletedAt != nil {
			t := *rec.CompletedAt
			rec.CompletedAt = &t
		}
		c.Phases[k] = rec
	}
	c.Context = cloneRaw(s.Context)
	return &c
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}
