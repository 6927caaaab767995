package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Validation errors.
var (
	ErrEmptyKind         = errors.New("protocol kind is required")
	ErrEmptySessionID    = errors.New("session_id is required")
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrMissingHaltReason = errors.New("halted state requires a halt reason")
	ErrUnknownStatus     = errors.New("unknown status")
	ErrInconsistentState = errors.New("inconsistent state")
)

// Lifecycle errors.
var (
	ErrNotFound      = errors.New("protocol instance not found")
	ErrAlreadyExists = errors.New("protocol instance already exists")
	ErrUnknownKind   = errors.New("unknown protocol kind")
	ErrTerminal      = errors.New("protocol instance is terminal")
)

// StateLoadError reports persisted state that is corrupt or unreadable.
// It is unrecoverable for that instance and must never be answered by
// silently resetting state.
type StateLoadError struct {
	Key Key
	Err error
}

func (e *StateLoadError) Error() string {
	return fmt.Sprintf("loading state %s: %v", e.Key, e.Err)
}

func (e *StateLoadError) Unwrap() error {
	return e.Err
}

// InvalidTransitionError reports an advance that does not match the current
// position of the instance. No state is mutated.
type InvalidTransitionError struct {
	Key       Key
	Current   string
	Requested string
	Status    Status
	Reason    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: requested %q, current %q (%s): %s",
		e.Key, e.Requested, e.Current, e.Status, e.Reason)
}

// BlockingPreconditionError reports a missing or malformed artifact. It is
// recoverable: retry the same advance once the artifact is in place.
type BlockingPreconditionError struct {
	Key      Key
	Phase    string
	Path     string
	Problems []string
}

func (e *BlockingPreconditionError) Error() string {
	msg := fmt.Sprintf("phase %q of %s blocked", e.Phase, e.Key)
	if e.Path != "" {
		msg += fmt.Sprintf(" on %s", e.Path)
	}
	if len(e.Problems) > 0 {
		msg += ": " + strings.Join(e.Problems, "; ")
	}
	return msg
}

// RemediationExhaustedError is a warning: the phase was force-completed with
// a gap annotation after Attempts failed validations.
type RemediationExhaustedError struct {
	Phase    string
	Target   string
	Attempts int
	Reason   string
}

func (e *RemediationExhaustedError) Error() string {
	return fmt.Sprintf("remediation of %q exhausted after %d attempts targeting %q: %s",
		e.Phase, e.Attempts, e.Target, e.Reason)
}

// BranchFailureError reports a PARALLEL phase that ended without enough
// successful branches. It aborts the phase and the instance.
type BranchFailureError struct {
	Phase     string
	Failed    []string
	Succeeded []string
	Required  int
}

func (e *BranchFailureError) Error() string {
	return fmt.Sprintf("parallel phase %q failed: %d succeeded (need %d), failed branches [%s]",
		e.Phase, len(e.Succeeded), e.Required, strings.Join(e.Failed, ", "))
}

// ProtocolHaltError models an explicit suspension awaiting external input.
type ProtocolHaltError struct {
	Key    Key
	Phase  string
	Reason string
}

func (e *ProtocolHaltError) Error() string {
	return fmt.Sprintf("protocol %s halted at %q: %s", e.Key, e.Phase, e.Reason)
}

// IsRecoverable reports whether err is resolved by retrying later without
// operator intervention.
func IsRecoverable(err error) bool {
	var blocked *BlockingPreconditionError
	var halt *ProtocolHaltError
	return errors.As(err, &blocked) || errors.As(err, &halt)
}
