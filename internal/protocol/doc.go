// Package protocol defines the persisted data model shared by every layer of
// the orchestration engine.
//
// A protocol instance is one execution of a phase graph (reasoning, skill or
// agent layer) identified by a Key. Its State is mutated exclusively by the
// engine and is the only thing the State Store persists. The executor never
// writes State; it produces artifacts and reports outcomes that the engine
// folds into State.
//
// # Error Taxonomy
//
// The typed errors in this package are the vocabulary every component uses
// to report failure:
//
//   - StateLoadError: persisted state is corrupt or unreadable
//   - InvalidTransitionError: advance requested for a phase that is not current
//   - BlockingPreconditionError: artifact missing or malformed, retry later
//   - RemediationExhaustedError: bounded retries exhausted, surfaced as a warning
//   - BranchFailureError: a PARALLEL phase ended without enough successful branches
//   - ProtocolHaltError: explicit suspension awaiting external input
//
// Precondition and transition errors never mutate persisted state.
package protocol
