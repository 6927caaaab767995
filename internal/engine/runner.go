package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/protocold/internal/branch"
	"github.com/fyrsmithlabs/protocold/internal/directive"
	"github.com/fyrsmithlabs/protocold/internal/protocol"
)

// DefaultMaxChildSteps bounds how many directives ChildRunner executes for
// one branch.
const DefaultMaxChildSteps = 256

// ErrNoPendingBranches is returned by RunBranches when the instance is not
// waiting on branches.
var ErrNoPendingBranches = errors.New("no pending branches")

// BranchTask describes one branch to execute.
type BranchTask struct {
	Parent   protocol.Key
	Phase    string
	BranchID string
	// Kind is the protocol kind of the branch sub-instance, if any.
	Kind string
	// SessionID is the session of the branch sub-instance.
	SessionID string
	// Context is handed to the sub-instance as its initial context.
	Context json.RawMessage
}

// BranchRunner executes one branch. A returned error is recorded as a
// failed outcome with the error as the reason.
type BranchRunner interface {
	RunBranch(ctx context.Context, task BranchTask) (branch.Report, error)
}

// BranchRunnerFunc adapts a function to BranchRunner.
type BranchRunnerFunc func(ctx context.Context, task BranchTask) (branch.Report, error)

// RunBranch calls f.
func (f BranchRunnerFunc) RunBranch(ctx context.Context, task BranchTask) (branch.Report, error) {
	return f(ctx, task)
}

// RunBranches executes every pending branch of the current PARALLEL phase,
// at most the configured parallelism at a time, and reports each outcome as
// it finishes. The last report that makes the phase merge-ready advances
// the instance. It returns the final directive, plus the
// *protocol.BranchFailureError when the merge policy rejected the outcomes.
func (e *Engine) RunBranches(ctx context.Context, kind, sessionID string, runner BranchRunner) (*Result, error) {
	res, err := e.Resume(ctx, kind, sessionID)
	if err != nil {
		return nil, err
	}
	d := res.Directive
	pending := d.PendingBranches()
	if d.Action != directive.ActionRunBranches || len(pending) == 0 {
		return nil, fmt.Errorf("%w: %s/%s is at %s", ErrNoPendingBranches, kind, sessionID, d.Action)
	}

	parent := protocol.Key{Kind: kind, SessionID: sessionID}
	base, err := json.Marshal(map[string]any{
		"parent":  parent.String(),
		"phase":   d.Phase,
		"context": d.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding branch context: %w", err)
	}
	kinds := make(map[string]string, len(d.Branches))
	for _, b := range d.Branches {
		kinds[b.ID] = b.Kind
	}

	var (
		mu      sync.Mutex
		failure error
	)
	sem := semaphore.NewWeighted(int64(e.parallelism))
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range pending {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		task := BranchTask{
			Parent:    parent,
			Phase:     d.Phase,
			BranchID:  id,
			Kind:      kinds[id],
			SessionID: protocol.ChildSessionID(sessionID, id),
			Context:   base,
		}
		g.Go(func() error {
			defer sem.Release(1)
			report, err := runner.RunBranch(gctx, task)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				report = branch.Report{Outcome: protocol.OutcomeFailed, Reason: err.Error()}
			}
			if !report.Outcome.IsTerminal() {
				report.Outcome = protocol.OutcomeFailed
				if report.Reason == "" {
					report.Reason = "branch runner returned no outcome"
				}
			}
			_, err = e.ReportBranch(ctx, kind, sessionID, task.BranchID, report)
			var bfe *protocol.BranchFailureError
			if errors.As(err, &bfe) {
				mu.Lock()
				failure = bfe
				mu.Unlock()
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	final, err := e.Resume(ctx, kind, sessionID)
	if err != nil {
		return nil, err
	}
	return final, failure
}

// Executor performs the work a directive asks for and returns the phase
// output.
type Executor func(ctx context.Context, d *directive.Directive) (json.RawMessage, error)

// ChildRunner runs each branch as an independent protocol instance of the
// branch kind, keyed by the branch's child session, through the same
// engine. Execute performs each directive of the child. Findings are read
// from the "findings" list of the child's last output.
type ChildRunner struct {
	Engine   *Engine
	Execute  Executor
	MaxSteps int
	Logger   *zap.Logger
}

// RunBranch drives the child instance to a terminal directive.
func (r *ChildRunner) RunBranch(ctx context.Context, task BranchTask) (branch.Report, error) {
	if task.Kind == "" {
		return branch.Report{}, fmt.Errorf("branch %s of %s has no protocol kind", task.BranchID, task.Parent)
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxSteps := r.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxChildSteps
	}

	res, err := r.Engine.Start(ctx, task.Kind, task.SessionID, task.Context)
	if errors.Is(err, protocol.ErrAlreadyExists) {
		res, err = r.Engine.Resume(ctx, task.Kind, task.SessionID)
	}
	if err != nil {
		return branch.Report{}, err
	}

	var (
		lastOutput   json.RawMessage
		lastArtifact string
	)
	for step := 0; step < maxSteps; step++ {
		d := res.Directive
		switch d.Action {
		case directive.ActionComplete:
			return branch.Report{
				Outcome:  protocol.OutcomeSucceeded,
				Artifact: lastArtifact,
				Findings: findingsOf(lastOutput),
			}, nil
		case directive.ActionFailed:
			return branch.Report{Outcome: protocol.OutcomeFailed, Artifact: lastArtifact, Reason: d.Reason}, nil
		case directive.ActionAwaitInput:
			return branch.Report{Outcome: protocol.OutcomeFailed, Reason: "branch halted: " + d.Reason}, nil
		case directive.ActionRunBranches:
			res, err = r.Engine.RunBranches(ctx, task.Kind, task.SessionID, r)
			var bfe *protocol.BranchFailureError
			if err != nil && !errors.As(err, &bfe) {
				return branch.Report{}, err
			}
			continue
		}

		out, err := r.Execute(ctx, d)
		if err != nil {
			return branch.Report{}, fmt.Errorf("executing %s of %s: %w", d.Phase, task.SessionID, err)
		}
		logger.Debug("branch step executed",
			zap.String("session_id", task.SessionID),
			zap.String("phase", d.Phase),
		)
		if d.Artifact != nil {
			lastArtifact = d.Artifact.Path
		}
		lastOutput = out
		res, err = r.Engine.Advance(ctx, task.Kind, task.SessionID, AdvanceRequest{Phase: d.Phase, Output: out})
		if err != nil {
			return branch.Report{}, err
		}
	}
	return branch.Report{}, fmt.Errorf("branch %s did not finish within %d steps", task.SessionID, maxSteps)
}

func findingsOf(out json.RawMessage) []string {
	var v struct {
		Findings []string `json:"findings"`
	}
	if len(out) == 0 || json.Unmarshal(out, &v) != nil {
		return nil
	}
	return v.Findings
}

var _ BranchRunner = (*ChildRunner)(nil)
