package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protocold/internal/branch"
	"github.com/fyrsmithlabs/protocold/internal/protocol"
)

// DefaultSweepInterval is how often Run sweeps when no interval is given.
const DefaultSweepInterval = time.Minute

// Sweeper fails branches that stay pending past a deadline. The engine
// itself never times anything out; the sweeper is the opt-in policy.
type Sweeper struct {
	engine   *Engine
	deadline time.Duration
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper creates a sweeper that fails branches pending for longer than
// deadline, checking every interval.
func NewSweeper(e *Engine, deadline, interval time.Duration, logger *zap.Logger) (*Sweeper, error) {
	if deadline <= 0 {
		return nil, fmt.Errorf("sweeper deadline must be positive, got %s", deadline)
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{engine: e, deadline: deadline, interval: interval, logger: logger.Named("sweeper")}, nil
}

// Sweep reports every overdue pending branch as failed and returns how many
// were reported.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	keys, err := s.engine.List(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("listing instances: %w", err)
	}

	now := s.engine.now()
	swept := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		st, err := s.engine.State(ctx, key.Kind, key.SessionID)
		if err != nil {
			s.logger.Warn("skipping unreadable instance", zap.String("key", key.String()), zap.Error(err))
			continue
		}
		if st.Status != protocol.StatusExecuting && st.Status != protocol.StatusHalted {
			continue
		}
		for _, id := range overdue(st, st.CurrentPhase, now, s.deadline) {
			reason := fmt.Sprintf("branch deadline of %s exceeded", s.deadline)
			_, err := s.engine.ReportBranch(ctx, key.Kind, key.SessionID, id,
				branch.Report{Outcome: protocol.OutcomeFailed, Reason: reason})
			var bfe *protocol.BranchFailureError
			switch {
			case err == nil, errors.As(err, &bfe):
				swept++
				s.logger.Info("branch deadline exceeded",
					zap.String("protocol_kind", key.Kind),
					zap.String("session_id", key.SessionID),
					zap.String("branch_id", id),
				)
			case errors.Is(err, branch.ErrConflictingOutcome):
				// Reported by its runner since the state was read.
			default:
				s.logger.Warn("failed to sweep branch",
					zap.String("key", key.String()),
					zap.String("branch_id", id),
					zap.Error(err),
				)
			}
		}
	}
	return swept, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("sweep failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("sweep finished", zap.Int("failed_branches", n))
			}
		}
	}
}

func overdue(st *protocol.State, phase string, now time.Time, deadline time.Duration) []string {
	var ids []string
	for id, b := range st.Branches[phase] {
		if b.Outcome == protocol.OutcomePending && now.Sub(b.RegisteredAt) > deadline {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
