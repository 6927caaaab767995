package remediation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protocold/internal/protocol"
)

const instrumentationName = "github.com/fyrsmithlabs/protocold/internal/remediation"

// Policy selects what happens when the retry bound is reached.
type Policy string

const (
	// PolicyForceComplete completes the phase with a gap annotation.
	PolicyForceComplete Policy = "force_complete"
	// PolicyFail fails the instance.
	PolicyFail Policy = "fail"
)

// Valid reports whether p is a known policy. The empty policy is valid and
// means PolicyForceComplete.
func (p Policy) Valid() bool {
	return p == "" || p == PolicyForceComplete || p == PolicyFail
}

// Verdict is the result of a validation predicate.
type Verdict struct {
	Pass   bool   `json:"pass"`
	Reason string `json:"reason,omitempty"`
}

// Spec describes one remediation phase.
type Spec struct {
	Phase  string
	Target string
	Max    int
	Policy Policy
}

// Action is the controller's decision.
type Action string

const (
	ActionPass          Action = "pass"
	ActionRetry         Action = "retry"
	ActionForceComplete Action = "force_complete"
	ActionFail          Action = "fail"
)

// Decision tells the engine how to leave a remediation phase.
type Decision struct {
	Action  Action
	Target  string
	Attempt int
	Failure *protocol.Failure
	Gap     *protocol.Gap
	// Warning is set when the bound was reached.
	Warning *protocol.RemediationExhaustedError
}

// Guidance is attached to the directive of a phase re-entered by remediation.
type Guidance struct {
	Phase   string   `json:"phase"`
	Target  string   `json:"target"`
	Attempt int      `json:"attempt"`
	Max     int      `json:"max"`
	Reason  string   `json:"reason"`
	History []string `json:"history,omitempty"`
}

// Controller applies remediation decisions to protocol state.
type Controller struct {
	logger *zap.Logger

	retryCounter     metric.Int64Counter
	exhaustedCounter metric.Int64Counter
}

// NewController creates a Controller. If logger is nil a no-op logger is used.
func NewController(logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{logger: logger.Named("remediation")}
	c.initMetrics(otel.Meter(instrumentationName))
	return c
}

func (c *Controller) initMetrics(meter metric.Meter) {
	var err error

	c.retryCounter, err = meter.Int64Counter(
		"protocold.remediation.retries_total",
		metric.WithDescription("Total number of remediation loop-backs"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		c.logger.Warn("failed to create retry counter", zap.Error(err))
	}

	c.exhaustedCounter, err = meter.Int64Counter(
		"protocold.remediation.exhausted_total",
		metric.WithDescription("Total number of remediation phases that ran out of retries"),
		metric.WithUnit("{phase}"),
	)
	if err != nil {
		c.logger.Warn("failed to create exhausted counter", zap.Error(err))
	}
}

// Decide evaluates verdict for spec and records the outcome on st: the
// failure record, the incremented counter on retry and the gap annotation on
// exhaustion. RetryCounters[spec.Target] never exceeds spec.Max.
func (c *Controller) Decide(ctx context.Context, st *protocol.State, spec Spec, v Verdict, now time.Time) Decision {
	if v.Pass {
		return Decision{Action: ActionPass, Target: spec.Target, Attempt: st.RetryCounters[spec.Target]}
	}

	reason := v.Reason
	if reason == "" {
		reason = "validation failed"
	}
	count := st.RetryCounters[spec.Target]
	attrs := metric.WithAttributes(
		attribute.String("protocol.kind", st.Kind),
		attribute.String("phase", spec.Phase),
	)

	if count < spec.Max {
		count++
		st.RetryCounters[spec.Target] = count
		failure := protocol.Failure{
			Phase:   spec.Phase,
			Target:  spec.Target,
			Attempt: count,
			Reason:  reason,
			At:      now,
		}
		st.Failures = append(st.Failures, failure)
		if c.retryCounter != nil {
			c.retryCounter.Add(ctx, 1, attrs)
		}
		c.logger.Info("remediation loop-back",
			zap.String("session_id", st.SessionID),
			zap.String("phase", spec.Phase),
			zap.String("target", spec.Target),
			zap.Int("attempt", count),
			zap.Int("max", spec.Max),
			zap.String("reason", reason),
		)
		return Decision{Action: ActionRetry, Target: spec.Target, Attempt: count, Failure: &failure}
	}

	failure := protocol.Failure{
		Phase:   spec.Phase,
		Target:  spec.Target,
		Attempt: count + 1,
		Reason:  reason,
		At:      now,
	}
	st.Failures = append(st.Failures, failure)
	warning := &protocol.RemediationExhaustedError{
		Phase:    spec.Phase,
		Target:   spec.Target,
		Attempts: count,
		Reason:   reason,
	}
	if c.exhaustedCounter != nil {
		c.exhaustedCounter.Add(ctx, 1, attrs)
	}

	if spec.Policy == PolicyFail {
		c.logger.Warn("remediation exhausted, failing instance",
			zap.String("session_id", st.SessionID),
			zap.String("phase", spec.Phase),
			zap.Int("attempts", count),
		)
		return Decision{Action: ActionFail, Target: spec.Target, Attempt: count, Failure: &failure, Warning: warning}
	}

	gap := protocol.Gap{
		Phase:    spec.Phase,
		Target:   spec.Target,
		Attempts: count,
		Reason:   fmt.Sprintf("unresolved after %d remediation attempts: %s", count, reason),
		At:       now,
	}
	st.Gaps = append(st.Gaps, gap)
	c.logger.Warn("remediation exhausted, force-completing phase",
		zap.String("session_id", st.SessionID),
		zap.String("phase", spec.Phase),
		zap.String("target", spec.Target),
		zap.Int("attempts", count),
	)
	return Decision{
		Action:  ActionForceComplete,
		Target:  spec.Target,
		Attempt: count,
		Failure: &failure,
		Gap:     &gap,
		Warning: warning,
	}
}

// GuidanceFor builds loop-back guidance for target from the failures recorded
// on st. It returns nil when target has not been remediated.
func GuidanceFor(st *protocol.State, target string, limit int) *Guidance {
	var g *Guidance
	for _, f := range st.Failures {
		if f.Target != target {
			continue
		}
		if g == nil {
			g = &Guidance{Phase: f.Phase, Target: target, Max: limit}
		}
		g.Attempt = f.Attempt
		g.Reason = f.Reason
		g.History = append(g.History, f.Reason)
	}
	if g == nil || st.RetryCounters[target] == 0 {
		return nil
	}
	g.Attempt = st.RetryCounters[target]
	return g
}
