package remediation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/protocold/internal/protocol"
)

func newState() *protocol.State {
	return protocol.NewState(protocol.Key{Kind: "skill", SessionID: "s1"}, nil, time.Now())
}

func TestDecidePass(t *testing.T) {
	st := newState()
	c := NewController(nil)

	d := c.Decide(context.Background(), st, Spec{Phase: "verify", Target: "execute", Max: 2}, Verdict{Pass: true}, time.Now())
	assert.Equal(t, ActionPass, d.Action)
	assert.Empty(t, st.Failures)
	assert.Zero(t, st.RetryCounters["execute"])
}

func TestDecideBoundedRetries(t *testing.T) {
	st := newState()
	c := NewController(nil)
	spec := Spec{Phase: "verify", Target: "execute", Max: 2}
	fail := Verdict{Pass: false, Reason: "tests failing"}
	ctx := context.Background()

	d := c.Decide(ctx, st, spec, fail, time.Now())
	assert.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, 1, d.Attempt)

	d = c.Decide(ctx, st, spec, fail, time.Now())
	assert.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, 2, d.Attempt)

	d = c.Decide(ctx, st, spec, fail, time.Now())
	assert.Equal(t, ActionForceComplete, d.Action)
	require.NotNil(t, d.Gap)
	require.NotNil(t, d.Warning)
	assert.Equal(t, 2, d.Warning.Attempts)
	assert.Equal(t, 2, st.RetryCounters["execute"])
	require.Len(t, st.Gaps, 1)
	assert.Contains(t, st.Gaps[0].Reason, "tests failing")
	assert.Len(t, st.Failures, 3)

	// further failures never push the counter past the bound
	for i := 0; i < 5; i++ {
		d = c.Decide(ctx, st, spec, fail, time.Now())
		assert.Equal(t, ActionForceComplete, d.Action)
	}
	assert.Equal(t, 2, st.RetryCounters["execute"])
}

func TestDecideZeroBudgetForcesImmediately(t *testing.T) {
	st := newState()
	d := NewController(nil).Decide(context.Background(), st, Spec{Phase: "verify", Target: "execute"}, Verdict{}, time.Now())
	assert.Equal(t, ActionForceComplete, d.Action)
	assert.Equal(t, "validation failed", d.Failure.Reason)
	assert.Zero(t, st.RetryCounters["execute"])
}

func TestDecideFailPolicy(t *testing.T) {
	st := newState()
	d := NewController(nil).Decide(context.Background(), st,
		Spec{Phase: "verify", Target: "execute", Max: 0, Policy: PolicyFail},
		Verdict{Reason: "broken"}, time.Now())
	assert.Equal(t, ActionFail, d.Action)
	assert.Nil(t, d.Gap)
	assert.Empty(t, st.Gaps)
	require.NotNil(t, d.Warning)
}

func TestGuidanceFor(t *testing.T) {
	st := newState()
	assert.Nil(t, GuidanceFor(st, "execute", 2))

	c := NewController(nil)
	spec := Spec{Phase: "verify", Target: "execute", Max: 2}
	c.Decide(context.Background(), st, spec, Verdict{Reason: "first"}, time.Now())
	c.Decide(context.Background(), st, spec, Verdict{Reason: "second"}, time.Now())

	g := GuidanceFor(st, "execute", 2)
	require.NotNil(t, g)
	assert.Equal(t, "verify", g.Phase)
	assert.Equal(t, 2, g.Attempt)
	assert.Equal(t, 2, g.Max)
	assert.Equal(t, "second", g.Reason)
	assert.Equal(t, []string{"first", "second"}, g.History)
}

func TestPolicyValid(t *testing.T) {
	assert.True(t, Policy("").Valid())
	assert.True(t, PolicyFail.Valid())
	assert.False(t, Policy("retry_forever").Valid())
}
