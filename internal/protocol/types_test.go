package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"start executing", StatusInitialized, StatusExecuting, true},
		{"halt", StatusExecuting, StatusHalted, true},
		{"answer", StatusHalted, StatusExecuting, true},
		{"halted cannot complete directly", StatusHalted, StatusCompleted, false},
		{"completed is terminal", StatusCompleted, StatusExecuting, false},
		{"failed is terminal", StatusFailed, StatusExecuting, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
	assert.True(t, StatusAbandoned.IsTerminal())
	assert.False(t, StatusHalted.IsTerminal())
}

func TestKeyValidate(t *testing.T) {
	_, err := NewKey("skill", "task-42")
	require.NoError(t, err)

	_, err = NewKey("", "x")
	assert.ErrorIs(t, err, ErrEmptyKind)

	_, err = NewKey("skill", "")
	assert.ErrorIs(t, err, ErrEmptySessionID)

	_, err = NewKey("skill", "../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	assert.Equal(t, "task-42.web", ChildSessionID("task-42", "web"))
}

func TestNormalizeBackfillsPhaseID(t *testing.T) {
	// older workflow records carried only current_phase_id
	raw := `{"protocol_kind":"skill","session_id":"s1","status":"executing","current_phase_id":"plan"}`
	var st State
	require.NoError(t, json.Unmarshal([]byte(raw), &st))
	st.Normalize()

	assert.Equal(t, "plan", st.CurrentPhase)
	assert.Equal(t, "plan", st.CurrentPhaseID)
	assert.NotNil(t, st.PhaseOutputs)
	assert.NotNil(t, st.RetryCounters)
	require.NoError(t, st.Validate())
}

func TestValidateHaltedRequiresReason(t *testing.T) {
	st := NewState(Key{Kind: "agent", SessionID: "a1"}, nil, time.Now())
	st.Status = StatusHalted
	assert.ErrorIs(t, st.Validate(), ErrMissingHaltReason)

	st.HaltReason = "need credentials"
	assert.NoError(t, st.Validate())
}

func TestValidateRejectsDuplicateCompletion(t *testing.T) {
	st := NewState(Key{Kind: "agent", SessionID: "a1"}, nil, time.Now())
	st.CompletedPhases = []string{"load", "load"}
	assert.ErrorIs(t, st.Validate(), ErrInconsistentState)
}

func TestMarkCompletedIsIdempotent(t *testing.T) {
	now := time.Now()
	st := NewState(Key{Kind: "agent", SessionID: "a1"}, nil, now)
	st.MarkStarted("load", now)
	st.MarkCompleted("load", now.Add(time.Second))
	st.MarkCompleted("load", now.Add(2*time.Second))

	assert.Equal(t, []string{"load"}, st.CompletedPhases)
	assert.Equal(t, now.Add(time.Second), *st.Phases["load"].CompletedAt)

	st.Uncomplete("load")
	assert.Empty(t, st.CompletedPhases)
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	st := NewState(Key{Kind: "reasoning", SessionID: "q1"}, json.RawMessage(`{"q":"why"}`), now)
	st.PhaseOutputs["analyze"] = json.RawMessage(`{"a":1}`)
	st.RetryCounters["synthesize"] = 1
	st.Branches = map[string]map[string]BranchState{
		"research": {"web": {ID: "web", Outcome: OutcomePending, Findings: []string{"f1"}}},
	}
	st.MarkStarted("analyze", now)

	c := st.Clone()
	c.PhaseOutputs["analyze"][0] = 'X'
	c.RetryCounters["synthesize"] = 5
	b := c.Branches["research"]["web"]
	b.Findings[0] = "changed"
	c.Branches["research"]["web"] = b
	c.Context[0] = 'X'
	*c.Phases["analyze"].StartedAt = now.Add(time.Hour)

	assert.Equal(t, `{"a":1}`, string(st.PhaseOutputs["analyze"]))
	assert.Equal(t, 1, st.RetryCounters["synthesize"])
	assert.Equal(t, "f1", st.Branches["research"]["web"].Findings[0])
	assert.Equal(t, `{"q":"why"}`, string(st.Context))
	assert.Equal(t, now, *st.Phases["analyze"].StartedAt)
}

func TestErrorTaxonomy(t *testing.T) {
	key := Key{Kind: "skill", SessionID: "s1"}
	inner := errors.New("unexpected EOF")

	loadErr := &StateLoadError{Key: key, Err: inner}
	assert.ErrorIs(t, loadErr, inner)
	assert.Contains(t, loadErr.Error(), "skill/s1")

	blocked := &BlockingPreconditionError{Key: key, Phase: "plan", Path: "/tmp/plan.md", Problems: []string{"missing marker"}}
	assert.Contains(t, blocked.Error(), "missing marker")
	assert.True(t, IsRecoverable(blocked))
	assert.True(t, IsRecoverable(&ProtocolHaltError{Key: key, Reason: "ask"}))
	assert.False(t, IsRecoverable(&InvalidTransitionError{Key: key}))
	assert.False(t, IsRecoverable(&BranchFailureError{Phase: "research"}))
}
