package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/protocold/internal/protocol"
	"github.com/fyrsmithlabs/protocold/internal/store"
	"github.com/fyrsmithlabs/protocold/internal/telemetry"
)

func TestEngineRecordsMetricsAndSpans(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	f := newFixtureWith(t, store.NewMemoryStore(), []Option{
		WithMeter(tel.Meter(InstrumentationName)),
		WithTracer(tel.Tracer(InstrumentationName)),
	}, chainDef())
	ctx := context.Background()
	kind := attribute.String("protocol.kind", "chain")

	_, err := f.engine.Start(ctx, "chain", "s1", nil)
	require.NoError(t, err)

	_, err = f.engine.Advance(ctx, "chain", "s1", AdvanceRequest{Phase: "A", Output: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Equal(t, int64(1), tel.CounterValue(t, "protocold.engine.blocked.total", kind, attribute.String("phase", "A")))

	for _, phase := range []string{"A", "B", "C"} {
		f.writeArtifact(t, "s1", phase)
		_, err = f.engine.Advance(ctx, "chain", "s1", AdvanceRequest{Phase: phase, Output: json.RawMessage(`{}`)})
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), tel.CounterValue(t, "protocold.engine.transitions.total",
		kind, attribute.String("from", "A"), attribute.String("to", "B")))
	assert.Equal(t, int64(1), tel.CounterValue(t, "protocold.engine.terminal.total",
		kind, attribute.String("status", string(protocol.StatusCompleted))))
	assert.Zero(t, tel.CounterValue(t, "protocold.engine.halts.total"))

	tel.AssertSpanExists(t, "engine.start")
	span := tel.SpanByName("engine.advance")
	require.NotNil(t, span)
	attrs := attribute.NewSet(span.Attributes()...)
	v, ok := attrs.Value("protocol.session_id")
	require.True(t, ok)
	assert.Equal(t, "s1", v.AsString())
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordTransition(ctx, "k", "a", "b")
	m.RecordTerminal(ctx, "k", protocol.StatusFailed)
	m.RecordOperation(ctx, "advance", 0, nil)
}
