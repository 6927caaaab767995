package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/protocold/internal/branch"
	"github.com/fyrsmithlabs/protocold/internal/protocol"
)

func TestToolRegistry_RegisterAndGet(t *testing.T) {
	r := NewToolRegistry()
	tool := &ToolMetadata{Name: "protocol_start", Description: "Start", Category: CategoryLifecycle}
	require.NoError(t, r.Register(tool))

	got, err := r.Get("protocol_start")
	require.NoError(t, err)
	assert.Same(t, tool, got)

	assert.ErrorIs(t, r.Register(tool), ErrToolExists)
	assert.ErrorIs(t, r.Register(&ToolMetadata{}), ErrToolName)
	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestToolRegistry_Search(t *testing.T) {
	r := NewToolRegistry()
	for _, tool := range []*ToolMetadata{
		{Name: "protocol_status", Description: "Return the current directive", Category: CategoryInspection},
		{Name: "protocol_report_branch", Description: "Record a branch outcome", Category: CategoryBranches, Keywords: []string{"fan-out"}},
		{Name: "protocol_start", Description: "Start an instance", Category: CategoryLifecycle},
	} {
		require.NoError(t, r.Register(tool))
	}

	tests := []struct {
		query    string
		category ToolCategory
		want     []string
	}{
		{"protocol_status", "", []string{"protocol_status"}},
		{"fan-out", "", []string{"protocol_report_branch"}},
		{"DIRECTIVE", "", []string{"protocol_status"}},
		{"protocol_(start|status)", "", []string{"protocol_start", "protocol_status"}},
		{"protocol", CategoryLifecycle, []string{"protocol_start"}},
		{"(", "", nil},
		{"", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			var names []string
			for _, hit := range r.Search(tt.query, tt.category) {
				names = append(names, hit.Tool.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}

	hits := r.Search("protocol_start", "")
	require.NotEmpty(t, hits)
	assert.Equal(t, 3, hits[0].Score, "exact name match ranks first")
}

func TestMetrics_RecordInvocation(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := NewMetrics(mp.Meter(instrumentationName), nil)

	ctx := context.Background()
	done := m.track(ctx, "protocol_advance")
	done(nil)
	m.RecordInvocation(ctx, "protocol_advance", 50*time.Millisecond,
		&protocol.BlockingPreconditionError{Phase: "A"})

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	values := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, mt := range sm.Metrics {
			if sum, ok := mt.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					values[mt.Name] += dp.Value
					if mt.Name == "protocold.mcp.tool.errors_total" {
						reason, _ := dp.Attributes.Value(attribute.Key("reason"))
						assert.Equal(t, "blocked", reason.AsString())
					}
				}
			}
		}
	}
	assert.Equal(t, int64(2), values["protocold.mcp.tool.invocations_total"])
	assert.Equal(t, int64(1), values["protocold.mcp.tool.errors_total"])
	assert.Equal(t, int64(0), values["protocold.mcp.tool.active_requests"])
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("load: %w", protocol.ErrNotFound), "not_found"},
		{&protocol.InvalidTransitionError{}, "invalid_transition"},
		{&protocol.BranchFailureError{}, "branch_failure"},
		{&protocol.StateLoadError{Err: errors.New("corrupt")}, "state_load"},
		{fmt.Errorf("report: %w", branch.ErrConflictingOutcome), "conflict"},
		{protocol.ErrMissingHaltReason, "validation_error"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("disk full"), "internal_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, categorizeError(tt.err), "%v", tt.err)
	}
}
