package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fyrsmithlabs/protocold/internal/protocol"
)

const (
	// InstrumentationName is the name used for OTEL instrumentation.
	InstrumentationName = "github.com/fyrsmithlabs/protocold/internal/engine"
)

// Metrics provides OpenTelemetry metrics for the engine.
type Metrics struct {
	// Counters
	transitionsTotal metric.Int64Counter
	blockedTotal     metric.Int64Counter
	haltsTotal       metric.Int64Counter
	branchTotal      metric.Int64Counter
	terminalTotal    metric.Int64Counter
	conflictsTotal   metric.Int64Counter

	// Gauges (using UpDownCounter for gauge semantics)
	activeInstances metric.Int64UpDownCounter

	// Histograms
	operationDuration metric.Float64Histogram

	initialized bool
}

// NewMetrics creates a new Metrics instance with the provided meter.
// If meter is nil, uses the global meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.transitionsTotal, err = meter.Int64Counter(
		"protocold.engine.transitions.total",
		metric.WithDescription("Total number of phase transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	m.blockedTotal, err = meter.Int64Counter(
		"protocold.engine.blocked.total",
		metric.WithDescription("Total number of advances blocked on an artifact"),
		metric.WithUnit("{advance}"),
	)
	if err != nil {
		return nil, err
	}

	m.haltsTotal, err = meter.Int64Counter(
		"protocold.engine.halts.total",
		metric.WithDescription("Total number of halts awaiting external input"),
		metric.WithUnit("{halt}"),
	)
	if err != nil {
		return nil, err
	}

	m.branchTotal, err = meter.Int64Counter(
		"protocold.engine.branch_reports.total",
		metric.WithDescription("Total number of branch outcomes recorded"),
		metric.WithUnit("{branch}"),
	)
	if err != nil {
		return nil, err
	}

	m.terminalTotal, err = meter.Int64Counter(
		"protocold.engine.terminal.total",
		metric.WithDescription("Total number of instances reaching a terminal status"),
		metric.WithUnit("{instance}"),
	)
	if err != nil {
		return nil, err
	}

	m.conflictsTotal, err = meter.Int64Counter(
		"protocold.engine.conflicts.total",
		metric.WithDescription("Total number of saves rejected by a concurrent writer"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		return nil, err
	}

	m.activeInstances, err = meter.Int64UpDownCounter(
		"protocold.engine.active.count",
		metric.WithDescription("Number of instances started and not yet terminal"),
		metric.WithUnit("{instance}"),
	)
	if err != nil {
		return nil, err
	}

	m.operationDuration, err = meter.Float64Histogram(
		"protocold.engine.operation.duration.seconds",
		metric.WithDescription("Duration of engine operations in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

// RecordTransition records a move from one phase to another.
// Session ids are not metric attributes; use traces and logs to correlate.
func (m *Metrics) RecordTransition(ctx context.Context, kind, from, to string) {
	if m == nil || !m.initialized {
		return
	}
	m.transitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("protocol.kind", kind),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordBlocked records an advance rejected by the artifact verifier.
func (m *Metrics) RecordBlocked(ctx context.Context, kind, phase string) {
	if m == nil || !m.initialized {
		return
	}
	m.blockedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("protocol.kind", kind),
		attribute.String("phase", phase),
	))
}

// RecordHalt records a halt.
func (m *Metrics) RecordHalt(ctx context.Context, kind, phase string) {
	if m == nil || !m.initialized {
		return
	}
	m.haltsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("protocol.kind", kind),
		attribute.String("phase", phase),
	))
}

// RecordBranch records a branch outcome.
func (m *Metrics) RecordBranch(ctx context.Context, kind string, outcome protocol.Outcome) {
	if m == nil || !m.initialized {
		return
	}
	m.branchTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("protocol.kind", kind),
		attribute.String("outcome", string(outcome)),
	))
}

// RecordStarted records a new instance.
func (m *Metrics) RecordStarted(ctx context.Context, kind string) {
	if m == nil || !m.initialized {
		return
	}
	m.activeInstances.Add(ctx, 1, metric.WithAttributes(attribute.String("protocol.kind", kind)))
}

// RecordTerminal records an instance reaching status.
func (m *Metrics) RecordTerminal(ctx context.Context, kind string, status protocol.Status) {
	if m == nil || !m.initialized {
		return
	}
	attrs := metric.WithAttributes(attribute.String("protocol.kind", kind))
	m.activeInstances.Add(ctx, -1, attrs)
	m.terminalTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("protocol.kind", kind),
		attribute.String("status", string(status)),
	))
}

// RecordConflict records a save rejected with store.ErrConflict.
func (m *Metrics) RecordConflict(ctx context.Context, kind string) {
	if m == nil || !m.initialized {
		return
	}
	m.conflictsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("protocol.kind", kind)))
}

// RecordOperation records how long an engine operation took.
func (m *Metrics) RecordOperation(ctx context.Context, op string, duration time.Duration, err error) {
	if m == nil || !m.initialized {
		return
	}
	m.operationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("operation", op),
		attribute.Bool("error", err != nil),
	))
}

// Tracer returns a tracer for the engine package.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// SpanAttributes returns common span attributes for an instance.
func SpanAttributes(key protocol.Key) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("protocol.kind", key.Kind),
		attribute.String("protocol.session_id", key.SessionID),
	}
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err, trace.WithAttributes(attrs...))
	}
}

// SetSpanStatus sets the status on the current span.
func SetSpanStatus(ctx context.Context, code codes.Code, description string) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(code, description)
	}
}
