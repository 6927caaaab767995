package engine

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protocold/internal/protocol"
)

// Logger wraps zap.Logger with engine-specific structured logging.
type Logger struct {
	logger *zap.Logger
}

// NewLogger creates a new Logger. If logger is nil, uses a no-op logger.
func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("engine")}
}

// Started logs a new instance.
func (l *Logger) Started(ctx context.Context, key protocol.Key, phase string) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, key)
	fields = append(fields, zap.String("phase", phase))
	l.logger.Info("protocol started", fields...)
}

// Transition logs a phase transition.
func (l *Logger) Transition(ctx context.Context, key protocol.Key, from, to string, version int64) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, key)
	fields = append(fields,
		zap.String("from", from),
		zap.String("to", to),
		zap.Int64("version", version),
	)
	l.logger.Info("phase transition", fields...)
}

// Blocked logs an advance rejected by the artifact verifier.
func (l *Logger) Blocked(ctx context.Context, key protocol.Key, phase, path string, problems []string) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, key)
	fields = append(fields,
		zap.String("phase", phase),
		zap.String("path", path),
		zap.Strings("problems", problems),
	)
	l.logger.Info("advance blocked on artifact", fields...)
}

// Halted logs a halt.
func (l *Logger) Halted(ctx context.Context, key protocol.Key, phase, reason string) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, key)
	fields = append(fields, zap.String("phase", phase), zap.String("reason", reason))
	l.logger.Info("protocol halted", fields...)
}

// BranchReported logs a recorded branch outcome.
func (l *Logger) BranchReported(ctx context.Context, key protocol.Key, phase, branchID string, outcome protocol.Outcome, changed bool) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, key)
	fields = append(fields,
		zap.String("phase", phase),
		zap.String("branch_id", branchID),
		zap.String("outcome", string(outcome)),
		zap.Bool("changed", changed),
	)
	l.logger.Info("branch reported", fields...)
}

// Terminal logs an instance reaching a terminal status.
func (l *Logger) Terminal(ctx context.Context, key protocol.Key, status protocol.Status, reason string) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, key)
	fields = append(fields, zap.String("status", string(status)))
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	if status == protocol.StatusCompleted {
		l.logger.Info("protocol finished", fields...)
		return
	}
	l.logger.Warn("protocol finished", fields...)
}

// Warning logs a non-fatal warning attached to a result.
func (l *Logger) Warning(ctx context.Context, key protocol.Key, err error) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, key)
	fields = append(fields, zap.Error(err))
	l.logger.Warn("protocol warning", fields...)
}

// Error logs an error with context.
func (l *Logger) Error(ctx context.Context, msg string, err error, fields ...zap.Field) {
	if l == nil || l.logger == nil {
		return
	}
	allFields := l.traceFields(ctx)
	allFields = append(allFields, zap.Error(err))
	allFields = append(allFields, fields...)
	l.logger.Error(msg, allFields...)
}

// Debug logs a debug message with context.
func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	if l == nil || l.logger == nil {
		return
	}
	allFields := l.traceFields(ctx)
	allFields = append(allFields, fields...)
	l.logger.Debug(msg, allFields...)
}

func (l *Logger) baseFields(ctx context.Context, key protocol.Key) []zap.Field {
	fields := []zap.Field{
		zap.String("protocol_kind", key.Kind),
		zap.String("session_id", key.SessionID),
	}
	return append(fields, l.traceFields(ctx)...)
}

func (l *Logger) traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return nil
	}
	sc := span.SpanContext()
	fields := []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
	if sc.IsSampled() {
		fields = append(fields, zap.Bool("trace_sampled", true))
	}
	return fields
}
