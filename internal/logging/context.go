package logging

import (
	"context"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 7)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if inst, ok := ctx.Value(instanceCtxKey{}).(instance); ok {
		fields = append(fields,
			zap.String("protocol.kind", inst.kind),
			zap.String("session.id", inst.session),
		)
	}
	if phase, ok := ctx.Value(phaseCtxKey{}).(string); ok {
		fields = append(fields, zap.String("phase", phase))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}
	return fields
}

type (
	instanceCtxKey struct{}
	phaseCtxKey    struct{}
	requestCtxKey  struct{}
	loggerCtxKey   struct{}
)

type instance struct {
	kind    string
	session string
}

const maxIDLen = 128

// idPattern matches protocol kinds, session IDs (which may carry dotted
// branch suffixes), phase IDs and request IDs.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

func validID(id string) bool {
	return id != "" && len(id) <= maxIDLen && idPattern.MatchString(id)
}

// WithInstance tags ctx with a protocol instance. Malformed values are
// ignored so that untrusted input cannot inject log fields.
func WithInstance(ctx context.Context, kind, sessionID string) context.Context {
	if !validID(kind) || !validID(sessionID) {
		return ctx
	}
	return context.WithValue(ctx, instanceCtxKey{}, instance{kind: kind, session: sessionID})
}

// WithPhase tags ctx with the phase being processed.
func WithPhase(ctx context.Context, phase string) context.Context {
	if !validID(phase) {
		return ctx
	}
	return context.WithValue(ctx, phaseCtxKey{}, phase)
}

// InstanceFromContext returns the protocol instance tagged on ctx.
func InstanceFromContext(ctx context.Context) (kind, sessionID string, ok bool) {
	inst, ok := ctx.Value(instanceCtxKey{}).(instance)
	return inst.kind, inst.session, ok
}

// RequestIDFromContext extracts the request ID from ctx.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithRequestID tags ctx with a request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if !validID(requestID) {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger from ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
