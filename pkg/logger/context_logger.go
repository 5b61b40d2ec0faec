package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey int

const (
	roomKey ctxKey = iota
	participantKey
)

// WithRoom stores the room id on the context for log enrichment.
func WithRoom(ctx context.Context, roomID string) context.Context {
	return context.WithValue(ctx, roomKey, roomID)
}

// WithParticipant stores the participant id on the context for log enrichment.
func WithParticipant(ctx context.Context, participantID string) context.Context {
	return context.WithValue(ctx, participantKey, participantID)
}

// ContextLogger adds trace and call identifiers carried by a context.
type ContextLogger struct {
	logger *zap.SugaredLogger
}

// NewContextLogger wraps a base logger
func NewContextLogger(logger *zap.SugaredLogger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// For returns a logger annotated with whatever identifiers ctx carries.
func (cl *ContextLogger) For(ctx context.Context) *zap.SugaredLogger {
	var kv []interface{}

	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		kv = append(kv, "trace_id", sc.TraceID().String())
	}
	if id, ok := ctx.Value(roomKey).(string); ok && id != "" {
		kv = append(kv, "room_id", id)
	}
	if id, ok := ctx.Value(participantKey).(string); ok && id != "" {
		kv = append(kv, "participant_id", id)
	}

	if len(kv) == 0 {
		return cl.logger
	}
	return cl.logger.With(kv...)
}

// Base returns the wrapped logger without context fields
func (cl *ContextLogger) Base() *zap.SugaredLogger {
	return cl.logger
}
