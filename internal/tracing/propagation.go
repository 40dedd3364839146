package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds tracing context fields to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := logger.With()

	if tc.TraceID != "" {
		lc = lc.Str(string(TraceIDKey), tc.TraceID)
	}
	if tc.SessionID != "" {
		lc = lc.Str(string(SessionIDKey), tc.SessionID)
	}
	if tc.CallID != "" {
		lc = lc.Str(string(CallIDKey), tc.CallID)
	}
	if tc.Provider != "" {
		lc = lc.Str(string(ProviderKey), tc.Provider)
	}
	if tc.Tool != "" {
		lc = lc.Str(string(ToolKey), tc.Tool)
	}

	return lc.Logger()
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// Detach copies tracing values onto a fresh background context, so work that
// must outlive the caller keeps its correlation fields without inheriting the
// caller's cancellation.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}

// MergeContext copies tracing values missing from target out of source
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.SessionID != "" && GetSessionID(target) == "" {
		target = WithSessionID(target, tc.SessionID)
	}
	if tc.CallID != "" && GetCallID(target) == "" {
		target = WithCallID(target, tc.CallID)
	}
	if tc.Provider != "" && GetProvider(target) == "" {
		target = WithProvider(target, tc.Provider)
	}
	if tc.Tool != "" && GetTool(target) == "" {
		target = WithTool(target, tc.Tool)
	}

	return target
}
