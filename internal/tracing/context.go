package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// SessionIDKey is the context key for the realtime session ID
	SessionIDKey ContextKey = "session_id"
	// CallIDKey is the context key for a tool call ID
	CallIDKey ContextKey = "call_id"
	// ProviderKey is the context key for the tool provider name
	ProviderKey ContextKey = "provider"
	// ToolKey is the context key for the tool name
	ToolKey ContextKey = "tool"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	SessionID string
	CallID    string
	Provider  string
	Tool      string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewSessionID generates a new session ID
func NewSessionID() string {
	return uuid.New().String()
}

func withValue(ctx context.Context, key ContextKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

func getValue(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withValue(ctx, TraceIDKey, traceID)
}

// WithSessionID adds a realtime session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return withValue(ctx, SessionIDKey, sessionID)
}

// WithCallID adds a tool call ID to the context
func WithCallID(ctx context.Context, callID string) context.Context {
	return withValue(ctx, CallIDKey, callID)
}

// WithProvider adds a provider name to the context
func WithProvider(ctx context.Context, provider string) context.Context {
	return withValue(ctx, ProviderKey, provider)
}

// WithTool adds a tool name to the context
func WithTool(ctx context.Context, tool string) context.Context {
	return withValue(ctx, ToolKey, tool)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string { return getValue(ctx, TraceIDKey) }

// GetSessionID retrieves the session ID from the context
func GetSessionID(ctx context.Context) string { return getValue(ctx, SessionIDKey) }

// GetCallID retrieves the call ID from the context
func GetCallID(ctx context.Context) string { return getValue(ctx, CallIDKey) }

// GetProvider retrieves the provider name from the context
func GetProvider(ctx context.Context) string { return getValue(ctx, ProviderKey) }

// GetTool retrieves the tool name from the context
func GetTool(ctx context.Context) string { return getValue(ctx, ToolKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		SessionID: GetSessionID(ctx),
		CallID:    GetCallID(ctx),
		Provider:  GetProvider(ctx),
		Tool:      GetTool(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.SessionID != "" {
		ctx = WithSessionID(ctx, tc.SessionID)
	}
	if tc.CallID != "" {
		ctx = WithCallID(ctx, tc.CallID)
	}
	if tc.Provider != "" {
		ctx = WithProvider(ctx, tc.Provider)
	}
	if tc.Tool != "" {
		ctx = WithTool(ctx, tc.Tool)
	}
	return ctx
}

// NewCallContext tags ctx with a tool call, keeping an existing trace ID or
// starting a new one
func NewCallContext(ctx context.Context, callID, provider, tool string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithCallID(ctx, callID)
	if provider != "" {
		ctx = WithProvider(ctx, provider)
	}
	return WithTool(ctx, tool)
}
