package id

import "context"

type contextKey string

const (
	sessionKey contextKey = "fable_session_id"
	runKey     contextKey = "fable_run_id"
)

// IDs captures the identifiers propagated across gateway boundaries, mainly
// so tracing spans and log lines can tag their session and run.
type IDs struct {
	SessionID string
	RunID     string
}

// WithSessionID stores the provided session identifier on the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// WithRunID stores the current run identifier on the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runKey, runID)
}

// WithIDs stores any provided identifiers on the context.
func WithIDs(ctx context.Context, ids IDs) context.Context {
	if ids.SessionID != "" {
		ctx = WithSessionID(ctx, ids.SessionID)
	}
	if ids.RunID != "" {
		ctx = WithRunID(ctx, ids.RunID)
	}
	return ctx
}

// SessionIDFromContext extracts the session identifier from context.
func SessionIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if sessionID, ok := ctx.Value(sessionKey).(string); ok {
		return sessionID
	}
	return ""
}

// RunIDFromContext extracts the run identifier from context.
func RunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if runID, ok := ctx.Value(runKey).(string); ok {
		return runID
	}
	return ""
}

// IDsFromContext gathers every propagated identifier off the context.
func IDsFromContext(ctx context.Context) IDs {
	return IDs{
		SessionID: SessionIDFromContext(ctx),
		RunID:     RunIDFromContext(ctx),
	}
}
