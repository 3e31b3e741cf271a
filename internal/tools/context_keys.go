package tools

import "context"

// Per-call values travel through context rather than mutable tool
// fields, so tool instances stay safe for concurrent execution.

type ctxKey int

const (
	ctxKeyContextID ctxKey = iota
	ctxKeyTaskID
	ctxKeyCallerKey
)

// WithToolContextID attaches the conversation context ID for the call.
func WithToolContextID(ctx context.Context, contextID string) context.Context {
	return context.WithValue(ctx, ctxKeyContextID, contextID)
}

// ToolContextIDFromCtx returns the conversation context ID, or "".
func ToolContextIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyContextID).(string)
	return v
}

// WithToolTaskID attaches the task the agent is currently serving.
func WithToolTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, ctxKeyTaskID, taskID)
}

// ToolTaskIDFromCtx returns the current task ID, or "".
func ToolTaskIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyTaskID).(string)
	return v
}

// WithToolCallerKey attaches the caller's rate-limit key.
func WithToolCallerKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ctxKeyCallerKey, key)
}

// ToolCallerKeyFromCtx returns the caller's rate-limit key, or "".
func ToolCallerKeyFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyCallerKey).(string)
	return v
}
