package tools

import (
	"context"
	"testing"
)

func TestToolContextKeys_ContextID(t *testing.T) {
	ctx := context.Background()
	if v := ToolContextIDFromCtx(ctx); v != "" {
		t.Errorf("expected empty, got %q", v)
	}

	ctx = WithToolContextID(ctx, "ctx-123")
	if v := ToolContextIDFromCtx(ctx); v != "ctx-123" {
		t.Errorf("expected ctx-123, got %q", v)
	}
}

func TestToolContextKeys_TaskID(t *testing.T) {
	ctx := context.Background()
	if v := ToolTaskIDFromCtx(ctx); v != "" {
		t.Errorf("expected empty, got %q", v)
	}

	ctx = WithToolTaskID(ctx, "task-456")
	if v := ToolTaskIDFromCtx(ctx); v != "task-456" {
		t.Errorf("expected task-456, got %q", v)
	}
}

func TestToolContextKeys_CallerKey(t *testing.T) {
	ctx := context.Background()
	ctx = WithToolCallerKey(ctx, "client:10.0.0.1")
	if v := ToolCallerKeyFromCtx(ctx); v != "client:10.0.0.1" {
		t.Errorf("expected caller key, got %q", v)
	}
}

func TestToolContextKeys_MultipleValues(t *testing.T) {
	ctx := context.Background()
	ctx = WithToolContextID(ctx, "ctx-a")
	ctx = WithToolTaskID(ctx, "task-b")
	ctx = WithToolCallerKey(ctx, "caller-c")

	if v := ToolContextIDFromCtx(ctx); v != "ctx-a" {
		t.Errorf("contextID: expected ctx-a, got %q", v)
	}
	if v := ToolTaskIDFromCtx(ctx); v != "task-b" {
		t.Errorf("taskID: expected task-b, got %q", v)
	}
	if v := ToolCallerKeyFromCtx(ctx); v != "caller-c" {
		t.Errorf("callerKey: expected caller-c, got %q", v)
	}
}
