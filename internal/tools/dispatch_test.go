package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"homepilot/internal/chat"
)

func TestDispatchEmpty(t *testing.T) {
	reg := NewRegistry(nil)
	if got := reg.Dispatch(context.Background(), nil); got != nil {
		t.Errorf("expected nil for empty batch, got %v", got)
	}
}

func TestDispatchPreservesCallOrder(t *testing.T) {
	reg := NewRegistry(nil)

	// The first call finishes last, so ordering by completion would be wrong.
	reg.MustRegister(&Tool{
		Name: "slow",
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			time.Sleep(50 * time.Millisecond)
			return "slow done", nil
		},
	})
	reg.MustRegister(&Tool{
		Name: "fast",
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return "fast done", nil
		},
	})

	calls := []chat.ToolCallRequest{
		{ID: "call_1", Name: "slow", Arguments: "{}"},
		{ID: "call_2", Name: "fast", Arguments: "{}"},
	}

	msgs := reg.Dispatch(context.Background(), calls)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].ToolCallID != "call_1" || msgs[0].Content != "slow done" {
		t.Errorf("msgs[0] = %+v, want slow result first", msgs[0])
	}
	if msgs[1].ToolCallID != "call_2" || msgs[1].Content != "fast done" {
		t.Errorf("msgs[1] = %+v, want fast result second", msgs[1])
	}
	for _, m := range msgs {
		if m.Role != chat.RoleTool {
			t.Errorf("message role = %q, want tool", m.Role)
		}
	}
}

func TestDispatchFailureDoesNotAbortSiblings(t *testing.T) {
	reg := NewRegistry(nil)

	reg.MustRegister(&Tool{
		Name: "broken",
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("boom")
		},
	})
	reg.MustRegister(&Tool{
		Name: "healthy",
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return "ok", nil
		},
	})

	calls := []chat.ToolCallRequest{
		{ID: "a", Name: "broken", Arguments: "{}"},
		{ID: "b", Name: "healthy", Arguments: "{}"},
	}

	msgs := reg.Dispatch(context.Background(), calls)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if !strings.HasPrefix(msgs[0].Content, "Error: ") {
		t.Errorf("broken tool content = %q, want Error prefix", msgs[0].Content)
	}
	if msgs[1].Content != "ok" {
		t.Errorf("healthy tool content = %q, want ok", msgs[1].Content)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	reg := NewRegistry(nil)

	msgs := reg.Dispatch(context.Background(), []chat.ToolCallRequest{
		{ID: "x", Name: "does_not_exist", Arguments: "{}"},
	})
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0].Content, "tool not found") {
		t.Errorf("content = %q, want tool not found", msgs[0].Content)
	}
	if msgs[0].ToolCallID != "x" {
		t.Errorf("tool_call_id = %q, want x", msgs[0].ToolCallID)
	}
}

func TestDispatchMalformedArguments(t *testing.T) {
	reg := NewRegistry(nil)
	reg.MustRegister(okTool("fine"))

	msgs := reg.Dispatch(context.Background(), []chat.ToolCallRequest{
		{ID: "x", Name: "fine", Arguments: "{not json"},
	})
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0].Content, "invalid tool arguments") {
		t.Errorf("content = %q, want invalid tool arguments", msgs[0].Content)
	}
}

func TestDispatchEmptyArguments(t *testing.T) {
	reg := NewRegistry(nil)

	var seen map[string]any
	reg.MustRegister(&Tool{
		Name: "no_args",
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			seen = args
			return "ran", nil
		},
	})

	msgs := reg.Dispatch(context.Background(), []chat.ToolCallRequest{
		{ID: "x", Name: "no_args", Arguments: ""},
	})
	if msgs[0].Content != "ran" {
		t.Fatalf("content = %q, want ran", msgs[0].Content)
	}
	if seen == nil {
		t.Error("handler received nil args, want empty map")
	}
}

func TestDispatchPerCallTimeout(t *testing.T) {
	reg := NewRegistry(nil)
	reg.SetLimits(2, 30*time.Millisecond)

	reg.MustRegister(&Tool{
		Name: "hangs",
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(5 * time.Second):
				return "late", nil
			}
		},
	})

	start := time.Now()
	msgs := reg.Dispatch(context.Background(), []chat.ToolCallRequest{
		{ID: "x", Name: "hangs", Arguments: "{}"},
	})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("dispatch took %v, timeout not applied", elapsed)
	}
	if !strings.Contains(msgs[0].Content, "context deadline exceeded") {
		t.Errorf("content = %q, want deadline error", msgs[0].Content)
	}
}
