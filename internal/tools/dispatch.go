package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"homepilot/internal/chat"
)

// Dispatch executes a batch of model-requested tool calls and returns
// exactly one tool message per call, in the order the calls were issued.
// Calls run concurrently, bounded by the registry's parallelism limit.
// A failing call never aborts its siblings; the failure becomes that
// call's message content.
func (r *Registry) Dispatch(ctx context.Context, calls []chat.ToolCallRequest) []chat.Message {
	if len(calls) == 0 {
		return nil
	}

	r.mu.RLock()
	parallel := r.maxParallel
	timeout := r.callTimeout
	r.mu.RUnlock()

	results := make([]chat.Message, len(calls))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(parallel)
	for i, call := range calls {
		eg.Go(func() error {
			results[i] = r.dispatchOne(egCtx, call, timeout)
			return nil
		})
	}
	_ = eg.Wait()

	return results
}

// dispatchOne runs a single call under its own timeout and renders the
// outcome as a tool message.
func (r *Registry) dispatchOne(ctx context.Context, call chat.ToolCallRequest, timeout time.Duration) chat.Message {
	args, err := decodeArgs(call.Arguments)
	if err != nil {
		r.logger.Warn("rejected tool arguments",
			zap.String("tool", call.Name),
			zap.Error(err))
		return chat.NewToolMessage(call.ID, call.Name, "Error: "+err.Error())
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := r.Execute(ctx, call.Name, args)
	if err != nil {
		return chat.NewToolMessage(call.ID, call.Name, "Error: "+err.Error())
	}
	result.CallID = call.ID
	return chat.NewToolMessage(call.ID, call.Name, result.Content)
}

// decodeArgs parses the raw JSON argument payload produced by the model.
// An empty payload means no arguments.
func decodeArgs(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
