package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/m4xw311/agentloop/session"
)

// PermissionFunc decides whether a tool call may run. A denied call produces
// an error result instead of invoking the tool.
type PermissionFunc func(ctx context.Context, call session.ToolUse) (bool, error)

// CallHook observes a tool call. res is nil when the hook runs before the
// call.
type CallHook func(ctx context.Context, call session.ToolUse, res *session.ToolResult)

type dispatchOptions struct {
	permission PermissionFunc
	logger     *slog.Logger
	before     CallHook
	after      CallHook
}

type DispatchOption func(*dispatchOptions)

func WithPermission(fn PermissionFunc) DispatchOption {
	return func(o *dispatchOptions) { o.permission = fn }
}

func WithLogger(l *slog.Logger) DispatchOption {
	return func(o *dispatchOptions) { o.logger = l }
}

// WithCallHooks runs before ahead of every call and after once its result
// is known, on the goroutine serving the call. Either may be nil.
func WithCallHooks(before, after CallHook) DispatchOption {
	return func(o *dispatchOptions) {
		o.before = before
		o.after = after
	}
}

// Dispatch runs every call concurrently against reg and returns one result
// per call, in the order of calls. Failures are isolated per call: unknown
// tools, malformed or invalid input, handler errors and panics all become
// error-flagged results.
func Dispatch(ctx context.Context, calls []session.ToolUse, reg *Registry, opts ...DispatchOption) []session.ToolResult {
	o := dispatchOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	results := make([]session.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if o.before != nil {
				o.before(ctx, call, nil)
			}
			res := invoke(ctx, call, reg, &o)
			result := session.ToolResult{ToolUseID: call.ID, Content: res.Content, IsError: res.IsError}
			if o.after != nil {
				o.after(ctx, call, &result)
			}
			results[i] = result
		}()
	}
	wg.Wait()
	return results
}

func invoke(ctx context.Context, call session.ToolUse, reg *Registry, o *dispatchOptions) (res Result) {
	log := o.logger.With("tool", call.Name, "tool_use_id", call.ID)

	t, ok := reg.Get(call.Name)
	if !ok {
		log.Warn("tool not found")
		return Result{Content: fmt.Sprintf("Tool '%s' not found", call.Name), IsError: true}
	}
	if call.InputErr != nil {
		log.Warn("malformed tool input", "error", call.InputErr)
		return Result{Content: call.InputErr.Error(), IsError: true}
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("tool panicked", "panic", r, "stack", string(debug.Stack()))
			res = Result{Content: fmt.Sprintf("Error executing tool: %v", r), IsError: true}
		}
	}()

	if o.permission != nil {
		allowed, err := o.permission(ctx, call)
		if err != nil {
			return Result{Content: fmt.Sprintf("Error executing tool: %v", err), IsError: true}
		}
		if !allowed {
			log.Info("tool call denied")
			return Result{Content: fmt.Sprintf("Permission denied for tool '%s'", call.Name), IsError: true}
		}
	}

	if v, ok := t.(Validator); ok {
		if err := v.Validate(call.Input); err != nil {
			return Result{Content: fmt.Sprintf("Invalid input for tool '%s': %v", call.Name, err), IsError: true}
		}
	}

	start := time.Now()
	out, err := t.Execute(WithName(ctx, call.Name), call.Input)
	if err != nil {
		log.Warn("tool failed", "error", err, "elapsed", time.Since(start))
		return Result{Content: fmt.Sprintf("Error executing tool: %v", err), IsError: true}
	}
	log.Debug("tool finished", "elapsed", time.Since(start), "is_error", out.IsError)
	return out
}
