package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/agentloop/session"
)

// HookEvent names a point in the life of a loop run where hooks fire.
type HookEvent string

const (
	// HookSessionStart fires when a run starts, before its prompt is
	// appended.
	HookSessionStart HookEvent = "SessionStart"
	// HookUserPromptSubmit fires once the prompt is part of the
	// conversation.
	HookUserPromptSubmit HookEvent = "UserPromptSubmit"
	HookPreToolUse       HookEvent = "PreToolUse"
	HookPostToolUse      HookEvent = "PostToolUse"
	// HookStop fires when a run is cancelled.
	HookStop HookEvent = "Stop"
	// HookSessionEnd fires when a run has ended, whatever the reason.
	HookSessionEnd HookEvent = "SessionEnd"
)

// HookInput describes the point a hook is called for. Fields that do not
// apply to the event are zero.
type HookInput struct {
	Event      HookEvent
	RunID      string
	Prompt     string
	ToolUse    *session.ToolUse
	ToolResult *session.ToolResult
	Reason     DoneReason
}

// HookFunc observes a loop run. A returned error is logged and otherwise
// ignored.
type HookFunc func(ctx context.Context, in HookInput) error

// HookMatcher groups hooks. For tool events, Matcher is a doublestar
// pattern the tool name must match; an empty Matcher matches every tool.
// Other events ignore it.
type HookMatcher struct {
	Matcher string
	Hooks   []HookFunc
}

// Hooks maps lifecycle events to the hooks fired for them.
type Hooks map[HookEvent][]HookMatcher

// fire runs the hooks registered for in.Event concurrently and waits for
// all of them. Failing or panicking hooks are logged and never affect the
// run.
func (h Hooks) fire(ctx context.Context, log *slog.Logger, in HookInput) {
	var fns []HookFunc
	for _, m := range h[in.Event] {
		if m.Matcher != "" && in.ToolUse != nil {
			ok, err := doublestar.Match(m.Matcher, in.ToolUse.Name)
			if err != nil {
				log.Warn("Invalid hook matcher", "event", in.Event, "matcher", m.Matcher, "error", err)
				continue
			}
			if !ok {
				continue
			}
		}
		fns = append(fns, m.Hooks...)
	}
	if len(fns) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, fn := range fns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Warn("Hook panicked", "event", in.Event, "panic", r)
				}
			}()
			if err := fn(ctx, in); err != nil {
				log.Warn("Hook failed", "event", in.Event, "error", err)
			}
		}()
	}
	wg.Wait()
}

// toolHooks adapts the tool events to dispatch call hooks.
func (h Hooks) toolHooks(runID string, log *slog.Logger) (before, after func(context.Context, session.ToolUse, *session.ToolResult)) {
	before = func(ctx context.Context, call session.ToolUse, _ *session.ToolResult) {
		h.fire(ctx, log, HookInput{Event: HookPreToolUse, RunID: runID, ToolUse: &call})
	}
	after = func(ctx context.Context, call session.ToolUse, res *session.ToolResult) {
		h.fire(ctx, log, HookInput{Event: HookPostToolUse, RunID: runID, ToolUse: &call, ToolResult: res})
	}
	return before, after
}
