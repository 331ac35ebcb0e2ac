// Package agent runs the agent loop: it sends the conversation to a model,
// executes the tools the model asks for, feeds their results back and repeats
// until the model answers without tool calls or the turn budget is spent.
//
// # Loop runs
//
// Agent.Run and Agent.Continue start a LoopRun and return immediately. The
// run proceeds on its own goroutine and publishes Events that the caller
// pulls with Next or ranges over with Events:
//
//	run := a.Run(ctx, "summarise README.md")
//	for ev, err := range run.Events(ctx) {
//	    if err != nil {
//	        // errors.ErrAborted after Abort or ctx cancellation
//	    }
//	    // UserEvent, AssistantEvent, ToolResultEvent, ErrorEvent, DoneEvent
//	}
//
// Every run that is not aborted ends with exactly one DoneEvent whose Reason
// is completed, max_turns or aborted. A transport fault or a malformed event
// stream yields an ErrorEvent followed by DoneEvent{Reason: aborted}; Err
// then reports the cause. Aborting fails the event sequence with
// errors.ErrAborted and nothing is published afterwards.
//
// Tool failures never end a run. Unknown tools, malformed input, denied
// permission and handler faults all become error flagged tool results the
// model can react to.
//
// Options.Hooks observe a run at SessionStart, UserPromptSubmit, around each
// tool call (PreToolUse, PostToolUse), on cancellation (Stop) and when the
// run ends (SessionEnd). A failing hook is logged and the run goes on.
//
// # Subpackages
//
// agent/terminal: Provides an interactive command-line interface with tool
// execution confirmations and configurable verbosity.
//
// agent/acp: Implements the Agent Client Protocol server for IDE integration
// over newline delimited JSON-RPC on stdio.
package agent
