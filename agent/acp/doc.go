// Package acp serves the agent over the Agent Client Protocol (ACP), so
// that editors such as Zed can drive it through newline delimited JSON-RPC
// on stdio.
//
// Supported methods:
//   - initialize: returns the protocol version and agent capabilities
//   - session/new: creates an in-memory session with its own agent
//   - session/load: replays a session's conversation as updates
//   - session/prompt: runs the agent loop and answers with a stop reason
//   - session/cancel: aborts the session's running prompt
//
// While a prompt runs, its loop events are streamed as session/update
// notifications carrying agent_message_chunk, tool_call and
// tool_call_update updates.
package acp
