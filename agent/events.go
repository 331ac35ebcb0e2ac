package agent

import (
	"encoding/json"
	"strconv"

	"github.com/m4xw311/agentloop/session"
)

// Event is one message published by a loop run. The concrete types are
// UserEvent, AssistantEvent, ToolResultEvent, ErrorEvent, DoneEvent and
// PartialEvent. Each marshals to a JSON object with a "type" tag.
type Event interface {
	EventType() string
}

// DoneReason is the terminal state of a loop run.
type DoneReason string

const (
	DoneCompleted DoneReason = "completed"
	DoneMaxTurns  DoneReason = "max_turns"
	DoneAborted   DoneReason = "aborted"
)

type UserEvent struct {
	Content []session.ContentBlock `json:"content"`
}

type AssistantEvent struct {
	Content []session.ContentBlock `json:"content"`
}

type ToolResultEvent struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

type DoneEvent struct {
	Reason DoneReason         `json:"reason"`
	Turns  int                `json:"turns"`
	Usage  session.TokenUsage `json:"usage"`
}

// PartialEvent carries a text fragment of the assistant message being
// streamed. It is only published when Options.IncludePartial is set.
type PartialEvent struct {
	Text string `json:"text"`
}

func (UserEvent) EventType() string       { return "user" }
func (AssistantEvent) EventType() string  { return "assistant" }
func (ToolResultEvent) EventType() string { return "tool_result" }
func (ErrorEvent) EventType() string      { return "error" }
func (DoneEvent) EventType() string       { return "done" }
func (PartialEvent) EventType() string    { return "partial" }

func (e UserEvent) MarshalJSON() ([]byte, error) {
	type plain UserEvent
	return tagged(e.EventType(), plain(e))
}

func (e AssistantEvent) MarshalJSON() ([]byte, error) {
	type plain AssistantEvent
	return tagged(e.EventType(), plain(e))
}

func (e ToolResultEvent) MarshalJSON() ([]byte, error) {
	type plain ToolResultEvent
	return tagged(e.EventType(), plain(e))
}

func (e ErrorEvent) MarshalJSON() ([]byte, error) {
	type plain ErrorEvent
	return tagged(e.EventType(), plain(e))
}

func (e DoneEvent) MarshalJSON() ([]byte, error) {
	type plain DoneEvent
	return tagged(e.EventType(), plain(e))
}

func (e PartialEvent) MarshalJSON() ([]byte, error) {
	type plain PartialEvent
	return tagged(e.EventType(), plain(e))
}

// tagged marshals v and adds the "type" member to the resulting object.
func tagged(typ string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	fields["type"] = json.RawMessage(strconv.Quote(typ))
	return json.Marshal(fields)
}
