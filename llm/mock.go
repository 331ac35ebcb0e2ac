package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/m4xw311/agentloop/session"
)

// MockTurn scripts one call to MockLLMClient.Stream. Err fails the call
// itself; otherwise Events are streamed and StreamErr is reported after them.
type MockTurn struct {
	Events    []StreamEvent
	StreamErr error
	Err       error
}

// MockLLMClient replays scripted turns and records every request. Once the
// script is exhausted it answers with a text echo of the last user message.
type MockLLMClient struct {
	Turns []MockTurn

	mu       sync.Mutex
	requests []Request
}

func (m *MockLLMClient) Stream(ctx context.Context, req Request) (Events, error) {
	m.mu.Lock()
	n := len(m.requests)
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if n < len(m.Turns) {
		turn := m.Turns[n]
		if turn.Err != nil {
			return nil, turn.Err
		}
		return SliceEvents(turn.StreamErr, turn.Events...), nil
	}
	return SliceEvents(nil, Script(1).Text(echo(req.Messages)).End("end_turn", 1)...), nil
}

// Requests returns the requests received so far.
func (m *MockLLMClient) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

func echo(messages []session.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == session.RoleUser {
			if text := messages[i].PlainText(); text != "" {
				return fmt.Sprintf("I am a mock LLM. You said: '%s'.", text)
			}
		}
	}
	return "I am a mock LLM."
}

// ScriptBuilder assembles a well-formed event sequence for one turn.
type ScriptBuilder struct {
	events []StreamEvent
	next   int64
}

// Script starts a turn reporting inputTokens of prompt usage.
func Script(inputTokens uint64) *ScriptBuilder {
	return &ScriptBuilder{events: []StreamEvent{MessageStart{InputTokens: inputTokens}}}
}

// Text adds a text block streamed as the given fragments.
func (b *ScriptBuilder) Text(fragments ...string) *ScriptBuilder {
	idx := b.next
	b.next++
	b.events = append(b.events, ContentBlockStart{Index: idx, Kind: BlockText})
	for _, f := range fragments {
		b.events = append(b.events, ContentBlockDelta{Index: idx, Kind: DeltaText, Text: f})
	}
	b.events = append(b.events, ContentBlockStop{Index: idx})
	return b
}

// ToolUse adds a tool use block whose input arrives as the given raw JSON
// fragments.
func (b *ScriptBuilder) ToolUse(id, name string, fragments ...string) *ScriptBuilder {
	idx := b.next
	b.next++
	b.events = append(b.events, ContentBlockStart{Index: idx, Kind: BlockToolUse, ID: id, Name: name})
	for _, f := range fragments {
		b.events = append(b.events, ContentBlockDelta{Index: idx, Kind: DeltaInputJSON, PartialJSON: f})
	}
	b.events = append(b.events, ContentBlockStop{Index: idx})
	return b
}

// End closes the turn and returns the events.
func (b *ScriptBuilder) End(stopReason string, outputTokens uint64) []StreamEvent {
	return append(b.events, MessageDelta{OutputTokens: outputTokens, StopReason: stopReason}, MessageStop{})
}
