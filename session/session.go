package session

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/m4xw311/agentloop/errors"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentBlock is one atomic unit of message content. The set of variants is
// closed: Text, ToolUse and ToolResult.
type ContentBlock interface {
	isContentBlock()
}

type Text struct {
	Text string
}

// ToolUse is a request from the model to invoke a tool. InputErr is set by
// the stream decoder when the accumulated input could not be parsed; Input is
// then the empty object.
type ToolUse struct {
	ID       string
	Name     string
	Input    json.RawMessage
	InputErr error
}

type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

func (Text) isContentBlock()       {}
func (ToolUse) isContentBlock()    {}
func (ToolResult) isContentBlock() {}

type Message struct {
	Role    Role
	Content []ContentBlock
}

// UserText builds a user message holding a single text block.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{Text{Text: text}}}
}

// ToolUses returns the tool invocation requests of the message in order.
func (m Message) ToolUses() []ToolUse {
	var uses []ToolUse
	for _, b := range m.Content {
		if tu, ok := b.(ToolUse); ok {
			uses = append(uses, tu)
		}
	}
	return uses
}

// PlainText concatenates the text blocks of the message.
func (m Message) PlainText() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if t, ok := b.(Text); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

type TokenUsage struct {
	Input  uint64 `json:"input"`
	Output uint64 `json:"output"`
}

func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{Input: u.Input + o.Input, Output: u.Output + o.Output}
}

func (u TokenUsage) Total() uint64 { return u.Input + u.Output }

// Conversation is an append-only sequence of messages. Appended messages are
// never handed out by reference, so callers cannot mutate history.
type Conversation struct {
	mu       sync.RWMutex
	messages []Message
}

// NewConversation seeds a conversation with prior history.
func NewConversation(history ...Message) (*Conversation, error) {
	c := &Conversation{}
	for _, m := range history {
		if err := c.Append(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Conversation) Append(m Message) error {
	if len(m.Content) == 0 {
		return errors.Wrapf(errors.ErrEmptyMessage, "cannot append %s message", m.Role)
	}
	m.Content = append([]ContentBlock(nil), m.Content...)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m)
	return nil
}

// Messages returns a snapshot of the conversation.
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = Message{Role: m.Role, Content: append([]ContentBlock(nil), m.Content...)}
	}
	return out
}

func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}
