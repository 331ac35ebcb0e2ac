package session

import (
	"encoding/json"

	"github.com/m4xw311/agentloop/errors"
)

type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

func (t Text) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireBlock{Type: "text", Text: t.Text})
}

func (t ToolUse) MarshalJSON() ([]byte, error) {
	input := t.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	return json.Marshal(wireBlock{Type: "tool_use", ID: t.ID, Name: t.Name, Input: input})
}

func (t ToolResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireBlock{Type: "tool_result", ToolUseID: t.ToolUseID, Content: t.Content, IsError: t.IsError})
}

// UnmarshalBlock decodes a single tagged content block.
func UnmarshalBlock(data []byte) (ContentBlock, error) {
	var w wireBlock
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.Wrapf(err, "invalid content block")
	}
	switch w.Type {
	case "text":
		return Text{Text: w.Text}, nil
	case "tool_use":
		return ToolUse{ID: w.ID, Name: w.Name, Input: w.Input}, nil
	case "tool_result":
		return ToolResult{ToolUseID: w.ToolUseID, Content: w.Content, IsError: w.IsError}, nil
	default:
		return nil, errors.New("unknown content block type '%s'", w.Type)
	}
}

// Blocks is a content sequence that knows how to decode itself.
type Blocks []ContentBlock

func (b *Blocks) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrapf(err, "content must be an array of blocks")
	}
	out := make(Blocks, 0, len(raw))
	for _, r := range raw {
		block, err := UnmarshalBlock(r)
		if err != nil {
			return err
		}
		out = append(out, block)
	}
	*b = out
	return nil
}

type wireMessage struct {
	Role    Role   `json:"role"`
	Content Blocks `json:"content"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{Role: m.Role, Content: m.Content})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Role = w.Role
	m.Content = w.Content
	return nil
}
