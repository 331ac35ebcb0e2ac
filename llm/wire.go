package llm

import (
	"encoding/json"

	"github.com/m4xw311/agentloop/errors"
	"github.com/m4xw311/agentloop/session"
)

// anthropicEvent is the part of an Anthropic Messages streaming event the
// decoder needs. Bedrock delivers the same events as JSON chunks.
type anthropicEvent struct {
	Type    string `json:"type"`
	Index   int64  `json:"index"`
	Message struct {
		Usage struct {
			InputTokens int64 `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
		Text string `json:"text"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// anthropicTranslator maps Anthropic events onto StreamEvents. Blocks of
// kinds the loop does not model, such as thinking, are dropped along with
// their deltas.
type anthropicTranslator struct {
	skipped map[int64]bool
}

func newAnthropicTranslator() *anthropicTranslator {
	return &anthropicTranslator{skipped: make(map[int64]bool)}
}

func tokens(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func (t *anthropicTranslator) translate(ev anthropicEvent) (StreamEvent, bool, error) {
	switch ev.Type {
	case "message_start":
		return MessageStart{InputTokens: tokens(ev.Message.Usage.InputTokens)}, true, nil
	case "content_block_start":
		switch ev.ContentBlock.Type {
		case "text":
			return ContentBlockStart{Index: ev.Index, Kind: BlockText, Text: ev.ContentBlock.Text}, true, nil
		case "tool_use":
			return ContentBlockStart{Index: ev.Index, Kind: BlockToolUse, ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}, true, nil
		}
		t.skipped[ev.Index] = true
		return nil, false, nil
	case "content_block_delta":
		if t.skipped[ev.Index] {
			return nil, false, nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			return ContentBlockDelta{Index: ev.Index, Kind: DeltaText, Text: ev.Delta.Text}, true, nil
		case "input_json_delta":
			return ContentBlockDelta{Index: ev.Index, Kind: DeltaInputJSON, PartialJSON: ev.Delta.PartialJSON}, true, nil
		}
		return nil, false, nil
	case "content_block_stop":
		if t.skipped[ev.Index] {
			return nil, false, nil
		}
		return ContentBlockStop{Index: ev.Index}, true, nil
	case "message_delta":
		return MessageDelta{OutputTokens: tokens(ev.Usage.OutputTokens), StopReason: ev.Delta.StopReason}, true, nil
	case "message_stop":
		return MessageStop{}, true, nil
	case "error":
		return nil, false, errors.New("stream error %s: %s", ev.Error.Type, ev.Error.Message)
	}
	// ping and future event types
	return nil, false, nil
}

// anthropicWireMessages renders the conversation in the Anthropic Messages
// JSON format used by Bedrock.
func anthropicWireMessages(messages []session.Message) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		content := make([]map[string]any, 0, len(m.Content))
		for _, b := range m.Content {
			switch c := b.(type) {
			case session.Text:
				content = append(content, map[string]any{"type": "text", "text": c.Text})
			case session.ToolUse:
				input := c.Input
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				content = append(content, map[string]any{"type": "tool_use", "id": c.ID, "name": c.Name, "input": input})
			case session.ToolResult:
				content = append(content, map[string]any{
					"type":        "tool_result",
					"tool_use_id": c.ToolUseID,
					"content":     c.Content,
					"is_error":    c.IsError,
				})
			}
		}
		out = append(out, map[string]any{"role": string(m.Role), "content": content})
	}
	return out
}
