package llm

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/m4xw311/agentloop/errors"
	"github.com/m4xw311/agentloop/session"
)

// Decoded is the reduction of one model turn.
type Decoded struct {
	Content    []session.ContentBlock
	Usage      session.TokenUsage
	StopReason string
}

// Decode reduces the events of one turn into content blocks and usage.
//
// Tool input fragments are buffered as raw text and parsed once, when their
// block closes. A buffer that does not parse yields a ToolUse whose InputErr
// is a *errors.MalformedToolInputError; Decode still returns the content and
// reports the malformed inputs through a non-fatal error. Sequence
// violations return a *errors.ProtocolError and no content, a failing
// iterator returns a *errors.TransportError.
func Decode(events Events) (*Decoded, error) {
	return DecodeWithHook(events, nil)
}

// DecodeWithHook is Decode with a callback observing every accepted event in
// arrival order.
func DecodeWithHook(events Events, hook func(StreamEvent)) (*Decoded, error) {
	d := &decoder{seen: make(map[int64]bool)}
	for events.Next() {
		ev := events.Current()
		if err := d.apply(ev); err != nil {
			return nil, err
		}
		if hook != nil {
			hook(ev)
		}
	}
	if err := events.Err(); err != nil {
		var te *errors.TransportError
		if !errors.As(err, &te) {
			err = &errors.TransportError{Err: err}
		}
		return nil, err
	}
	if !d.stopped {
		return nil, &errors.ProtocolError{Index: -1, Reason: "stream ended before message_stop"}
	}

	out := &Decoded{Content: d.content, Usage: d.usage, StopReason: d.stopReason}
	return out, errors.Join(d.malformed...)
}

type openBlock struct {
	index int64
	kind  BlockKind
	id    string
	name  string
	buf   strings.Builder
}

type decoder struct {
	started    bool
	stopped    bool
	open       *openBlock
	seen       map[int64]bool
	content    []session.ContentBlock
	usage      session.TokenUsage
	stopReason string
	malformed  []error
}

func violation(index int64, reason string) error {
	return &errors.ProtocolError{Index: index, Reason: reason}
}

func (d *decoder) apply(ev StreamEvent) error {
	if d.stopped {
		return violation(-1, "event after message_stop")
	}
	if _, ok := ev.(MessageStart); !ok && !d.started {
		return violation(-1, "event before message_start")
	}

	switch e := ev.(type) {
	case MessageStart:
		if d.started {
			return violation(-1, "duplicate message_start")
		}
		d.started = true
		d.usage.Input = e.InputTokens

	case ContentBlockStart:
		if d.open != nil {
			return violation(e.Index, "block started while block "+strconv.FormatInt(d.open.index, 10)+" is open")
		}
		if d.seen[e.Index] {
			return violation(e.Index, "block index reused")
		}
		if e.Kind != BlockText && e.Kind != BlockToolUse {
			return violation(e.Index, "unsupported block kind '"+string(e.Kind)+"'")
		}
		d.seen[e.Index] = true
		d.open = &openBlock{index: e.Index, kind: e.Kind, id: e.ID, name: e.Name}
		if e.Kind == BlockText {
			d.open.buf.WriteString(e.Text)
		}

	case ContentBlockDelta:
		if d.open == nil || d.open.index != e.Index {
			return violation(e.Index, "delta for a block that is not open")
		}
		switch {
		case e.Kind == DeltaText && d.open.kind == BlockText:
			d.open.buf.WriteString(e.Text)
		case e.Kind == DeltaInputJSON && d.open.kind == BlockToolUse:
			d.open.buf.WriteString(e.PartialJSON)
		default:
			return violation(e.Index, "delta kind '"+string(e.Kind)+"' does not match block kind '"+string(d.open.kind)+"'")
		}

	case ContentBlockStop:
		if d.open == nil || d.open.index != e.Index {
			return violation(e.Index, "stop without matching start")
		}
		d.content = append(d.content, d.finish(d.open))
		d.open = nil

	case MessageDelta:
		d.usage.Input += e.InputTokens
		d.usage.Output += e.OutputTokens
		if e.StopReason != "" {
			d.stopReason = e.StopReason
		}

	case MessageStop:
		if d.open != nil {
			return violation(d.open.index, "block not closed before message_stop")
		}
		d.stopped = true

	default:
		return violation(-1, "unknown event")
	}
	return nil
}

func (d *decoder) finish(b *openBlock) session.ContentBlock {
	if b.kind == BlockText {
		return session.Text{Text: b.buf.String()}
	}

	use := session.ToolUse{ID: b.id, Name: b.name, Input: json.RawMessage("{}")}
	raw := b.buf.String()
	if strings.TrimSpace(raw) == "" {
		return use
	}
	var compact bytes.Buffer
	err := json.Compact(&compact, []byte(raw))
	if err == nil && compact.Bytes()[0] != '{' {
		err = errNotObject
	}
	if err != nil {
		malformed := &errors.MalformedToolInputError{ToolName: b.name, Raw: raw, Err: err}
		use.InputErr = malformed
		d.malformed = append(d.malformed, malformed)
		return use
	}
	use.Input = json.RawMessage(compact.Bytes())
	return use
}

// errNotObject rejects tool input that parses but is not a JSON object.
// Providers only accept objects as tool input.
var errNotObject = errors.New("tool input is not a JSON object")
