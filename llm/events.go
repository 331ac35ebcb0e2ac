package llm

import (
	"github.com/m4xw311/agentloop/errors"
)

// StreamEvent is one low-level event of a streamed model turn. Every
// transport reframes its provider's wire format into this closed set.
type StreamEvent interface {
	isStreamEvent()
}

type BlockKind string

const (
	BlockText    BlockKind = "text"
	BlockToolUse BlockKind = "tool_use"
)

type DeltaKind string

const (
	DeltaText      DeltaKind = "text_delta"
	DeltaInputJSON DeltaKind = "input_json_delta"
)

type MessageStart struct {
	InputTokens uint64
}

// ContentBlockStart opens the block at Index. ID and Name are set for tool
// use blocks; Text may carry inline text for text blocks.
type ContentBlockStart struct {
	Index int64
	Kind  BlockKind
	ID    string
	Name  string
	Text  string
}

type ContentBlockDelta struct {
	Index       int64
	Kind        DeltaKind
	Text        string
	PartialJSON string
}

type ContentBlockStop struct {
	Index int64
}

// MessageDelta reports output usage and the stop reason. InputTokens is only
// set by providers that report prompt usage at the end of the stream.
type MessageDelta struct {
	InputTokens  uint64
	OutputTokens uint64
	StopReason   string
}

type MessageStop struct{}

func (MessageStart) isStreamEvent()      {}
func (ContentBlockStart) isStreamEvent() {}
func (ContentBlockDelta) isStreamEvent() {}
func (ContentBlockStop) isStreamEvent()  {}
func (MessageDelta) isStreamEvent()      {}
func (MessageStop) isStreamEvent()       {}

// Events is a pull iterator over the events of one model turn, shaped like
// the SDK stream types it usually wraps.
type Events interface {
	Next() bool
	Current() StreamEvent
	Err() error
	Close() error
}

// SliceEvents returns an Events over a fixed sequence. A non-nil err is
// reported once the sequence is exhausted.
func SliceEvents(err error, events ...StreamEvent) Events {
	return &sliceEvents{events: events, pos: -1, err: err}
}

type sliceEvents struct {
	events []StreamEvent
	pos    int
	err    error
	closed bool
}

func (s *sliceEvents) Next() bool {
	if s.closed || s.pos+1 >= len(s.events) {
		s.pos = len(s.events)
		return false
	}
	s.pos++
	return true
}

func (s *sliceEvents) Current() StreamEvent {
	if s.pos < 0 || s.pos >= len(s.events) {
		return nil
	}
	return s.events[s.pos]
}

func (s *sliceEvents) Err() error {
	if s.pos >= len(s.events) {
		return s.err
	}
	return nil
}

func (s *sliceEvents) Close() error {
	s.closed = true
	return nil
}

// stepEvents adapts a provider stream that yields zero or more events per
// step. step returns more=false once the provider stream is exhausted.
type stepEvents struct {
	provider string
	step     func() (events []StreamEvent, more bool, err error)
	close    func() error

	pending []StreamEvent
	current StreamEvent
	err     error
	done    bool
}

func (s *stepEvents) Next() bool {
	for len(s.pending) == 0 {
		if s.done {
			return false
		}
		events, more, err := s.step()
		if err != nil {
			s.err = &errors.TransportError{Provider: s.provider, Err: err}
			s.done = true
			return false
		}
		s.pending = events
		if !more {
			s.done = true
		}
	}
	s.current = s.pending[0]
	s.pending = s.pending[1:]
	return true
}

func (s *stepEvents) Current() StreamEvent { return s.current }

func (s *stepEvents) Err() error { return s.err }

func (s *stepEvents) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}
