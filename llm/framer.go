package llm

import (
	"github.com/m4xw311/agentloop/errors"
)

// blockFramer reframes chunked provider output that has no explicit block
// boundaries into the StreamEvent grammar: a text block is opened on the
// first text fragment, each tool call gets its own block, and any open block
// is closed before the next one starts.
type blockFramer struct {
	started    bool
	next       int64
	open       int64
	openKind   BlockKind
	calls      map[string]int64
	inputUsage uint64
	output     uint64
	stopReason string
}

func newBlockFramer() *blockFramer {
	return &blockFramer{open: -1, calls: make(map[string]int64)}
}

func (f *blockFramer) begin() []StreamEvent {
	if f.started {
		return nil
	}
	f.started = true
	return []StreamEvent{MessageStart{}}
}

func (f *blockFramer) closeOpen() []StreamEvent {
	if f.open < 0 {
		return nil
	}
	ev := ContentBlockStop{Index: f.open}
	f.open = -1
	return []StreamEvent{ev}
}

func (f *blockFramer) text(s string) []StreamEvent {
	if s == "" {
		return nil
	}
	out := f.begin()
	if f.open < 0 || f.openKind != BlockText {
		out = append(out, f.closeOpen()...)
		f.open, f.openKind = f.next, BlockText
		f.next++
		out = append(out, ContentBlockStart{Index: f.open, Kind: BlockText})
	}
	return append(out, ContentBlockDelta{Index: f.open, Kind: DeltaText, Text: s})
}

// toolStart opens a tool use block for the provider call identified by key.
func (f *blockFramer) toolStart(key, id, name string) []StreamEvent {
	out := append(f.begin(), f.closeOpen()...)
	f.open, f.openKind = f.next, BlockToolUse
	f.calls[key] = f.open
	f.next++
	return append(out, ContentBlockStart{Index: f.open, Kind: BlockToolUse, ID: id, Name: name})
}

func (f *blockFramer) hasCall(key string) bool {
	_, ok := f.calls[key]
	return ok
}

// toolArgs appends an argument fragment to the call identified by key, which
// must be the open block.
func (f *blockFramer) toolArgs(key, fragment string) ([]StreamEvent, error) {
	if fragment == "" {
		return nil, nil
	}
	idx, ok := f.calls[key]
	if !ok || idx != f.open {
		return nil, errors.New("arguments for tool call %s arrived after its block closed", key)
	}
	return []StreamEvent{ContentBlockDelta{Index: idx, Kind: DeltaInputJSON, PartialJSON: fragment}}, nil
}

func (f *blockFramer) usage(input, output uint64) {
	f.inputUsage = input
	f.output = output
}

func (f *blockFramer) finish() []StreamEvent {
	out := append(f.begin(), f.closeOpen()...)
	return append(out,
		MessageDelta{InputTokens: f.inputUsage, OutputTokens: f.output, StopReason: f.stopReason},
		MessageStop{},
	)
}
