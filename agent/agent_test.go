package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m4xw311/agentloop/config"
	"github.com/m4xw311/agentloop/errors"
	"github.com/m4xw311/agentloop/llm"
	"github.com/m4xw311/agentloop/session"
	"github.com/m4xw311/agentloop/tools"
)

type echoInput struct {
	Text string `json:"text" validate:"required"`
}

func echoRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	echo := tools.NewTyped("echo", "Echo the text back", func(ctx context.Context, in echoInput) (tools.Result, error) {
		return tools.Result{Content: in.Text}, nil
	})
	if err := reg.Register(echo); err != nil {
		t.Fatal(err)
	}
	return reg
}

// drain consumes a run to the end and returns its events and failure.
func drain(t *testing.T, run *LoopRun) ([]Event, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var events []Event
	for ev, err := range run.Events(ctx) {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func types(events []Event) string {
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.EventType()
	}
	return strings.Join(names, ",")
}

func TestRunCompletesWithoutToolUse(t *testing.T) {
	client := &llm.MockLLMClient{Turns: []llm.MockTurn{
		{Events: llm.Script(10).Text("Hello", " there").End("end_turn", 3)},
	}}
	a := New(client, echoRegistry(t), Options{})

	run := a.Run(context.Background(), "hi")
	events, err := drain(t, run)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := types(events); got != "user,assistant,done" {
		t.Fatalf("events = %s", got)
	}
	done := events[2].(DoneEvent)
	if done.Reason != DoneCompleted || done.Turns != 1 {
		t.Errorf("done = %+v", done)
	}
	if done.Usage.Input != 10 || done.Usage.Output != 3 {
		t.Errorf("usage = %+v", done.Usage)
	}
	if text := events[1].(AssistantEvent).Content[0].(session.Text).Text; text != "Hello there" {
		t.Errorf("assistant text = %q", text)
	}
	if run.Err() != nil {
		t.Errorf("Err() = %v", run.Err())
	}
	if len(client.Requests()) != 1 {
		t.Errorf("expected 1 completion request, got %d", len(client.Requests()))
	}
}

func TestRunEchoToolRoundTrip(t *testing.T) {
	client := &llm.MockLLMClient{Turns: []llm.MockTurn{
		{Events: llm.Script(5).ToolUse("tu_1", "echo", `{"te`, `xt":"hi"}`).End("tool_use", 2)},
		{Events: llm.Script(8).Text("All done.").End("end_turn", 4)},
	}}
	a := New(client, echoRegistry(t), Options{})

	run := a.Run(context.Background(), "start")
	events, err := drain(t, run)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := types(events); got != "user,assistant,tool_result,assistant,done" {
		t.Fatalf("events = %s", got)
	}
	if user := events[0].(UserEvent); user.Content[0].(session.Text).Text != "start" {
		t.Errorf("user event = %+v", user)
	}
	if use := events[1].(AssistantEvent).Content[0].(session.ToolUse); use.Name != "echo" {
		t.Errorf("tool use = %+v", use)
	}
	result := events[2].(ToolResultEvent)
	if result.ToolUseID != "tu_1" || result.Content != "hi" || result.IsError {
		t.Errorf("tool result = %+v", result)
	}
	done := events[4].(DoneEvent)
	if done.Reason != DoneCompleted || done.Turns != 2 {
		t.Errorf("done = %+v", done)
	}
	if done.Usage.Input != 13 || done.Usage.Output != 6 {
		t.Errorf("usage = %+v", done.Usage)
	}

	// The second request carries the tool result back to the model.
	reqs := client.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if res, ok := last.Content[0].(session.ToolResult); !ok || res.Content != "hi" || last.Role != session.RoleUser {
		t.Errorf("last message of second request = %+v", last)
	}
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Name != "echo" {
		t.Errorf("tools sent = %+v", reqs[0].Tools)
	}
	if n := run.Conversation().Len(); n != 4 {
		t.Errorf("conversation holds %d messages, want 4", n)
	}
}

func TestRunMaxTurns(t *testing.T) {
	client := &llm.MockLLMClient{Turns: []llm.MockTurn{
		{Events: llm.Script(1).ToolUse("tu_1", "echo", `{"text":"again"}`).End("tool_use", 1)},
	}}
	a := New(client, echoRegistry(t), Options{MaxTurns: 1})

	run := a.Run(context.Background(), "loop forever")
	events, err := drain(t, run)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := types(events); got != "user,assistant,tool_result,error,done" {
		t.Fatalf("events = %s", got)
	}
	if msg := events[3].(ErrorEvent).Message; !strings.Contains(msg, "maximum turns (1)") {
		t.Errorf("error message = %q", msg)
	}
	if done := events[4].(DoneEvent); done.Reason != DoneMaxTurns || done.Turns != 1 {
		t.Errorf("done = %+v", done)
	}
	if len(client.Requests()) != 1 {
		t.Errorf("expected exactly 1 completion request, got %d", len(client.Requests()))
	}
	// The tool result is kept so a later run can resume the conversation.
	if n := run.Conversation().Len(); n != 3 {
		t.Errorf("conversation holds %d messages, want 3", n)
	}
}

func TestRunTransportFault(t *testing.T) {
	cause := errors.New("connection refused")
	client := &llm.MockLLMClient{Turns: []llm.MockTurn{{Err: cause}}}
	a := New(client, echoRegistry(t), Options{})

	run := a.Run(context.Background(), "hi")
	events, err := drain(t, run)
	if err != nil {
		t.Fatalf("channel should complete after a fault, got %v", err)
	}
	if got := types(events); got != "user,error,done" {
		t.Fatalf("events = %s", got)
	}
	if done := events[2].(DoneEvent); done.Reason != DoneAborted {
		t.Errorf("done = %+v", done)
	}
	var te *errors.TransportError
	if !errors.As(run.Err(), &te) || !errors.Is(run.Err(), cause) {
		t.Errorf("Err() = %v, want transport error wrapping the cause", run.Err())
	}
}

func TestRunMidStreamFault(t *testing.T) {
	cause := errors.New("stream reset")
	client := &llm.MockLLMClient{Turns: []llm.MockTurn{{
		Events:    []llm.StreamEvent{llm.MessageStart{}, llm.ContentBlockStart{Index: 0, Kind: llm.BlockText}},
		StreamErr: cause,
	}}}
	run := New(client, nil, Options{}).Run(context.Background(), "hi")
	events, err := drain(t, run)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := types(events); got != "user,error,done" {
		t.Fatalf("events = %s", got)
	}
	if !errors.Is(run.Err(), cause) {
		t.Errorf("Err() = %v", run.Err())
	}
}

func TestRunProtocolViolation(t *testing.T) {
	client := &llm.MockLLMClient{Turns: []llm.MockTurn{{
		Events: []llm.StreamEvent{
			llm.MessageStart{},
			llm.ContentBlockStart{Index: 0, Kind: llm.BlockText},
			llm.MessageStop{},
		},
	}}}
	run := New(client, nil, Options{}).Run(context.Background(), "hi")
	events, err := drain(t, run)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := types(events); got != "user,error,done" {
		t.Fatalf("events = %s", got)
	}
	var pe *errors.ProtocolError
	if !errors.As(run.Err(), &pe) {
		t.Errorf("Err() = %v, want ProtocolError", run.Err())
	}
}

func TestRunMalformedToolInputIsRecovered(t *testing.T) {
	client := &llm.MockLLMClient{Turns: []llm.MockTurn{
		{Events: llm.Script(1).
			ToolUse("tu_1", "echo", `{"text": `).
			ToolUse("tu_2", "echo", `{"text":"fine"}`).
			End("tool_use", 1)},
		{Events: llm.Script(1).Text("Sorry.").End("end_turn", 1)},
	}}
	run := New(client, echoRegistry(t), Options{}).Run(context.Background(), "go")
	events, err := drain(t, run)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := types(events); got != "user,assistant,tool_result,tool_result,assistant,done" {
		t.Fatalf("events = %s", got)
	}
	bad := events[2].(ToolResultEvent)
	if !bad.IsError || !strings.Contains(bad.Content, "malformed input for tool 'echo'") {
		t.Errorf("malformed result = %+v", bad)
	}
	if good := events[3].(ToolResultEvent); good.IsError || good.Content != "fine" {
		t.Errorf("sibling result = %+v", good)
	}
	if done := events[5].(DoneEvent); done.Reason != DoneCompleted {
		t.Errorf("done = %+v", done)
	}
}

func TestRunUnknownToolIsRecovered(t *testing.T) {
	client := &llm.MockLLMClient{Turns: []llm.MockTurn{
		{Events: llm.Script(1).ToolUse("tu_1", "missing", `{}`).End("tool_use", 1)},
	}}
	run := New(client, echoRegistry(t), Options{}).Run(context.Background(), "go")
	events, err := drain(t, run)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	res := events[2].(ToolResultEvent)
	if !res.IsError || res.Content != "Tool 'missing' not found" {
		t.Errorf("result = %+v", res)
	}
	// The mock echoes once its script is exhausted.
	if done := events[len(events)-1].(DoneEvent); done.Reason != DoneCompleted || done.Turns != 2 {
		t.Errorf("done = %+v", done)
	}
}

func TestRunEmptyResponse(t *testing.T) {
	client := &llm.MockLLMClient{Turns: []llm.MockTurn{
		{Events: llm.Script(1).End("end_turn", 0)},
	}}
	run := New(client, nil, Options{}).Run(context.Background(), "hi")
	events, err := drain(t, run)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := types(events); got != "user,done" {
		t.Fatalf("events = %s", got)
	}
	if n := run.Conversation().Len(); n != 1 {
		t.Errorf("empty assistant message must not be appended, conversation has %d messages", n)
	}
}

// blockingClient streams nothing until its context is cancelled.
type blockingClient struct {
	started chan struct{}
}

func (b *blockingClient) Stream(ctx context.Context, req llm.Request) (llm.Events, error) {
	close(b.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunAbort(t *testing.T) {
	client := &blockingClient{started: make(chan struct{})}
	run := New(client, nil, Options{}).Run(context.Background(), "hi")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, ok, err := run.Next(ctx)
	if err != nil || !ok {
		t.Fatalf("Next() = %v, %v, %v", ev, ok, err)
	}
	if _, isUser := ev.(UserEvent); !isUser {
		t.Fatalf("first event = %T", ev)
	}

	<-client.started
	run.Abort()
	if _, _, err := run.Next(ctx); !errors.Is(err, errors.ErrAborted) {
		t.Errorf("Next() after Abort error = %v, want ErrAborted", err)
	}

	select {
	case <-run.Done():
	case <-ctx.Done():
		t.Fatal("run did not stop after Abort")
	}
	if !errors.Is(run.Err(), errors.ErrAborted) {
		t.Errorf("Err() = %v", run.Err())
	}
}

func TestRunParentContextCancel(t *testing.T) {
	client := &blockingClient{started: make(chan struct{})}
	parent, cancelParent := context.WithCancel(context.Background())
	run := New(client, nil, Options{}).Run(parent, "hi")

	<-client.started
	cancelParent()
	if _, err := drain(t, run); !errors.Is(err, errors.ErrAborted) {
		t.Errorf("drain error = %v, want ErrAborted", err)
	}
}

func TestRunBusy(t *testing.T) {
	client := &blockingClient{started: make(chan struct{})}
	a := New(client, nil, Options{})

	first := a.Run(context.Background(), "one")
	<-client.started
	second := a.Run(context.Background(), "two")
	if _, err := drain(t, second); !errors.Is(err, errors.ErrBusy) {
		t.Errorf("second run error = %v, want ErrBusy", err)
	}

	first.Abort()
	<-first.Done()
	if a.busy.Load() {
		t.Error("agent still busy after its run stopped")
	}
}

func TestRunBackToBack(t *testing.T) {
	a := New(&llm.MockLLMClient{}, nil, Options{})
	conv, _ := session.NewConversation()
	for _, prompt := range []string{"one", "two", "three"} {
		if _, err := drain(t, a.Continue(context.Background(), conv, prompt)); err != nil {
			t.Fatalf("run %q failed: %v", prompt, err)
		}
	}
	if got := conv.Len(); got != 6 {
		t.Errorf("conversation length = %d, want 6", got)
	}
}

func TestRunEmptyPrompt(t *testing.T) {
	run := New(&llm.MockLLMClient{}, nil, Options{}).Run(context.Background(), "  ")
	if _, err := drain(t, run); !errors.Is(err, errors.ErrEmptyMessage) {
		t.Errorf("error = %v, want ErrEmptyMessage", err)
	}
}

func TestRunIncludePartial(t *testing.T) {
	client := &llm.MockLLMClient{Turns: []llm.MockTurn{
		{Events: llm.Script(1).Text("Hel", "lo").End("end_turn", 1)},
	}}
	run := New(client, nil, Options{IncludePartial: true}).Run(context.Background(), "hi")
	events, err := drain(t, run)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := types(events); got != "user,partial,partial,assistant,done" {
		t.Fatalf("events = %s", got)
	}
	if p := events[1].(PartialEvent); p.Text != "Hel" {
		t.Errorf("first partial = %q", p.Text)
	}
}

func TestRunPermissionDenied(t *testing.T) {
	client := &llm.MockLLMClient{Turns: []llm.MockTurn{
		{Events: llm.Script(1).ToolUse("tu_1", "echo", `{"text":"x"}`).End("tool_use", 1)},
		{Events: llm.Script(1).Text("ok").End("end_turn", 1)},
	}}
	deny := func(ctx context.Context, call session.ToolUse) (bool, error) { return false, nil }
	run := New(client, echoRegistry(t), Options{Permission: deny}).Run(context.Background(), "go")
	events, err := drain(t, run)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	res := events[2].(ToolResultEvent)
	if !res.IsError || res.Content != "Permission denied for tool 'echo'" {
		t.Errorf("result = %+v", res)
	}
}

func TestContinueKeepsHistory(t *testing.T) {
	a := New(&llm.MockLLMClient{}, nil, Options{})
	conv, _ := session.NewConversation()

	for _, prompt := range []string{"first", "second"} {
		if _, err := drain(t, a.Continue(context.Background(), conv, prompt)); err != nil {
			t.Fatalf("run %q failed: %v", prompt, err)
		}
	}
	if n := conv.Len(); n != 4 {
		t.Fatalf("conversation holds %d messages, want 4", n)
	}
	if text := conv.Messages()[3].PlainText(); text != "I am a mock LLM. You said: 'second'." {
		t.Errorf("last reply = %q", text)
	}
}

func TestEventJSON(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{DoneEvent{Reason: DoneMaxTurns, Turns: 2, Usage: session.TokenUsage{Input: 3, Output: 4}},
			`{"reason":"max_turns","turns":2,"type":"done","usage":{"input":3,"output":4}}`},
		{ToolResultEvent{ToolUseID: "tu_1", Content: "hi"},
			`{"content":"hi","is_error":false,"tool_use_id":"tu_1","type":"tool_result"}`},
		{UserEvent{Content: []session.ContentBlock{session.Text{Text: "x"}}},
			`{"content":[{"type":"text","text":"x"}],"type":"user"}`},
		{ErrorEvent{Message: "boom"}, `{"message":"boom","type":"error"}`},
	}
	for _, tt := range tests {
		got, err := json.Marshal(tt.event)
		if err != nil {
			t.Fatalf("Marshal(%T) error = %v", tt.event, err)
		}
		if string(got) != tt.want {
			t.Errorf("Marshal(%T) = %s, want %s", tt.event, got, tt.want)
		}
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := &config.Config{
		Toolsets: []config.Toolset{
			{Name: "default", Tools: []string{"read_file", "list_dir", "echo"}},
			{Name: "readonly", Tools: []string{"read_*"}},
		},
		DisallowedTools: []string{"list_dir"},
	}
	cfg.ApplyDefaults()

	a, err := NewFromConfig(cfg, "readonly", &llm.MockLLMClient{}, nil, nil)
	if err != nil {
		t.Fatalf("NewFromConfig() error = %v", err)
	}
	if names := a.Tools().Names(); len(names) != 1 || names[0] != "read_file" {
		t.Errorf("tools = %v", names)
	}

	// list_dir is denied, so the default toolset cannot be satisfied.
	if _, err := NewFromConfig(cfg, "default", &llm.MockLLMClient{}, echoRegistry(t), nil); err == nil {
		t.Error("expected error for a toolset entry that matches no allowed tool")
	}

	cfg.DisallowedTools = nil
	a, err = NewFromConfig(cfg, "", &llm.MockLLMClient{}, echoRegistry(t), nil)
	if err != nil {
		t.Fatalf("NewFromConfig() error = %v", err)
	}
	if a.Tools().Len() != 3 {
		t.Errorf("tools = %v", a.Tools().Names())
	}
}

func TestAbortDuringDispatchAnswersToolCalls(t *testing.T) {
	started := make(chan struct{})
	reg := tools.NewRegistry()
	_ = reg.Register(&tools.Func{
		ToolName: "wait",
		Handler: func(ctx context.Context, input json.RawMessage) (tools.Result, error) {
			close(started)
			<-ctx.Done()
			return tools.Result{}, ctx.Err()
		},
	})
	client := &llm.MockLLMClient{Turns: []llm.MockTurn{
		{Events: llm.Script(1).ToolUse("tu_1", "wait", `{}`).End("tool_use", 1)},
	}}
	a := New(client, reg, Options{})
	conv, _ := session.NewConversation()

	first := a.Continue(context.Background(), conv, "first")
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool never started")
	}
	first.Abort()
	if _, err := drain(t, first); !errors.Is(err, errors.ErrAborted) {
		t.Fatalf("first run error = %v, want ErrAborted", err)
	}
	<-first.Done()

	if _, err := drain(t, a.Continue(context.Background(), conv, "second")); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	reqs := client.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	msgs := reqs[1].Messages
	if len(msgs) != 4 {
		t.Fatalf("second request carried %d messages, want 4", len(msgs))
	}
	res, ok := msgs[2].Content[0].(session.ToolResult)
	if !ok || res.ToolUseID != "tu_1" || !res.IsError || res.Content != "Tool execution aborted" {
		t.Errorf("tool use left unanswered, got %+v", msgs[2].Content)
	}
	if msgs[3].PlainText() != "second" {
		t.Errorf("last message = %+v", msgs[3])
	}
}

type hookRecorder struct {
	mu   sync.Mutex
	seen []string
}

func (h *hookRecorder) hook(ctx context.Context, in HookInput) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry := string(in.Event)
	switch in.Event {
	case HookSessionStart, HookUserPromptSubmit:
		entry += ":" + in.Prompt
	case HookPreToolUse:
		entry += ":" + in.ToolUse.Name
	case HookPostToolUse:
		entry += ":" + in.ToolUse.Name + "=" + in.ToolResult.Content
	case HookStop, HookSessionEnd:
		entry += ":" + string(in.Reason)
	}
	h.seen = append(h.seen, entry)
	return nil
}

func (h *hookRecorder) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return strings.Join(h.seen, ",")
}

func TestRunFiresHooks(t *testing.T) {
	rec := &hookRecorder{}
	failing := func(ctx context.Context, in HookInput) error { return errors.New("hook failed") }
	panicking := func(ctx context.Context, in HookInput) error { panic("hook panicked") }
	preTool := []HookMatcher{
		{Matcher: "ec*", Hooks: []HookFunc{rec.hook}},
		{Matcher: "other_*", Hooks: []HookFunc{rec.hook}},
	}
	hooks := Hooks{
		HookSessionStart:     {{Hooks: []HookFunc{rec.hook, failing, panicking}}},
		HookUserPromptSubmit: {{Hooks: []HookFunc{rec.hook}}},
		HookPreToolUse:       preTool,
		HookPostToolUse:      {{Hooks: []HookFunc{rec.hook}}},
		HookStop:             {{Hooks: []HookFunc{rec.hook}}},
		HookSessionEnd:       {{Hooks: []HookFunc{rec.hook}}},
	}
	client := &llm.MockLLMClient{Turns: []llm.MockTurn{
		{Events: llm.Script(1).ToolUse("tu_1", "echo", `{"text":"hi"}`).End("tool_use", 1)},
		{Events: llm.Script(1).Text("done").End("end_turn", 1)},
	}}

	run := New(client, echoRegistry(t), Options{Hooks: hooks}).Run(context.Background(), "go")
	if _, err := drain(t, run); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	<-run.Done()

	want := "SessionStart:go,UserPromptSubmit:go,PreToolUse:echo,PostToolUse:echo=hi,SessionEnd:completed"
	if got := rec.String(); got != want {
		t.Errorf("hooks = %s\nwant    %s", got, want)
	}
}

func TestRunAbortFiresStopHook(t *testing.T) {
	rec := &hookRecorder{}
	hooks := Hooks{
		HookStop:       {{Hooks: []HookFunc{rec.hook}}},
		HookSessionEnd: {{Hooks: []HookFunc{rec.hook}}},
	}
	client := &blockingClient{started: make(chan struct{})}
	run := New(client, nil, Options{Hooks: hooks}).Run(context.Background(), "hi")
	<-client.started
	run.Abort()
	<-run.Done()

	if got := rec.String(); got != "Stop:aborted,SessionEnd:aborted" {
		t.Errorf("hooks = %s", got)
	}
}
