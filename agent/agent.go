package agent

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/m4xw311/agentloop/config"
	"github.com/m4xw311/agentloop/errors"
	"github.com/m4xw311/agentloop/llm"
	"github.com/m4xw311/agentloop/session"
	"github.com/m4xw311/agentloop/stream"
	"github.com/m4xw311/agentloop/tools"
)

type Mode string

const (
	ModeAuto   Mode = "auto"
	ModePrompt Mode = "prompt"
)

type ToolVerbosity string

const (
	ToolVerbosityNone ToolVerbosity = "none"
	ToolVerbosityInfo ToolVerbosity = "info"
	ToolVerbosityAll  ToolVerbosity = "all"
)

// Options configure the loop runs of an Agent.
type Options struct {
	// MaxTurns bounds the completion requests of one run. Defaults to
	// config.DefaultMaxTurns.
	MaxTurns int
	Params   llm.Params
	// Permission, when set, is consulted before every tool call.
	Permission     tools.PermissionFunc
	IncludePartial bool
	Logger         *slog.Logger
	// Hooks observe the lifecycle of every run.
	Hooks Hooks
}

// Agent drives loop runs against one transport and tool registry. It runs at
// most one loop at a time.
type Agent struct {
	client   llm.LLMClient
	registry *tools.Registry
	opts     Options
	busy     atomic.Bool
}

func New(client llm.LLMClient, registry *tools.Registry, opts Options) *Agent {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = config.DefaultMaxTurns
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	return &Agent{client: client, registry: registry, opts: opts}
}

// NewFromConfig builds an agent whose tools are the built-in tools of cfg
// plus those already in extra, narrowed by the allow and deny lists and the
// named toolset.
func NewFromConfig(cfg *config.Config, toolset string, client llm.LLMClient, extra *tools.Registry, permission tools.PermissionFunc) (*Agent, error) {
	ts, err := cfg.GetToolset(toolset)
	if err != nil {
		return nil, err
	}

	registry := tools.NewDefaultRegistry(cfg)
	if extra != nil {
		for _, name := range extra.Names() {
			t, _ := extra.Get(name)
			if err := registry.Register(t); err != nil {
				return nil, err
			}
		}
	}
	registry, err = registry.Filter(cfg.AllowedTools, cfg.DisallowedTools)
	if err != nil {
		return nil, err
	}
	active, err := registry.Select(ts)
	if err != nil {
		return nil, err
	}

	return New(client, active, Options{
		MaxTurns: cfg.MaxTurns,
		Params: llm.Params{
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			System:      cfg.SystemPrompt,
		},
		Permission:     permission,
		IncludePartial: cfg.IncludePartial,
	}), nil
}

// Tools returns the registry the agent dispatches to.
func (a *Agent) Tools() *tools.Registry {
	return a.registry
}

// Run starts a loop run over a fresh conversation seeded with prompt.
func (a *Agent) Run(ctx context.Context, prompt string) *LoopRun {
	conv, _ := session.NewConversation()
	return a.Continue(ctx, conv, prompt)
}

// Continue starts a loop run that appends prompt and everything the run
// produces to conv. It returns immediately; the run proceeds in the
// background and publishes its events to the returned LoopRun.
func (a *Agent) Continue(ctx context.Context, conv *session.Conversation, prompt string) *LoopRun {
	ctx, cancel := context.WithCancel(ctx)
	r := &LoopRun{
		ID:     uuid.NewString(),
		conv:   conv,
		events: stream.NewChannel[Event](),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if !a.busy.CompareAndSwap(false, true) {
		r.abort(errors.ErrBusy)
		cancel()
		close(r.done)
		return r
	}
	if strings.TrimSpace(prompt) == "" {
		a.busy.Store(false)
		r.abort(errors.Wrapf(errors.ErrEmptyMessage, "empty prompt"))
		cancel()
		close(r.done)
		return r
	}

	// The consumer must see the abort even while a transport call that
	// ignores ctx is still in flight.
	stop := context.AfterFunc(ctx, func() { r.abort(errors.ErrAborted) })
	r.release = sync.OnceFunc(func() { a.busy.Store(false) })
	go func() {
		defer close(r.done)
		defer r.release()
		defer cancel()
		defer stop()
		a.loop(ctx, r, prompt)
		a.endHooks(ctx, r)
	}()
	return r
}

func (a *Agent) loop(ctx context.Context, r *LoopRun, prompt string) {
	log := a.opts.Logger.With("run_id", r.ID)

	a.opts.Hooks.fire(ctx, log, HookInput{Event: HookSessionStart, RunID: r.ID, Prompt: prompt})

	user := session.UserText(prompt)
	if err := r.conv.Append(user); err != nil {
		r.abort(err)
		return
	}
	r.publish(UserEvent{Content: user.Content})
	a.opts.Hooks.fire(ctx, log, HookInput{Event: HookUserPromptSubmit, RunID: r.ID, Prompt: prompt})

	for turn := 1; ; turn++ {
		if ctx.Err() != nil {
			r.abort(errors.ErrAborted)
			return
		}
		r.setTurns(turn)
		log.Debug("Requesting completion", "turn", turn, "messages", r.conv.Len())

		decoded, err := a.complete(ctx, r)
		if ctx.Err() != nil {
			r.abort(errors.ErrAborted)
			return
		}
		if errors.IsFatal(err) {
			log.Error("Loop run aborted", "turn", turn, "error", err)
			r.fail(err)
			return
		}
		if err != nil {
			log.Warn("Malformed tool input", "turn", turn, "error", err)
		}

		usage := r.addUsage(decoded.Usage)
		log.Info("Turn completed", "turn", turn, "stop_reason", decoded.StopReason,
			"input_tokens", usage.Input, "output_tokens", usage.Output)

		if len(decoded.Content) == 0 {
			r.finish(DoneCompleted)
			return
		}
		assistant := session.Message{Role: session.RoleAssistant, Content: decoded.Content}
		if err := r.conv.Append(assistant); err != nil {
			r.fail(err)
			return
		}
		r.publish(AssistantEvent{Content: assistant.Content})

		calls := assistant.ToolUses()
		if len(calls) == 0 {
			r.finish(DoneCompleted)
			return
		}

		opts := []tools.DispatchOption{tools.WithLogger(log)}
		if a.opts.Permission != nil {
			opts = append(opts, tools.WithPermission(a.opts.Permission))
		}
		if len(a.opts.Hooks) > 0 {
			opts = append(opts, tools.WithCallHooks(a.opts.Hooks.toolHooks(r.ID, log)))
		}
		results := tools.Dispatch(ctx, calls, a.registry, opts...)
		if ctx.Err() != nil {
			// Every tool use must be answered before the conversation is
			// continued. The results are not published: the channel has
			// already failed.
			if err := r.conv.Append(abortedResults(calls)); err != nil {
				log.Warn("Could not close aborted tool calls", "error", err)
			}
			r.abort(errors.ErrAborted)
			return
		}

		blocks := make([]session.ContentBlock, 0, len(results))
		for _, res := range results {
			r.publish(ToolResultEvent{ToolUseID: res.ToolUseID, Content: res.Content, IsError: res.IsError})
			blocks = append(blocks, res)
		}
		if err := r.conv.Append(session.Message{Role: session.RoleUser, Content: blocks}); err != nil {
			r.fail(err)
			return
		}

		if turn >= a.opts.MaxTurns {
			log.Warn("Maximum turns reached", "max_turns", a.opts.MaxTurns)
			r.publish(ErrorEvent{Message: fmt.Sprintf("maximum turns (%d) reached", a.opts.MaxTurns)})
			r.finish(DoneMaxTurns)
			return
		}
	}
}

// abortedResults answers calls cut short by cancellation.
func abortedResults(calls []session.ToolUse) session.Message {
	blocks := make([]session.ContentBlock, len(calls))
	for i, call := range calls {
		blocks[i] = session.ToolResult{ToolUseID: call.ID, Content: "Tool execution aborted", IsError: true}
	}
	return session.Message{Role: session.RoleUser, Content: blocks}
}

// endHooks fires the hooks of a finished run. They run even when the run
// was cancelled.
func (a *Agent) endHooks(ctx context.Context, r *LoopRun) {
	if len(a.opts.Hooks) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	log := a.opts.Logger.With("run_id", r.ID)
	reason := r.reason()
	if errors.Is(r.Err(), errors.ErrAborted) {
		a.opts.Hooks.fire(ctx, log, HookInput{Event: HookStop, RunID: r.ID, Reason: reason})
	}
	a.opts.Hooks.fire(ctx, log, HookInput{Event: HookSessionEnd, RunID: r.ID, Reason: reason})
}

// complete requests and decodes one model turn.
func (a *Agent) complete(ctx context.Context, r *LoopRun) (*llm.Decoded, error) {
	events, err := a.client.Stream(ctx, llm.Request{
		Messages: r.conv.Messages(),
		Tools:    a.registry.Specs(),
		Params:   a.opts.Params,
	})
	if err != nil {
		var te *errors.TransportError
		if !errors.As(err, &te) {
			err = &errors.TransportError{Err: err}
		}
		return nil, err
	}
	defer events.Close()

	var hook func(llm.StreamEvent)
	if a.opts.IncludePartial {
		hook = func(ev llm.StreamEvent) {
			if d, ok := ev.(llm.ContentBlockDelta); ok && d.Kind == llm.DeltaText && d.Text != "" {
				r.publish(PartialEvent{Text: d.Text})
			}
		}
	}
	return llm.DecodeWithHook(events, hook)
}

// LoopRun is one execution of the agent loop. Its events are consumed with
// Next or Events until the sequence ends.
type LoopRun struct {
	ID string

	conv    *session.Conversation
	events  *stream.Channel[Event]
	cancel  context.CancelFunc
	done    chan struct{}
	release func()

	mu     sync.Mutex
	closed bool
	ended  DoneReason
	err    error
	turns  int
	usage  session.TokenUsage
}

// Next returns the next event. ok is false once the run has published its
// done event. A run that was aborted returns errors.ErrAborted.
func (r *LoopRun) Next(ctx context.Context) (Event, bool, error) {
	return r.events.Next(ctx)
}

// Events returns the run's events as an iterator.
func (r *LoopRun) Events(ctx context.Context) iter.Seq2[Event, error] {
	return r.events.All(ctx)
}

// Abort cancels the run. Events already consumed stay valid; the next pull
// returns errors.ErrAborted.
func (r *LoopRun) Abort() {
	r.abort(errors.ErrAborted)
	r.cancel()
}

// Done is closed when the run's goroutine has exited.
func (r *LoopRun) Done() <-chan struct{} {
	return r.done
}

// Err returns the cause that ended the run early, or nil.
func (r *LoopRun) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *LoopRun) Conversation() *session.Conversation {
	return r.conv
}

func (r *LoopRun) Turns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turns
}

func (r *LoopRun) Usage() session.TokenUsage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usage
}

func (r *LoopRun) setTurns(n int) {
	r.mu.Lock()
	r.turns = n
	r.mu.Unlock()
}

func (r *LoopRun) addUsage(u session.TokenUsage) session.TokenUsage {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage = r.usage.Add(u)
	return r.usage
}

func (r *LoopRun) publish(ev Event) {
	r.events.Enqueue(ev)
}

// finish publishes the done event and completes the channel.
func (r *LoopRun) finish(reason DoneReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.ended = reason
	// A consumer that sees the done event may start the next run at once.
	if r.release != nil {
		r.release()
	}
	r.events.Enqueue(DoneEvent{Reason: reason, Turns: r.turns, Usage: r.usage})
	r.events.Complete()
}

// fail ends the run after a fault: the consumer sees an error event and an
// aborted done event, and Err reports the cause.
func (r *LoopRun) fail(err error) {
	r.mu.Lock()
	if r.err == nil && !r.closed {
		r.err = err
	}
	r.mu.Unlock()
	r.publish(ErrorEvent{Message: err.Error()})
	r.finish(DoneAborted)
}

// abort fails the channel with err, discarding buffered events. It has no
// effect once the run has finished.
func (r *LoopRun) abort(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.ended = DoneAborted
	r.err = err
	r.events.Fail(err)
}

func (r *LoopRun) reason() DoneReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}
