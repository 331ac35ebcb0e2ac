package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/m4xw311/agentloop/agent"
	"github.com/m4xw311/agentloop/session"
)

// Terminal handles the terminal/CLI interaction mode for the agent
type Terminal struct {
	mode      agent.Mode
	verbosity agent.ToolVerbosity

	// mu serialises use of the input scanner and the output writer between
	// the event loop and permission prompts raised by concurrent tool calls.
	mu      sync.Mutex
	scanner *bufio.Scanner
	out     io.Writer

	conv      *session.Conversation
	toolNames map[string]string
	streamed  bool
}

// New creates a new Terminal reading user input from in and writing to out.
func New(in io.Reader, out io.Writer, mode agent.Mode, verbosity agent.ToolVerbosity) *Terminal {
	conv, _ := session.NewConversation()
	return &Terminal{
		mode:      mode,
		verbosity: verbosity,
		scanner:   bufio.NewScanner(in),
		out:       out,
		conv:      conv,
		toolNames: make(map[string]string),
	}
}

// Permission asks the user to confirm each tool call in prompt mode and
// allows every call in auto mode.
func (t *Terminal) Permission(ctx context.Context, call session.ToolUse) (bool, error) {
	if t.mode != agent.ModePrompt {
		return true, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "Agent wants to call tool `%s` with args: %s\n", call.Name, call.Input)
	fmt.Fprint(t.out, "Do you want to allow this? (y/n): ")
	if !t.scanner.Scan() {
		return false, t.scanner.Err()
	}
	answer := strings.ToLower(strings.TrimSpace(t.scanner.Text()))
	return answer == "y" || answer == "yes", nil
}

// Run starts the interactive terminal session
func (t *Terminal) Run(ctx context.Context, a *agent.Agent, initialPrompt string) error {
	// If there's an initial prompt from the command line, use it first
	if initialPrompt != "" {
		if err := t.processTurn(ctx, a, initialPrompt); err != nil {
			return err
		}
	}

	for {
		t.mu.Lock()
		fmt.Fprint(t.out, "You: ")
		more := t.scanner.Scan()
		userInput := strings.TrimSpace(t.scanner.Text())
		t.mu.Unlock()
		if !more {
			// EOF or read error ends the session
			break
		}

		if userInput == "" {
			continue
		}

		// Exit commands
		if userInput == "/quit" || userInput == "/exit" {
			break
		}

		if err := t.processTurn(ctx, a, userInput); err != nil {
			t.printf("Error: %v\n", err)
		}
	}

	return t.scanner.Err()
}

// processTurn runs the agent loop for a single user input and renders its
// events.
func (t *Terminal) processTurn(ctx context.Context, a *agent.Agent, userInput string) error {
	run := a.Continue(ctx, t.conv, userInput)
	for ev, err := range run.Events(ctx) {
		if err != nil {
			return err
		}
		t.render(ev)
	}
	return nil
}

func (t *Terminal) render(ev agent.Event) {
	switch e := ev.(type) {
	case agent.PartialEvent:
		if !t.streamed {
			t.printf("Agent: ")
			t.streamed = true
		}
		t.printf("%s", e.Text)
	case agent.AssistantEvent:
		msg := session.Message{Role: session.RoleAssistant, Content: e.Content}
		if t.streamed {
			t.printf("\n")
			t.streamed = false
		} else if text := msg.PlainText(); text != "" {
			t.printf("Agent: %s\n", text)
		}
		for _, use := range msg.ToolUses() {
			t.toolNames[use.ID] = use.Name
			// Prompt mode shows the call when asking for permission.
			if t.mode == agent.ModePrompt {
				continue
			}
			switch t.verbosity {
			case agent.ToolVerbosityAll:
				t.printf("Agent wants to call tool `%s` with args: %s\n", use.Name, use.Input)
			case agent.ToolVerbosityInfo:
				t.printf("Agent wants to call tool `%s`\n", use.Name)
			}
		}
	case agent.ToolResultEvent:
		name := t.toolNames[e.ToolUseID]
		switch {
		case t.verbosity == agent.ToolVerbosityAll:
			t.printf("Tool `%s` output: %s\n", name, e.Content)
		case t.verbosity == agent.ToolVerbosityInfo && e.IsError:
			t.printf("Tool `%s` failed: %s\n", name, e.Content)
		}
	case agent.ErrorEvent:
		t.printf("Warning: %s\n", e.Message)
	case agent.DoneEvent:
		if t.verbosity == agent.ToolVerbosityAll {
			t.printf("[%s after %d turns, %d input / %d output tokens]\n",
				e.Reason, e.Turns, e.Usage.Input, e.Usage.Output)
		}
	}
}

func (t *Terminal) printf(format string, a ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, a...)
}
