package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/m4xw311/agentloop/agent"
	"github.com/m4xw311/agentloop/agent/acp"
	"github.com/m4xw311/agentloop/agent/terminal"
	"github.com/m4xw311/agentloop/config"
	"github.com/m4xw311/agentloop/errors"
	"github.com/m4xw311/agentloop/llm"
	"github.com/m4xw311/agentloop/tools"
	"github.com/m4xw311/agentloop/tools/mcp"
)

// traceFile receives the logs of ACP mode, where stdout carries the protocol.
const traceFile = "acp.trace"

type options struct {
	mode          string
	toolset       string
	toolVerbosity string
	acp           bool
	trace         bool
	prompt        string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("agentloop", flag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := &options{}
	fs.StringVar(&opts.mode, "m", "", "Execution mode: 'auto' or 'prompt'")
	fs.StringVar(&opts.toolset, "t", "default", "Toolset to use")
	fs.StringVar(&opts.toolVerbosity, "tool-verbosity", "none", "Tool verbosity level: 'none', 'info', or 'all'")
	fs.BoolVar(&opts.acp, "acp", false, "Enable Agent Client Protocol support")
	fs.BoolVar(&opts.trace, "trace", false, "Enable execution tracing to troubleshoot issues")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.prompt = strings.Join(fs.Args(), " ")
	return opts, nil
}

func parseMode(s string) (agent.Mode, error) {
	switch s {
	case "", "prompt":
		return agent.ModePrompt, nil
	case "auto":
		return agent.ModeAuto, nil
	default:
		return "", errors.New("invalid mode '%s'. Must be 'auto' or 'prompt'", s)
	}
}

func parseVerbosity(s string) (agent.ToolVerbosity, error) {
	switch s {
	case "", "none":
		return agent.ToolVerbosityNone, nil
	case "info":
		return agent.ToolVerbosityInfo, nil
	case "all":
		return agent.ToolVerbosityAll, nil
	default:
		return "", errors.New("invalid tool verbosity '%s'. Must be 'none', 'info', or 'all'", s)
	}
}

// newLogger returns the process logger and a function releasing its sink.
func newLogger(opts *options, stderr io.Writer) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if opts.trace {
		level = slog.LevelDebug
	}
	if !opts.acp {
		return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})), func() {}, nil
	}
	if !opts.trace {
		return slog.New(slog.DiscardHandler), func() {}, nil
	}
	f, err := os.OpenFile(traceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open trace file")
	}
	return slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})), func() { f.Close() }, nil
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	logger, closeLog, err := newLogger(opts, stderr)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig()
	if err != nil {
		return errors.Wrapf(err, "error loading configuration")
	}

	if opts.mode == "" {
		opts.mode = cfg.Mode
	}
	mode, err := parseMode(opts.mode)
	if err != nil {
		return err
	}
	verbosity, err := parseVerbosity(opts.toolVerbosity)
	if err != nil {
		return err
	}

	client, err := llm.NewClient(ctx, cfg.LLMClient, cfg.Model)
	if err != nil {
		return err
	}

	mcpTools := tools.NewRegistry()
	servers, err := mcp.StartAll(ctx, cfg.AdditionalMCPServers, mcpTools)
	if err != nil {
		return errors.Wrapf(err, "error starting MCP servers")
	}
	defer mcp.StopAll(servers)

	if opts.acp {
		logger.Info("Starting ACP mode", "llm", cfg.LLMClient, "model", cfg.Model)
		// ACP sessions run tool calls without confirmation.
		factory := func() (*agent.Agent, error) {
			return agent.NewFromConfig(cfg, opts.toolset, client, mcpTools, nil)
		}
		return acp.Run(ctx, factory, stdin, stdout, logger)
	}

	term := terminal.New(stdin, stdout, mode, verbosity)
	a, err := agent.NewFromConfig(cfg, opts.toolset, client, mcpTools, term.Permission)
	if err != nil {
		return errors.Wrapf(err, "error initializing agent")
	}
	logger.Debug("Agent ready", "tools", a.Tools().Names())

	fmt.Fprintln(stdout, "Agent is ready. Type your prompt.")
	if err := term.Run(ctx, a, opts.prompt); err != nil {
		return errors.Wrapf(err, "agent stopped with an error")
	}
	return nil
}
