// Package terminal implements the command-line interface (CLI) mode for the agent.
//
// The terminal reads prompts line by line, starts a loop run for each one
// over a conversation that persists for the whole session, and renders the
// run's events as they arrive.
//
// # Usage
//
// The terminal supplies the permission callback, so it is created before
// the agent:
//
//	term := terminal.New(os.Stdin, os.Stdout, agent.ModePrompt, agent.ToolVerbosityInfo)
//	a, err := agent.NewFromConfig(cfg, toolset, client, mcpTools, term.Permission)
//	if err != nil {
//	    // handle error
//	}
//	err = term.Run(ctx, a, initialPrompt)
//
// # Modes
//
//   - Auto mode: Tools are executed automatically without user confirmation
//   - Prompt mode: User is prompted for confirmation before each tool execution
//
// # Verbosity Levels
//
//   - None: No tool execution information is displayed
//   - Info: Tool names are displayed when called, and failures are reported
//   - All: Tool names, arguments, results and run usage are displayed
//
// Typing /quit or /exit, or closing stdin, ends the session.
package terminal
