package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/m4xw311/agentloop/errors"
)

type ExecuteCommandInput struct {
	Command string `json:"command" validate:"required" jsonschema_description:"Command line to run. It is split on whitespace, no shell is involved."`
}

func NewExecuteCommandTool(allowedCommands []string) Tool {
	return NewTyped("execute_command", commandDescription(allowedCommands),
		func(ctx context.Context, in ExecuteCommandInput) (Result, error) {
			if !isCommandAllowed(in.Command, allowedCommands) {
				return Result{}, errors.New("command '%s' is not in the list of allowed commands", in.Command)
			}

			parts := strings.Fields(in.Command)
			cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
			output, err := cmd.CombinedOutput()
			if err != nil {
				return Result{}, errors.Wrapf(err, "command execution failed. Output:\n%s", string(output))
			}
			return Result{Content: fmt.Sprintf("Command executed successfully. Output:\n%s", string(output))}, nil
		})
}

func commandDescription(allowed []string) string {
	if len(allowed) == 0 {
		return "Executes a command. No commands are currently allowed."
	}
	var sb strings.Builder
	sb.WriteString("Executes a command.\nAllowed command patterns:\n")
	for _, c := range allowed {
		fmt.Fprintf(&sb, "- %s\n", c)
	}
	return sb.String()
}
