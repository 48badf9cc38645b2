package utils

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// CommandExecutor runs external tools like dump programs
type CommandExecutor interface {
	ExecuteCommandWithOutput(ctx context.Context, command string, env []string, arg ...string) (string, error)
}

type CmdExecutor struct {
	log *slog.Logger
}

func NewExecutor(log *slog.Logger) *CmdExecutor {
	return &CmdExecutor{
		log: log,
	}
}

// ExecuteCommandWithOutput runs the command with the environment of the process extended by env
// and returns the combined output
func (c *CmdExecutor) ExecuteCommandWithOutput(ctx context.Context, command string, env []string, arg ...string) (string, error) {
	commandWithPath, err := exec.LookPath(command)
	if err != nil {
		return fmt.Sprintf("unable to find command:%s in path", command), err
	}
	c.log.Info("running command", "command", commandWithPath, "args", strings.Join(arg, " "))
	cmd := exec.CommandContext(ctx, commandWithPath, arg...)
	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, env...)
	return runCommandWithOutput(cmd, true)
}

func runCommandWithOutput(cmd *exec.Cmd, combinedOutput bool) (string, error) {
	var output []byte
	var err error

	if combinedOutput {
		output, err = cmd.CombinedOutput()
	} else {
		output, err = cmd.Output()
	}

	out := strings.TrimSpace(string(output))

	return out, err
}
