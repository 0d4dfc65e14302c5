package tools

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/codemate-dev/gateway/internal/domain"
)

// testCommandTimeout bounds the run_tests shell command.
const testCommandTimeout = 180 * time.Second

// runCommand executes a command with a deadline and shapes the outcome into
// a ToolResult. A deadline hit is reported as a transient failure; a
// non-zero exit is a terminal tool failure carrying stderr.
func runCommand(ctx context.Context, timeout time.Duration, name string, args ...string) (domain.ToolResult, bool) {
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, name, args...) //#nosec G204 -- argv built from the planner's typed step inputs
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	command := name + " " + strings.Join(args, " ")

	if stderrors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		return domain.ToolResult{
			Error:     fmt.Sprintf("Command timeout after %s: %s", timeout, command),
			Artifacts: map[string]any{},
		}, true
	}

	result := domain.ToolResult{
		OK:        err == nil,
		Output:    strings.TrimSpace(stdout.String()),
		Artifacts: map[string]any{"command": command, "returncode": exitCode(cmd, err)},
	}
	if err != nil {
		result.Error = strings.TrimSpace(stderr.String())
		if result.Error == "" {
			result.Error = err.Error()
		}
	}
	return result, false
}

// runTests executes the configured test command through the shell in the
// repo directory, mirroring how a developer would invoke it.
func (l *Local) runTests(ctx context.Context, args map[string]any) (domain.ToolResult, bool) {
	repoPath := stringArg(args, "repo_path", ".")
	command := stringArg(args, "command", "pytest -q")

	cmdCtx, cancel := context.WithTimeout(ctx, testCommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command) //#nosec G204 -- command comes from the planned step input
	cmd.Dir = repoPath
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if stderrors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		return domain.ToolResult{
			Error:     fmt.Sprintf("Command timeout after %s: %s", testCommandTimeout, command),
			Artifacts: map[string]any{},
		}, true
	}

	result := domain.ToolResult{
		OK:        err == nil,
		Output:    strings.TrimSpace(stdout.String()),
		Artifacts: map[string]any{"command": command, "returncode": exitCode(cmd, err)},
	}
	if err != nil {
		result.Error = strings.TrimSpace(stderr.String())
		if result.Error == "" {
			result.Error = err.Error()
		}
	}
	return result, false
}

// exitCode extracts the process exit code; -1 when the process never ran.
func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
