// Package tools implements the tool capability boundary for the gateway.
//
// The engine consumes only the Runner interface; the side effects behind it
// (subprocesses, file writes, HTTP calls) are opaque. Every result carries
// ok/output/error/artifacts/duration_ms; the transient flag tells the engine
// whether a retry may help (timeouts and network errors) or not (argument
// validation and tool-reported failures).
package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/codemate-dev/gateway/internal/clock"
	"github.com/codemate-dev/gateway/internal/constants"
	"github.com/codemate-dev/gateway/internal/domain"
	"github.com/codemate-dev/gateway/internal/logging"
)

// Runner is the capability contract between the engine and tools.
type Runner interface {
	// Run executes the named tool. The bool reports whether a failure is
	// transient (the engine may retry once) or terminal.
	Run(ctx context.Context, toolName string, args map[string]any) (domain.ToolResult, bool)
}

// Local runs the built-in tool set in-process: git subprocesses, file
// writes, a local Ollama inference endpoint, and the GitHub REST API.
type Local struct {
	clock  clock.Clock
	logger zerolog.Logger
	ollama *OllamaClient
	github *GitHubClient
}

// LocalOption configures a Local runner.
type LocalOption func(*Local)

// WithOllamaClient overrides the default Ollama client (used by tests).
func WithOllamaClient(c *OllamaClient) LocalOption {
	return func(l *Local) { l.ollama = c }
}

// WithGitHubClient overrides the default GitHub client (used by tests).
func WithGitHubClient(c *GitHubClient) LocalOption {
	return func(l *Local) { l.github = c }
}

// NewLocal creates a Local runner with the default adapters.
func NewLocal(clk clock.Clock, logger zerolog.Logger, opts ...LocalOption) *Local {
	if clk == nil {
		clk = clock.RealClock{}
	}
	l := &Local{
		clock:  clk,
		logger: logger,
		ollama: NewOllamaClient(""),
		github: NewGitHubClient(""),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run dispatches to the named tool and stamps the wall-clock duration on
// the result.
func (l *Local) Run(ctx context.Context, toolName string, args map[string]any) (domain.ToolResult, bool) {
	start := l.clock.Now()

	result, transient := l.dispatch(ctx, toolName, args)

	result.DurationMS = l.clock.Now().Sub(start).Milliseconds()
	if result.Artifacts == nil {
		result.Artifacts = map[string]any{}
	}

	l.logger.Debug().
		Str("tool", toolName).
		Bool("ok", result.OK).
		Bool("transient", transient).
		Int64("duration_ms", result.DurationMS).
		Str("error", logging.SafeValue("error", result.Error)).
		Msg("tool run finished")

	return result, transient
}

func (l *Local) dispatch(ctx context.Context, toolName string, args map[string]any) (domain.ToolResult, bool) {
	switch toolName {
	case constants.ToolGitStatus:
		return runCommand(ctx, 30*time.Second, "git", "-C", stringArg(args, "repo_path", "."), "status", "--short")
	case constants.ToolGitCommit:
		return l.gitCommit(ctx, args)
	case constants.ToolGitPush:
		return runCommand(ctx, 90*time.Second, "git", "-C", stringArg(args, "repo_path", "."),
			"push", stringArg(args, "remote", "origin"), stringArg(args, "branch", "main"))
	case constants.ToolRunTests:
		return l.runTests(ctx, args)
	case constants.ToolGenerateReadme:
		return l.generateReadme(ctx, args)
	case constants.ToolWriteFile:
		return l.writeFile(ctx, args)
	case constants.ToolGitHubCreateRepo:
		return l.github.CreateRepo(ctx, args)
	case constants.ToolGitHubUpdateDesc:
		return l.github.UpdateDescription(ctx, args)
	case constants.ToolSummarizeTask:
		return domain.ToolResult{OK: true, Output: "Task complete. Review step timeline.", Artifacts: map[string]any{}}, false
	default:
		return domain.ToolResult{Error: fmt.Sprintf("Unknown tool: %s", toolName), Artifacts: map[string]any{}}, false
	}
}

// gitCommit stages everything then commits with the supplied message.
func (l *Local) gitCommit(ctx context.Context, args map[string]any) (domain.ToolResult, bool) {
	repoPath := stringArg(args, "repo_path", ".")
	message := stringArg(args, "message", "")
	if message == "" {
		return domain.ToolResult{Error: "Missing commit message", Artifacts: map[string]any{}}, false
	}

	add, transient := runCommand(ctx, 40*time.Second, "git", "-C", repoPath, "add", "-A")
	if !add.OK {
		return add, transient
	}
	return runCommand(ctx, 60*time.Second, "git", "-C", repoPath, "commit", "-m", message)
}

// stringArg extracts a string argument with a fallback default.
func stringArg(args map[string]any, key, def string) string {
	if args != nil {
		if raw, ok := args[key]; ok {
			if s, ok := raw.(string); ok && s != "" {
				return s
			}
		}
	}
	return def
}
