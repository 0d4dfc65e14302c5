// Package planner synthesizes an ordered step list from a natural-language
// goal. Planning is deterministic and pure: the same goal, context and
// budget always produce the same plan.
package planner

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/codemate-dev/gateway/internal/constants"
	"github.com/codemate-dev/gateway/internal/domain"
	cmerrors "github.com/codemate-dev/gateway/internal/errors"
)

// filePathRe matches a file path token with an extension of 1-8 characters,
// e.g. "src/app.py" or "notes\todo.md".
var filePathRe = regexp.MustCompile(`\b([\w\-./\\]+\.[A-Za-z0-9]{1,8})\b`)

// collapseWS collapses runs of whitespace for commit message derivation.
var collapseWS = regexp.MustCompile(`\s+`)

// commitMessageLimit is the maximum commit subject length before the
// "feat: " prefix is applied.
const commitMessageLimit = 72

// Plan synthesizes the ordered step list for a goal. The list always starts
// with a git_status inspection and ends with a summary, with goal-keyword
// rules in between, then is truncated to maxSteps. A zero-step plan is an
// error (cannot happen with the current rule set, but guarded per contract).
func Plan(taskID, goal string, context map[string]any, maxSteps int) ([]domain.Step, error) {
	g := strings.ToLower(goal)
	repoPath := repoPathFrom(context)

	var steps []domain.Step
	add := func(role, action, toolName string, input map[string]any, idempotent bool) {
		index := len(steps) + 1
		steps = append(steps, domain.Step{
			ID:         fmt.Sprintf("%s_step_%02d", taskID, index),
			StepIndex:  index,
			Role:       role,
			Action:     action,
			ToolName:   toolName,
			RiskLevel:  constants.RiskForTool(toolName),
			Idempotent: idempotent,
			Status:     constants.StepStatusPending,
			Input:      input,
		})
	}

	add(constants.RolePlanner, "Inspect git status", constants.ToolGitStatus,
		map[string]any{"repo_path": repoPath}, true)

	if strings.Contains(g, "readme") {
		add(constants.RoleCoder, "Generate README", constants.ToolGenerateReadme,
			map[string]any{"repo_path": repoPath, "goal": goal}, true)
	}

	if path := filePathRe.FindString(goal); path != "" && containsAny(g, "create", "write", "generate", "make") {
		add(constants.RoleCoder, "Write file "+path, constants.ToolWriteFile,
			map[string]any{"repo_path": repoPath, "relative_path": strings.ReplaceAll(path, `\`, "/"), "goal": goal}, true)
	}

	if containsAny(g, "test", "pytest", "unit test") {
		add(constants.RoleExecutor, "Run tests", constants.ToolRunTests,
			map[string]any{"repo_path": repoPath, "command": constants.DefaultTestCommand}, true)
	}

	if strings.Contains(g, "commit") {
		add(constants.RoleGitAgent, "Commit changes", constants.ToolGitCommit,
			map[string]any{"repo_path": repoPath, "message": commitMessage(goal)}, false)
	}
	if containsAny(g, "push", "publish") {
		add(constants.RoleGitAgent, "Push changes", constants.ToolGitPush,
			map[string]any{"repo_path": repoPath, "remote": "origin", "branch": "main"}, false)
	}
	if strings.Contains(g, "create repo") || strings.Contains(g, "create repository") {
		add(constants.RoleGitAgent, "Create GitHub repository", constants.ToolGitHubCreateRepo,
			map[string]any{"name": filepath.Base(repoPath)}, false)
	}

	add(constants.RoleReviewer, "Summarize outcome", constants.ToolSummarizeTask,
		map[string]any{"goal": goal}, true)

	if maxSteps > 0 && len(steps) > maxSteps {
		steps = steps[:maxSteps]
	}
	if len(steps) == 0 {
		return nil, cmerrors.ErrEmptyPlan
	}
	return steps, nil
}

// commitMessage derives a conventional commit subject from the goal:
// collapse whitespace, take the first 72 characters, lowercase the first
// character, prefix with "feat: ". Truncation and lowering work on runes
// so multibyte goals never yield invalid UTF-8.
func commitMessage(goal string) string {
	short := strings.TrimSpace(collapseWS.ReplaceAllString(goal, " "))
	if short == "" {
		short = "update project"
	}
	runes := []rune(short)
	if len(runes) > commitMessageLimit {
		runes = runes[:commitMessageLimit]
	}
	if len(runes) > 1 {
		runes[0] = unicode.ToLower(runes[0])
	}
	return "feat: " + string(runes)
}

func repoPathFrom(context map[string]any) string {
	if context != nil {
		if raw, ok := context["repo_path"]; ok {
			if s, ok := raw.(string); ok && s != "" {
				return s
			}
		}
	}
	return "."
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
