package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/codemate-dev/gateway/internal/domain"
)

// File permissions for generated content.
const (
	generatedDirPerm  = 0o750
	generatedFilePerm = 0o600
)

// generateReadme writes a README.md synthesized by the local model, with a
// static fallback when the model is unreachable or returns nothing.
func (l *Local) generateReadme(ctx context.Context, args map[string]any) (domain.ToolResult, bool) {
	repoPath := stringArg(args, "repo_path", ".")
	goal := stringArg(args, "goal", "")
	project := filepath.Base(repoPath)

	prompt := fmt.Sprintf(
		"Write a concise README markdown with sections Overview, Features, Quickstart, License.\nProject: %s\nGoal: %s\nReturn only markdown.",
		project, goal,
	)
	content, err := l.ollama.Generate(ctx, prompt)
	if err != nil {
		l.logger.Debug().Err(err).Msg("readme generation fell back to template")
	}
	if strings.TrimSpace(content) == "" {
		content = fmt.Sprintf(
			"# %s\n\n## Overview\n\nGenerated by CodeMate autonomy.\n\n## Features\n\n- Autonomous workflow\n\n## Quickstart\n\nRun project setup commands.\n\n## License\n\nMIT\n",
			project,
		)
	}

	target := filepath.Join(repoPath, "README.md")
	if err := os.WriteFile(target, []byte(content), generatedFilePerm); err != nil {
		return domain.ToolResult{Error: err.Error(), Artifacts: map[string]any{}}, false
	}
	return domain.ToolResult{
		OK:        true,
		Output:    "Wrote " + target,
		Artifacts: map[string]any{"path": target},
	}, false
}

// writeFile creates a file inside the repo with model-synthesized starter
// content. Targets resolving outside the repo root are rejected.
func (l *Local) writeFile(ctx context.Context, args map[string]any) (domain.ToolResult, bool) {
	repoPath := stringArg(args, "repo_path", ".")
	rel := strings.TrimSpace(stringArg(args, "relative_path", ""))
	if rel == "" {
		return domain.ToolResult{Error: "relative_path is required", Artifacts: map[string]any{}}, false
	}

	repoAbs, err := filepath.Abs(repoPath)
	if err != nil {
		return domain.ToolResult{Error: err.Error(), Artifacts: map[string]any{}}, false
	}
	target := filepath.Clean(filepath.Join(repoAbs, filepath.FromSlash(rel)))
	if target != repoAbs && !strings.HasPrefix(target, repoAbs+string(filepath.Separator)) {
		return domain.ToolResult{Error: "Path escapes repo root", Artifacts: map[string]any{}}, false
	}

	body, err := l.ollama.Generate(ctx, fmt.Sprintf(
		"Generate useful starter content for file %s.\nRequest: %s\nReturn only file contents.",
		rel, stringArg(args, "goal", ""),
	))
	if err != nil {
		l.logger.Debug().Err(err).Msg("file generation fell back to template")
	}
	if strings.TrimSpace(body) == "" {
		body = fmt.Sprintf("# Generated by CodeMate\n# %s\n", stringArg(args, "goal", ""))
	}

	if err := os.MkdirAll(filepath.Dir(target), generatedDirPerm); err != nil {
		return domain.ToolResult{Error: err.Error(), Artifacts: map[string]any{}}, false
	}
	if err := os.WriteFile(target, []byte(body), generatedFilePerm); err != nil {
		return domain.ToolResult{Error: err.Error(), Artifacts: map[string]any{}}, false
	}
	return domain.ToolResult{
		OK:        true,
		Output:    "Wrote " + target,
		Artifacts: map[string]any{"path": target},
	}, false
}
