package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newOfflineLocal returns a runner whose model endpoint is unreachable so
// content synthesis always takes the static fallback path.
func newOfflineLocal(t *testing.T) *Local {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()
	return NewLocal(nil, zerolog.Nop(), WithOllamaClient(NewOllamaClient(srv.URL)))
}

func TestWriteFile(t *testing.T) {
	l := newOfflineLocal(t)
	ctx := context.Background()

	t.Run("writes fallback content inside the repo", func(t *testing.T) {
		repo := t.TempDir()
		result, transient := l.writeFile(ctx, map[string]any{
			"repo_path":     repo,
			"relative_path": "src/app.py",
			"goal":          "build the service",
		})
		assert.False(t, transient)
		require.True(t, result.OK, "writeFile failed: %s", result.Error)

		target := filepath.Join(repo, "src", "app.py")
		assert.Equal(t, target, result.Artifacts["path"])

		content, err := os.ReadFile(target) //#nosec G304 -- test reads its own temp file
		require.NoError(t, err)
		assert.Contains(t, string(content), "Generated by CodeMate")
		assert.Contains(t, string(content), "build the service")
	})

	t.Run("rejects paths escaping the repo root", func(t *testing.T) {
		repo := t.TempDir()
		for _, rel := range []string{"../evil.txt", "a/../../evil.txt", "../../etc/passwd"} {
			result, transient := l.writeFile(ctx, map[string]any{
				"repo_path":     repo,
				"relative_path": rel,
			})
			assert.False(t, result.OK, "path %q must be rejected", rel)
			assert.False(t, transient)
			assert.Equal(t, "Path escapes repo root", result.Error)

			_, err := os.Stat(filepath.Join(filepath.Dir(repo), "evil.txt"))
			assert.True(t, os.IsNotExist(err), "nothing may be written outside the repo")
		}
	})

	t.Run("requires relative_path", func(t *testing.T) {
		result, transient := l.writeFile(ctx, map[string]any{"repo_path": t.TempDir()})
		assert.False(t, result.OK)
		assert.False(t, transient)
		assert.Equal(t, "relative_path is required", result.Error)
	})
}

func TestGenerateReadme(t *testing.T) {
	l := newOfflineLocal(t)
	repo := t.TempDir()

	result, transient := l.generateReadme(context.Background(), map[string]any{
		"repo_path": repo,
		"goal":      "document the project",
	})
	assert.False(t, transient)
	require.True(t, result.OK, "generateReadme failed: %s", result.Error)

	content, err := os.ReadFile(filepath.Join(repo, "README.md")) //#nosec G304 -- test reads its own temp file
	require.NoError(t, err)
	assert.Contains(t, string(content), "# "+filepath.Base(repo))
	assert.Contains(t, string(content), "## Overview")
}
