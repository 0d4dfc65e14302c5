package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/codemate-dev/gateway/internal/constants"
	"github.com/codemate-dev/gateway/internal/domain"
)

// DefaultGitHubURL is the GitHub REST API base.
const DefaultGitHubURL = "https://api.github.com"

// githubTimeout bounds one API call.
const githubTimeout = 20 * time.Second

// githubAPIVersion pins the REST API version header.
const githubAPIVersion = "2022-11-28"

// GitHubClient calls the GitHub REST API for the repository tools.
// Authentication comes from GITHUB_TOKEN at call time so a token rotated
// while the gateway runs is picked up without restart.
type GitHubClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGitHubClient creates a client for the given base URL, defaulting to
// the public API.
func NewGitHubClient(baseURL string) *GitHubClient {
	if baseURL == "" {
		baseURL = DefaultGitHubURL
	}
	return &GitHubClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: githubTimeout},
	}
}

// CreateRepo creates a repository for the authenticated user.
func (c *GitHubClient) CreateRepo(ctx context.Context, args map[string]any) (domain.ToolResult, bool) {
	token := strings.TrimSpace(os.Getenv(constants.EnvGitHubToken))
	name := stringArg(args, "name", "")
	if token == "" {
		return domain.ToolResult{Error: "Missing GITHUB_TOKEN", Artifacts: map[string]any{}}, false
	}
	if name == "" {
		return domain.ToolResult{Error: "Repository name is required", Artifacts: map[string]any{}}, false
	}

	private, _ := args["private"].(bool)
	payload := map[string]any{
		"name":        name,
		"private":     private,
		"description": stringArg(args, "description", ""),
	}

	body, transient, err := c.do(ctx, http.MethodPost, "/user/repos", token, payload)
	if err != nil {
		return domain.ToolResult{Error: err.Error(), Artifacts: map[string]any{}}, transient
	}
	return domain.ToolResult{
		OK:     true,
		Output: "Repository created",
		Artifacts: map[string]any{
			"full_name": body["full_name"],
			"html_url":  body["html_url"],
		},
	}, false
}

// UpdateDescription patches a repository's description.
func (c *GitHubClient) UpdateDescription(ctx context.Context, args map[string]any) (domain.ToolResult, bool) {
	token := strings.TrimSpace(os.Getenv(constants.EnvGitHubToken))
	owner := stringArg(args, "owner", "")
	repo := stringArg(args, "repo", "")
	if token == "" || owner == "" || repo == "" {
		return domain.ToolResult{Error: "Missing GITHUB_TOKEN or owner/repo", Artifacts: map[string]any{}}, false
	}

	payload := map[string]any{"description": stringArg(args, "description", "")}

	body, transient, err := c.do(ctx, http.MethodPatch, "/repos/"+owner+"/"+repo, token, payload)
	if err != nil {
		return domain.ToolResult{Error: err.Error(), Artifacts: map[string]any{}}, transient
	}
	return domain.ToolResult{
		OK:        true,
		Output:    "Description updated",
		Artifacts: map[string]any{"full_name": body["full_name"]},
	}, false
}

// do performs one authenticated JSON call. Network-level failures are
// transient; HTTP error statuses are terminal tool failures.
func (c *GitHubClient) do(ctx context.Context, method, path, token string, payload map[string]any) (map[string]any, bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
	req.Header.Set("User-Agent", constants.ServiceName)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	body := map[string]any{}
	if len(respBody) > 0 {
		_ = json.Unmarshal(respBody, &body)
	}
	return body, false, nil
}
