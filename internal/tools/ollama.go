package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/codemate-dev/gateway/internal/constants"
	cmerrors "github.com/codemate-dev/gateway/internal/errors"
)

// DefaultOllamaURL is the local inference endpoint.
const DefaultOllamaURL = "http://localhost:11434"

// ollamaTimeout bounds one generate call.
const ollamaTimeout = 30 * time.Second

// OllamaClient calls the local Ollama generate endpoint for content
// synthesis (README bodies, starter file contents).
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaClient creates a client for the given base URL, defaulting to
// the local endpoint.
func NewOllamaClient(baseURL string) *OllamaClient {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: ollamaTimeout},
	}
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options"`
}

type ollamaResponse struct {
	Response string `json:"response"`
}

// Generate requests a completion for the prompt. The model comes from
// OLLAMA_AUTONOMY_MODEL with a small coder default. Errors and empty
// responses are returned as an empty string with the error; callers fall
// back to static content.
func (c *OllamaClient) Generate(ctx context.Context, prompt string) (string, error) {
	model := strings.TrimSpace(os.Getenv(constants.EnvOllamaModel))
	if model == "" {
		model = constants.DefaultOllamaModel
	}

	body, err := json.Marshal(ollamaRequest{
		Model:  model,
		Prompt: prompt,
		Stream: false,
		Options: map[string]any{
			"temperature": 0.2,
			"num_predict": 1000,
		},
	})
	if err != nil {
		return "", cmerrors.Wrap(err, "failed to encode generate request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", cmerrors.Wrap(err, "failed to build generate request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", cmerrors.Wrap(err, "generate request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	var decoded ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", cmerrors.Wrap(err, "failed to decode generate response")
	}
	return strings.TrimSpace(decoded.Response), nil
}
