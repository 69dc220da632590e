package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lehigh-university-libraries/scanventory/internal/vision"
)

const defaultModel = "mistral-small3.2:24b"

// Ollama is a vision analyzer backed by a local Ollama instance.
type Ollama struct {
	cfg        vision.Config
	httpClient *http.Client
}

// New returns a new Ollama analyzer.
func New(cfg vision.Config) *Ollama {
	if cfg.Model == "" {
		cfg.Model = os.Getenv("OLLAMA_MODEL")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	return &Ollama{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

// Analyze sends the image to Ollama's generate API and returns the candidate
// item JSON.
func (o *Ollama) Analyze(ctx context.Context, req vision.Request) (string, error) {
	ollamaURL := os.Getenv("OLLAMA_URL")
	if ollamaURL == "" {
		ollamaURL = "http://localhost:11434"
	}
	url := ollamaURL + "/api/generate"

	requestBody, err := json.Marshal(map[string]interface{}{
		"model":  o.cfg.Model,
		"prompt": vision.BuildItemPrompt(req.Location),
		"images": []string{base64.StdEncoding.EncodeToString(req.ImageData)},
		"stream": false,
		"options": map[string]interface{}{
			"temperature": o.cfg.Temperature,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(requestBody))
	if err != nil {
		return "", fmt.Errorf("failed to create new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("received non-200 status code: %d - %s", resp.StatusCode, string(body))
	}

	var response struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("failed to decode response body: %w", err)
	}

	return strings.TrimSpace(response.Response), nil
}
