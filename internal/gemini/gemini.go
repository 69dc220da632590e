package gemini

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/lehigh-university-libraries/scanventory/internal/vision"
	"google.golang.org/api/option"
)

const defaultModel = "gemini-2.0-flash"

// Gemini is a vision analyzer backed by Google Gemini.
type Gemini struct {
	cfg vision.Config
}

// New returns a new Gemini analyzer.
func New(cfg vision.Config) *Gemini {
	if cfg.Model == "" {
		cfg.Model = os.Getenv("GEMINI_MODEL")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	return &Gemini{cfg: cfg}
}

// Analyze sends the image to Gemini and returns the candidate item JSON.
func (g *Gemini) Analyze(ctx context.Context, req vision.Request) (string, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return "", fmt.Errorf("GEMINI_API_KEY environment variable not set")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return "", fmt.Errorf("failed to create new gemini client: %w", err)
	}
	defer client.Close()

	model := client.GenerativeModel(g.cfg.Model)
	model.SetTemperature(float32(g.cfg.Temperature))

	resp, err := model.GenerateContent(ctx,
		genai.ImageData(imageFormat(req.MIMEType), req.ImageData),
		genai.Text(vision.BuildItemPrompt(req.Location)),
	)
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}

	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates returned from Gemini")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("empty content returned from Gemini")
	}

	if txt, ok := candidate.Content.Parts[0].(genai.Text); ok {
		return strings.TrimSpace(string(txt)), nil
	}

	return "", fmt.Errorf("unexpected response format from Gemini")
}

// imageFormat maps a MIME type to the bare format string genai expects.
func imageFormat(mimeType string) string {
	if format, ok := strings.CutPrefix(mimeType, "image/"); ok && format != "" {
		return format
	}
	return "jpeg"
}
