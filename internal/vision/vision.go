// Package vision defines the collaborator interface for the image analysis
// step. The scan session core treats analysis as an opaque call: bytes and
// context in, a candidate item payload or an error out.
package vision

import "context"

// Request carries one image and its analysis context.
type Request struct {
	ImageData []byte
	MIMEType  string
	Location  string // destination location, for prompt context only
}

// Analyzer turns an image into a candidate inventory item description.
// Implementations must be safe for concurrent use.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (string, error)
}

// Config holds provider tuning shared by analyzer implementations.
type Config struct {
	Model       string
	Temperature float64
}

// BuildItemPrompt is the shared prompt asking a vision model for a candidate
// inventory item as a single JSON object.
func BuildItemPrompt(location string) string {
	prompt := `You are an inventory assistant. Identify the item shown in this photo and respond with a single JSON object with the fields "name", "description", "quantity", and "condition". Respond with JSON only, no markdown fences.`
	if location != "" {
		prompt += " The item will be stored in: " + location + "."
	}
	return prompt
}
