// Package inventory is the thin client for the inventory service that
// receives confirmed items. The scan session core only hands it the
// completed records of a completed session; item payloads stay opaque.
package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/lehigh-university-libraries/scanventory/internal/models"
)

// Client talks to the inventory service's batch-commit endpoint.
type Client struct {
	BaseURL    string
	APIKey     string
	httpClient *http.Client
}

// NewClient creates an inventory client. baseURL falls back to the
// INVENTORY_URL environment variable.
func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("INVENTORY_URL")
	}
	if apiKey == "" {
		apiKey = os.Getenv("INVENTORY_API_KEY")
	}
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CommitResult reports what the inventory service accepted.
type CommitResult struct {
	Committed int `json:"committed"`
}

// CommitSession sends every completed, non-removed record of a completed
// session to the inventory service as one batch.
func (c *Client) CommitSession(ctx context.Context, session *models.ScanSession) (*CommitResult, error) {
	if c.BaseURL == "" {
		return nil, fmt.Errorf("inventory service URL not configured")
	}
	if session.Status != models.StatusCompleted {
		return nil, fmt.Errorf("session %s is %s, only completed sessions can be committed", session.ID, session.Status)
	}

	type item struct {
		SessionID string          `json:"session_id"`
		Index     int             `json:"index"`
		Location  string          `json:"location"`
		Item      json.RawMessage `json:"item"`
	}
	var items []item
	for i := range session.Images {
		r := &session.Images[i]
		if r.Removed || r.State != models.ImageCompleted {
			continue
		}
		items = append(items, item{
			SessionID: session.ID,
			Index:     r.Index,
			Location:  session.Location,
			Item:      json.RawMessage(r.Result),
		})
	}
	if len(items) == 0 {
		return &CommitResult{}, nil
	}

	body, err := json.Marshal(map[string]any{"items": items})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal commit batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/api/v1/items/batch", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to commit to inventory service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("inventory service returned status %d: %s", resp.StatusCode, string(respBody))
	}

	result := &CommitResult{Committed: len(items)}
	var parsed CommitResult
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err == nil && parsed.Committed > 0 {
		result.Committed = parsed.Committed
	}
	return result, nil
}
