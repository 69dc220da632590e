// Package runner drives concurrent analysis of a session's claimable images.
// Each worker claims one image at a time, runs the vision call outside any
// lock holding only its claim token, and reports the outcome back through
// the lifecycle API.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lehigh-university-libraries/scanventory/internal/models"
	"github.com/lehigh-university-libraries/scanventory/internal/scans"
	"github.com/lehigh-university-libraries/scanventory/internal/vision"
	"golang.org/x/sync/errgroup"
)

// Runner processes a session's images with a pool of workers.
type Runner struct {
	manager     *scans.Manager
	analyzer    vision.Analyzer
	concurrency int
	httpClient  *http.Client
}

// New creates a Runner with the given worker count.
func New(manager *scans.Manager, analyzer vision.Analyzer, concurrency int) *Runner {
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Runner{
		manager:     manager,
		analyzer:    analyzer,
		concurrency: concurrency,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Run processes the session until no claimable image remains or ctx is
// canceled. Per-image failures are reported through the lifecycle API and
// never abort the whole run.
func (r *Runner) Run(ctx context.Context, sessionID string) error {
	session, err := r.manager.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < r.concurrency; w++ {
		g.Go(func() error {
			return r.work(ctx, sessionID, session.Location)
		})
	}
	return g.Wait()
}

func (r *Runner) work(ctx context.Context, sessionID, location string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		token := uuid.NewString()
		record, err := r.manager.ClaimNext(ctx, sessionID, token)
		if err != nil {
			if errors.Is(err, scans.ErrNoneAvailable) {
				return nil
			}
			return err
		}

		outcome := r.analyzeOne(ctx, record, location)
		if err := r.manager.ReportOutcome(ctx, sessionID, record.Index, token, outcome); err != nil {
			if errors.Is(err, scans.ErrStaleClaim) {
				// A superseded attempt; the current claim owns the record now.
				slog.Warn("outcome report superseded", "session_id", sessionID, "index", record.Index)
				continue
			}
			return err
		}
	}
}

// analyzeOne loads the image bytes and runs the vision call. The claim token
// is the only shared state held while this runs.
func (r *Runner) analyzeOne(ctx context.Context, record *models.ImageRecord, location string) scans.Outcome {
	data, mimeType, err := r.loadImage(ctx, record.Source)
	if err != nil {
		return scans.Failure(fmt.Sprintf("load image: %v", err))
	}

	result, err := r.analyzer.Analyze(ctx, vision.Request{
		ImageData: data,
		MIMEType:  mimeType,
		Location:  location,
	})
	if err != nil {
		return scans.Failure(err.Error())
	}
	return scans.Success(result)
}

// loadImage fetches the image bytes for a record source, which is either an
// uploaded file path or an http(s) URL.
func (r *Runner) loadImage(ctx context.Context, source string) ([]byte, string, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		req, err := http.NewRequestWithContext(ctx, "GET", source, nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create request: %w", err)
		}
		resp, err := r.httpClient.Do(req)
		if err != nil {
			return nil, "", fmt.Errorf("failed to fetch image: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, "", fmt.Errorf("image fetch returned status %d", resp.StatusCode)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read image body: %w", err)
		}
		mimeType := resp.Header.Get("Content-Type")
		if mimeType == "" {
			mimeType = "image/jpeg"
		}
		return data, mimeType, nil
	}

	data, err := os.ReadFile(source)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image file: %w", err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(source))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return data, mimeType, nil
}
