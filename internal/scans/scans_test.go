package scans

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lehigh-university-libraries/scanventory/internal/lockfile"
	"github.com/lehigh-university-libraries/scanventory/internal/models"
	"github.com/lehigh-university-libraries/scanventory/internal/store"
)

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	dir := t.TempDir()
	st := store.New(dir)
	locks := lockfile.NewManager(filepath.Join(dir, "locks"))
	if opts.LockTimeout == 0 {
		opts.LockTimeout = 2 * time.Second
	}
	return NewManager(st, locks, opts)
}

func mustCreate(t *testing.T, m *Manager, location string, images int) *models.ScanSession {
	t.Helper()
	ctx := context.Background()
	session, err := m.Create(ctx, location)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if images > 0 {
		sources := make([]string, images)
		for i := range sources {
			sources[i] = fmt.Sprintf("uploads/img-%d.jpg", i)
		}
		if err := m.AddImages(ctx, session.ID, sources); err != nil {
			t.Fatalf("AddImages: %v", err)
		}
	}
	return session
}

func mustGet(t *testing.T, m *Manager, id string) *models.ScanSession {
	t.Helper()
	session, err := m.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return session
}

func TestCreatePersistsActiveSession(t *testing.T) {
	m := newTestManager(t, Options{})
	session := mustCreate(t, m, "Basement / Bin 4", 0)

	got := mustGet(t, m, session.ID)
	if got.Status != models.StatusActive {
		t.Errorf("status = %s, want active", got.Status)
	}
	if got.Location != "Basement / Bin 4" {
		t.Errorf("location = %q", got.Location)
	}
	if len(got.Images) != 0 {
		t.Errorf("new session should have no images, got %d", len(got.Images))
	}
}

func TestGetUnknownSession(t *testing.T) {
	m := newTestManager(t, Options{})
	_, err := m.Get(context.Background(), "11111111-2222-3333-4444-555555555555")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAddImagesAssignsStableIndices(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()
	session := mustCreate(t, m, "loc", 2)

	if err := m.RemoveImage(ctx, session.ID, 0); err != nil {
		t.Fatalf("RemoveImage: %v", err)
	}
	if err := m.AddImages(ctx, session.ID, []string{"uploads/late.jpg"}); err != nil {
		t.Fatalf("AddImages: %v", err)
	}

	got := mustGet(t, m, session.ID)
	if len(got.Images) != 3 {
		t.Fatalf("len(Images) = %d, want 3 (removal is logical)", len(got.Images))
	}
	for i, rec := range got.Images {
		if rec.Index != i {
			t.Errorf("image %d has index %d; indices are never reassigned", i, rec.Index)
		}
	}
	if !got.Images[0].Removed {
		t.Errorf("image 0 should be flagged removed")
	}
}

func TestAddImagesRequiresActiveSession(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()
	session := mustCreate(t, m, "loc", 0)

	if err := m.Complete(ctx, session.ID); err != nil {
		t.Fatalf("Complete empty session: %v", err)
	}
	err := m.AddImages(ctx, session.ID, []string{"uploads/a.jpg"})
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("AddImages on completed session: err = %v, want ErrInvalidState", err)
	}
}

func TestClaimAndReportSuccess(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()
	session := mustCreate(t, m, "loc", 2)

	rec, err := m.ClaimNext(ctx, session.ID, "worker-a")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if rec.Index != 0 {
		t.Errorf("claimed index %d, want lowest index 0", rec.Index)
	}
	if rec.State != models.ImageProcessing || rec.ClaimToken != "worker-a" {
		t.Errorf("claimed record = %+v", rec)
	}

	if err := m.ReportOutcome(ctx, session.ID, 0, "worker-a", Success(`{"name":"hammer"}`)); err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}

	got := mustGet(t, m, session.ID)
	r := got.Images[0]
	if r.State != models.ImageCompleted {
		t.Errorf("state = %s, want completed", r.State)
	}
	if r.Result != `{"name":"hammer"}` {
		t.Errorf("result = %q", r.Result)
	}
	if r.ClaimToken != "" {
		t.Errorf("claim token should be cleared, got %q", r.ClaimToken)
	}
}

func TestClaimNextNoneAvailable(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()
	session := mustCreate(t, m, "loc", 1)

	if _, err := m.ClaimNext(ctx, session.ID, "worker-a"); err != nil {
		t.Fatalf("first ClaimNext: %v", err)
	}
	// The only image is processing; a second claim must return immediately.
	_, err := m.ClaimNext(ctx, session.ID, "worker-b")
	if !errors.Is(err, ErrNoneAvailable) {
		t.Errorf("second ClaimNext: err = %v, want ErrNoneAvailable", err)
	}
}

func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()
	session := mustCreate(t, m, "loc", 1)

	var wg sync.WaitGroup
	results := make([]error, 2)
	records := make([]*models.ImageRecord, 2)
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			records[w], results[w] = m.ClaimNext(ctx, session.ID, fmt.Sprintf("worker-%d", w))
		}(w)
	}
	wg.Wait()

	winners := 0
	for w := 0; w < 2; w++ {
		switch {
		case results[w] == nil:
			winners++
		case errors.Is(results[w], ErrNoneAvailable):
		default:
			t.Errorf("worker %d: unexpected error %v", w, results[w])
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestNoDoubleProcessing(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()
	const images = 10
	const workers = 4
	session := mustCreate(t, m, "loc", images)

	var mu sync.Mutex
	seen := make(map[int]int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for claim := 0; ; claim++ {
				token := fmt.Sprintf("worker-%d-%d", w, claim)
				rec, err := m.ClaimNext(ctx, session.ID, token)
				if errors.Is(err, ErrNoneAvailable) {
					return
				}
				if err != nil {
					t.Errorf("ClaimNext: %v", err)
					return
				}
				mu.Lock()
				seen[rec.Index]++
				mu.Unlock()
				if err := m.ReportOutcome(ctx, session.ID, rec.Index, token, Success("{}")); err != nil {
					t.Errorf("ReportOutcome: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if len(seen) != images {
		t.Errorf("processed %d distinct images, want %d", len(seen), images)
	}
	for index, count := range seen {
		if count != 1 {
			t.Errorf("image %d claimed %d times without requeue", index, count)
		}
	}
}

func TestStaleClaimReportIgnored(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()
	session := mustCreate(t, m, "loc", 1)

	if _, err := m.ClaimNext(ctx, session.ID, "worker-a"); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	err := m.ReportOutcome(ctx, session.ID, 0, "worker-b", Success("{}"))
	if !errors.Is(err, ErrStaleClaim) {
		t.Fatalf("mismatched token report: err = %v, want ErrStaleClaim", err)
	}

	got := mustGet(t, m, session.ID)
	r := got.Images[0]
	if r.State != models.ImageProcessing || r.ClaimToken != "worker-a" {
		t.Errorf("record changed by stale report: %+v", r)
	}
	if r.Result != "" {
		t.Errorf("stale report must not set a result, got %q", r.Result)
	}
}

func TestRetryCap(t *testing.T) {
	const maxRetries = 3
	m := newTestManager(t, Options{MaxRetries: maxRetries})
	ctx := context.Background()
	session := mustCreate(t, m, "loc", 1)

	for attempt := 0; attempt < maxRetries+1; attempt++ {
		token := fmt.Sprintf("attempt-%d", attempt)
		rec, err := m.ClaimNext(ctx, session.ID, token)
		if err != nil {
			t.Fatalf("ClaimNext attempt %d: %v", attempt, err)
		}
		if rec.Index != 0 {
			t.Fatalf("claimed index %d on attempt %d", rec.Index, attempt)
		}
		if err := m.ReportOutcome(ctx, session.ID, 0, token, Failure("vision call failed")); err != nil {
			t.Fatalf("ReportOutcome attempt %d: %v", attempt, err)
		}
	}

	got := mustGet(t, m, session.ID)
	r := got.Images[0]
	if r.State != models.ImageFailedPermanently {
		t.Errorf("state = %s, want failed_permanently", r.State)
	}
	if r.RetryCount != maxRetries {
		t.Errorf("retry_count = %d, want %d", r.RetryCount, maxRetries)
	}
	if r.LastError != "vision call failed" {
		t.Errorf("last_error = %q", r.LastError)
	}

	if _, err := m.ClaimNext(ctx, session.ID, "late-worker"); !errors.Is(err, ErrNoneAvailable) {
		t.Errorf("permanently failed record claimed again: err = %v", err)
	}
}

func TestFailThreeTimesThenSucceed(t *testing.T) {
	const maxRetries = 3
	m := newTestManager(t, Options{MaxRetries: maxRetries})
	ctx := context.Background()
	session := mustCreate(t, m, "loc", 5)

	// Drain the session with one worker; image 2 fails three times before
	// succeeding on its fourth attempt.
	failCount := 0
	completed := 0
	for attempt := 0; completed < 5; attempt++ {
		if attempt > 20 {
			t.Fatal("claim loop did not converge")
		}
		token := fmt.Sprintf("attempt-%d", attempt)
		rec, err := m.ClaimNext(ctx, session.ID, token)
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if rec.Index == 2 && failCount < maxRetries {
			failCount++
			if err := m.ReportOutcome(ctx, session.ID, 2, token, Failure("blurry photo")); err != nil {
				t.Fatalf("ReportOutcome (failure): %v", err)
			}
			continue
		}
		if err := m.ReportOutcome(ctx, session.ID, rec.Index, token, Success(`{"name":"lamp"}`)); err != nil {
			t.Fatalf("ReportOutcome: %v", err)
		}
		completed++
	}

	if err := m.Complete(ctx, session.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got := mustGet(t, m, session.ID)
	if got.Status != models.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.Images[2].RetryCount != maxRetries {
		t.Errorf("retry_count = %d, want %d", got.Images[2].RetryCount, maxRetries)
	}
	if got.Images[2].LastError != "" {
		t.Errorf("last_error should be cleared on success, got %q", got.Images[2].LastError)
	}
}

func TestRetryFailedResetsPermanentFailures(t *testing.T) {
	m := newTestManager(t, Options{MaxRetries: 1})
	ctx := context.Background()
	session := mustCreate(t, m, "loc", 1)

	for attempt := 0; attempt < 2; attempt++ {
		token := fmt.Sprintf("attempt-%d", attempt)
		if _, err := m.ClaimNext(ctx, session.ID, token); err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if err := m.ReportOutcome(ctx, session.ID, 0, token, Failure("nope")); err != nil {
			t.Fatalf("ReportOutcome: %v", err)
		}
	}
	if got := mustGet(t, m, session.ID); got.Images[0].State != models.ImageFailedPermanently {
		t.Fatalf("setup failed, state = %s", got.Images[0].State)
	}

	if err := m.RetryFailed(ctx, session.ID); err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	got := mustGet(t, m, session.ID)
	if got.Images[0].State != models.ImagePending {
		t.Errorf("state = %s, want pending", got.Images[0].State)
	}
	if got.Images[0].RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0", got.Images[0].RetryCount)
	}
}

func TestStaleClaimSweepRequeues(t *testing.T) {
	m := newTestManager(t, Options{ClaimStaleAfter: 50 * time.Millisecond})
	ctx := context.Background()
	session := mustCreate(t, m, "loc", 1)

	if _, err := m.ClaimNext(ctx, session.ID, "vanished-worker"); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	// The worker never reports; the claim goes stale and another worker
	// picks the record up. An abandoned claim is not a failure.
	time.Sleep(80 * time.Millisecond)
	rec, err := m.ClaimNext(ctx, session.ID, "second-worker")
	if err != nil {
		t.Fatalf("ClaimNext after staleness: %v", err)
	}
	if rec.Index != 0 || rec.ClaimToken != "second-worker" {
		t.Errorf("reclaimed record = %+v", rec)
	}
	if rec.RetryCount != 0 {
		t.Errorf("retry_count = %d; abandonment must not count as failure", rec.RetryCount)
	}

	// The vanished worker's late report is now stale.
	err = m.ReportOutcome(ctx, session.ID, 0, "vanished-worker", Success("{}"))
	if !errors.Is(err, ErrStaleClaim) {
		t.Errorf("late report: err = %v, want ErrStaleClaim", err)
	}
}

func TestCompleteRequiresAllTerminal(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()
	session := mustCreate(t, m, "loc", 2)

	if err := m.Complete(ctx, session.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Complete with pending images: err = %v, want ErrInvalidState", err)
	}

	// A removed record does not block completion.
	token := "worker"
	rec, err := m.ClaimNext(ctx, session.ID, token)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := m.ReportOutcome(ctx, session.ID, rec.Index, token, Success("{}")); err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}
	if err := m.RemoveImage(ctx, session.ID, 1); err != nil {
		t.Fatalf("RemoveImage: %v", err)
	}
	if err := m.Complete(ctx, session.ID); err != nil {
		t.Errorf("Complete: %v", err)
	}
}

func TestArchiveIdempotent(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()
	session := mustCreate(t, m, "loc", 0)

	if err := m.Archive(ctx, session.ID); err != nil {
		t.Fatalf("first Archive: %v", err)
	}
	if err := m.Archive(ctx, session.ID); err != nil {
		t.Errorf("second Archive should be a no-op, got %v", err)
	}
	if _, err := m.Get(ctx, session.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("archived session still listed live: err = %v", err)
	}
}

func TestAbandonAndExpire(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	idle := mustCreate(t, m, "idle", 1)
	fresh := mustCreate(t, m, "fresh", 1)

	// Backdate the idle session's updated_at directly in the store.
	session, err := m.store.Read(idle.ID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	session.UpdatedAt = time.Now().UTC().Add(-100 * time.Hour)
	if err := m.store.Write(session); err != nil {
		t.Fatalf("Write: %v", err)
	}

	expired, err := m.ExpireInactive(ctx, 72*time.Hour)
	if err != nil {
		t.Fatalf("ExpireInactive: %v", err)
	}
	if expired != 1 {
		t.Errorf("expired = %d, want 1", expired)
	}

	if _, err := m.Get(ctx, idle.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("idle session should be archived away, err = %v", err)
	}
	archived, err := m.store.ReadArchived(idle.ID)
	if err != nil {
		t.Fatalf("ReadArchived: %v", err)
	}
	if archived.Status != models.StatusArchived {
		t.Errorf("archived status = %s", archived.Status)
	}

	if got := mustGet(t, m, fresh.ID); got.Status != models.StatusActive {
		t.Errorf("fresh session status = %s, want active", got.Status)
	}
}

func TestListSummaries(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()
	session := mustCreate(t, m, "Attic", 2)

	token := "worker"
	rec, err := m.ClaimNext(ctx, session.ID, token)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := m.ReportOutcome(ctx, session.ID, rec.Index, token, Success("{}")); err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}

	summaries, err := m.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("len(summaries) = %d, want 1", len(summaries))
	}
	s := summaries[0]
	if s.ID != session.ID || s.Images != 2 || s.Completed != 1 || s.Failed != 0 {
		t.Errorf("summary = %+v", s)
	}
}
