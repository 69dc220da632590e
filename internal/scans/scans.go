// Package scans implements the scan session lifecycle: creating sessions,
// adding images, claiming images for analysis, reporting outcomes, retrying
// failures, and archival. Every mutation runs a lock -> read -> mutate ->
// persist cycle against the durable record store, so the on-disk file is the
// single source of truth and in-memory copies are never trusted across lock
// boundaries.
package scans

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lehigh-university-libraries/scanventory/internal/lockfile"
	"github.com/lehigh-university-libraries/scanventory/internal/models"
	"github.com/lehigh-university-libraries/scanventory/internal/store"
)

const (
	// DefaultMaxRetries is how many times a failed image is automatically
	// requeued before it becomes failed_permanently.
	DefaultMaxRetries = 3

	// DefaultClaimStaleAfter is how long a processing record may go without
	// an outcome before the sweep hands it back to pending.
	DefaultClaimStaleAfter = 5 * time.Minute

	// DefaultLockTimeout bounds a single lock acquisition attempt.
	DefaultLockTimeout = 5 * time.Second

	// lockAttempts is how many lock timeouts are absorbed before ErrBusy.
	lockAttempts = 3
)

// Manager is the session lifecycle API. All mutations on a session are
// serialized through the per-session file lock; different sessions are fully
// independent.
type Manager struct {
	store           *store.Store
	locks           *lockfile.Manager
	maxRetries      int
	claimStaleAfter time.Duration
	lockTimeout     time.Duration
}

// Options tune Manager behavior; zero values take the defaults.
type Options struct {
	MaxRetries      int
	ClaimStaleAfter time.Duration
	LockTimeout     time.Duration
}

// NewManager creates a Manager over the given store and lock manager.
func NewManager(st *store.Store, locks *lockfile.Manager, opts Options) *Manager {
	m := &Manager{
		store:           st,
		locks:           locks,
		maxRetries:      opts.MaxRetries,
		claimStaleAfter: opts.ClaimStaleAfter,
		lockTimeout:     opts.LockTimeout,
	}
	if m.maxRetries <= 0 {
		m.maxRetries = DefaultMaxRetries
	}
	if m.claimStaleAfter <= 0 {
		m.claimStaleAfter = DefaultClaimStaleAfter
	}
	if m.lockTimeout <= 0 {
		m.lockTimeout = DefaultLockTimeout
	}
	return m
}

// Outcome is the result of one analysis attempt on a claimed image.
type Outcome struct {
	OK     bool
	Result string // candidate item payload, set on success
	Err    string // failure description, set on failure
}

// Success builds a successful outcome carrying the analysis payload.
func Success(result string) Outcome {
	return Outcome{OK: true, Result: result}
}

// Failure builds a failed outcome carrying the error description.
func Failure(msg string) Outcome {
	return Outcome{Err: msg}
}

// Create allocates a new session id, persists the initial record, and
// returns the empty active session.
func (m *Manager) Create(ctx context.Context, location string) (*models.ScanSession, error) {
	now := time.Now().UTC()
	session := &models.ScanSession{
		ID:        uuid.NewString(),
		Status:    models.StatusActive,
		Location:  location,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Write(session); err != nil {
		return nil, fmt.Errorf("persist new session: %w", err)
	}
	slog.Info("scan session created", "session_id", session.ID, "location", location)
	return session, nil
}

// Get returns a point-in-time snapshot of a session. Record files are
// replaced atomically, so a plain read is always a complete version.
func (m *Manager) Get(ctx context.Context, id string) (*models.ScanSession, error) {
	return m.store.Read(id)
}

// List returns summaries of all non-archived sessions, most recently
// updated first. Corrupt record files are logged and skipped.
func (m *Manager) List(ctx context.Context) ([]models.SessionSummary, error) {
	ids, err := m.store.ListIDs()
	if err != nil {
		return nil, err
	}
	summaries := make([]models.SessionSummary, 0, len(ids))
	for _, id := range ids {
		session, err := m.store.Read(id)
		if err != nil {
			slog.Warn("skipping unreadable session record", "session_id", id, "err", err)
			continue
		}
		summaries = append(summaries, session.Summarize())
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

// AddImages appends pending image records for the given sources at the next
// available indices. The session must be active.
func (m *Manager) AddImages(ctx context.Context, id string, sources []string) error {
	if len(sources) == 0 {
		return nil
	}
	return m.mutate(ctx, id, func(s *models.ScanSession) (bool, error) {
		if s.Status != models.StatusActive {
			return false, fmt.Errorf("add images to %s session: %w", s.Status, ErrInvalidState)
		}
		next := len(s.Images)
		for i, src := range sources {
			s.Images = append(s.Images, models.ImageRecord{
				Index:  next + i,
				Source: src,
				State:  models.ImagePending,
			})
		}
		slog.Info("images added", "session_id", id, "count", len(sources), "total", len(s.Images))
		return true, nil
	})
}

// ClaimNext hands the lowest-index claimable image record to workerToken and
// marks it processing. It never blocks waiting for work: ErrNoneAvailable
// means nothing is eligible right now. Stale claims (a worker that vanished
// without reporting) are swept back to pending first, without counting as a
// failure.
func (m *Manager) ClaimNext(ctx context.Context, id, workerToken string) (*models.ImageRecord, error) {
	var claimed models.ImageRecord
	err := m.mutate(ctx, id, func(s *models.ScanSession) (bool, error) {
		if s.Status != models.StatusActive {
			return false, fmt.Errorf("claim from %s session: %w", s.Status, ErrInvalidState)
		}
		dirty := m.sweepStaleClaims(s)
		for i := range s.Images {
			r := &s.Images[i]
			if !r.Claimable() {
				continue
			}
			r.State = models.ImageProcessing
			r.ClaimToken = workerToken
			r.ClaimedAt = time.Now().UTC()
			claimed = *r
			return true, nil
		}
		return dirty, ErrNoneAvailable
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

// sweepStaleClaims requeues processing records whose claim heartbeat is
// older than the staleness threshold. An abandoned claim is not a failure:
// the retry count is untouched because no outcome was ever reported.
func (m *Manager) sweepStaleClaims(s *models.ScanSession) bool {
	dirty := false
	for i := range s.Images {
		r := &s.Images[i]
		if r.State != models.ImageProcessing || r.Removed {
			continue
		}
		if time.Since(r.ClaimedAt) <= m.claimStaleAfter {
			continue
		}
		slog.Warn("reclaiming abandoned image claim",
			"session_id", s.ID, "index", r.Index, "token", r.ClaimToken,
			"claimed_at", r.ClaimedAt)
		r.State = models.ImagePending
		r.ClaimToken = ""
		r.ClaimedAt = time.Time{}
		dirty = true
	}
	return dirty
}

// ReportOutcome records the result of an analysis attempt. A report whose
// worker token no longer matches the record's claim returns ErrStaleClaim
// and changes nothing; a late report from a superseded attempt must not
// clobber current state.
func (m *Manager) ReportOutcome(ctx context.Context, id string, index int, workerToken string, outcome Outcome) error {
	return m.mutate(ctx, id, func(s *models.ScanSession) (bool, error) {
		r := findRecord(s, index)
		if r == nil {
			return false, fmt.Errorf("no image record at index %d: %w", index, ErrInvalidState)
		}
		if r.State != models.ImageProcessing || r.ClaimToken != workerToken {
			slog.Warn("ignoring stale outcome report",
				"session_id", id, "index", index, "state", r.State,
				"reported_token", workerToken, "current_token", r.ClaimToken)
			return false, ErrStaleClaim
		}

		if outcome.OK {
			r.State = models.ImageCompleted
			r.Result = outcome.Result
			r.LastError = ""
			r.ClaimToken = ""
			r.ClaimedAt = time.Time{}
			slog.Info("image analysis completed", "session_id", id, "index", index)
			return true, nil
		}

		r.LastError = outcome.Err
		r.ClaimToken = ""
		r.ClaimedAt = time.Time{}
		if r.RetryCount < m.maxRetries {
			r.RetryCount++
			r.State = models.ImageFailedRetryable
			slog.Warn("image analysis failed, will retry",
				"session_id", id, "index", index, "retry", r.RetryCount, "err", outcome.Err)
		} else {
			r.State = models.ImageFailedPermanently
			slog.Error("image analysis failed permanently",
				"session_id", id, "index", index, "retries", r.RetryCount, "err", outcome.Err)
		}
		return true, nil
	})
}

// RetryFailed resets every permanently failed record back to pending with a
// fresh retry budget. Intended for an explicit user-triggered "try again".
func (m *Manager) RetryFailed(ctx context.Context, id string) error {
	return m.mutate(ctx, id, func(s *models.ScanSession) (bool, error) {
		if s.Status != models.StatusActive {
			return false, fmt.Errorf("retry failed on %s session: %w", s.Status, ErrInvalidState)
		}
		dirty := false
		for i := range s.Images {
			r := &s.Images[i]
			if r.Removed || r.State != models.ImageFailedPermanently {
				continue
			}
			r.State = models.ImagePending
			r.RetryCount = 0
			dirty = true
		}
		if dirty {
			slog.Info("permanently failed images requeued", "session_id", id)
		}
		return dirty, nil
	})
}

// RemoveImage logically removes a record. The index is never reassigned, so
// later records keep their positions.
func (m *Manager) RemoveImage(ctx context.Context, id string, index int) error {
	return m.mutate(ctx, id, func(s *models.ScanSession) (bool, error) {
		r := findRecord(s, index)
		if r == nil {
			return false, fmt.Errorf("no image record at index %d: %w", index, ErrInvalidState)
		}
		if r.Removed {
			return false, nil
		}
		r.Removed = true
		return true, nil
	})
}

// Complete transitions an active session to completed once every non-removed
// record is terminal.
func (m *Manager) Complete(ctx context.Context, id string) error {
	return m.mutate(ctx, id, func(s *models.ScanSession) (bool, error) {
		if s.Status != models.StatusActive {
			return false, fmt.Errorf("complete %s session: %w", s.Status, ErrInvalidState)
		}
		if !s.AllTerminal() {
			return false, fmt.Errorf("session has unfinished images: %w", ErrInvalidState)
		}
		s.Status = models.StatusCompleted
		slog.Info("scan session completed", "session_id", id)
		return true, nil
	})
}

// Abandon marks a session abandoned. Abandoned sessions serve no claims.
func (m *Manager) Abandon(ctx context.Context, id string) error {
	return m.mutate(ctx, id, func(s *models.ScanSession) (bool, error) {
		switch s.Status {
		case models.StatusAbandoned:
			return false, nil
		case models.StatusActive, models.StatusRecovering:
			s.Status = models.StatusAbandoned
			slog.Info("scan session abandoned", "session_id", id)
			return true, nil
		default:
			return false, fmt.Errorf("abandon %s session: %w", s.Status, ErrInvalidState)
		}
	})
}

// Archive moves the session's record file to archival storage. Calling it
// again for an already-archived session is a no-op.
func (m *Manager) Archive(ctx context.Context, id string) error {
	guard, err := m.lockSession(ctx, id)
	if err != nil {
		return err
	}
	defer guard.Release()

	session, err := m.store.Read(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Idempotence: the record may already live in the archive.
			if _, aerr := m.store.ReadArchived(id); aerr == nil {
				return nil
			}
		}
		return err
	}
	session.Status = models.StatusArchived
	session.UpdatedAt = time.Now().UTC()
	if err := m.store.Write(session); err != nil {
		return fmt.Errorf("persist session %s: %w", id, err)
	}
	if err := m.store.Archive(id); err != nil {
		return err
	}
	slog.Info("scan session archived", "session_id", id)
	return nil
}

// ExpireInactive abandons and archives sessions that have not been touched
// within the inactivity window. Returns how many sessions were expired.
func (m *Manager) ExpireInactive(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := m.store.ListIDs()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	expired := 0
	for _, id := range ids {
		session, err := m.store.Read(id)
		if err != nil {
			slog.Warn("skipping unreadable session record", "session_id", id, "err", err)
			continue
		}
		if session.Status == models.StatusCompleted || !session.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := m.Abandon(ctx, id); err != nil && !errors.Is(err, ErrInvalidState) {
			return expired, err
		}
		if err := m.Archive(ctx, id); err != nil {
			return expired, err
		}
		slog.Info("inactive scan session expired", "session_id", id, "updated_at", session.UpdatedAt)
		expired++
	}
	return expired, nil
}

// mutate runs one lock -> read -> mutate -> persist cycle. fn returns
// whether it changed the session; changes are persisted even when fn also
// returns an error (e.g. a staleness sweep that found nothing to claim).
// The in-memory state advances only if the write succeeds.
func (m *Manager) mutate(ctx context.Context, id string, fn func(*models.ScanSession) (bool, error)) error {
	guard, err := m.lockSession(ctx, id)
	if err != nil {
		return err
	}
	defer guard.Release()

	session, err := m.store.Read(id)
	if err != nil {
		return err
	}

	dirty, fnErr := fn(session)
	if dirty {
		session.UpdatedAt = time.Now().UTC()
		if err := m.store.Write(session); err != nil {
			return fmt.Errorf("persist session %s: %w", id, err)
		}
	}
	return fnErr
}

// lockSession acquires the per-session lock, absorbing a bounded number of
// timeouts before surfacing ErrBusy. Busy is never silently dropped.
func (m *Manager) lockSession(ctx context.Context, id string) (*lockfile.Guard, error) {
	var lastErr error
	for attempt := 0; attempt < lockAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		guard, err := m.locks.Acquire(id, m.lockTimeout)
		if err == nil {
			return guard, nil
		}
		if !errors.Is(err, lockfile.ErrTimeout) {
			return nil, err
		}
		lastErr = err
		slog.Warn("session lock timeout, retrying", "session_id", id, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("session %s: %w: %w", id, ErrBusy, lastErr)
}

func findRecord(s *models.ScanSession, index int) *models.ImageRecord {
	for i := range s.Images {
		if s.Images[i].Index == index {
			return &s.Images[i]
		}
	}
	return nil
}
