package scans

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lehigh-university-libraries/scanventory/internal/models"
	"github.com/lehigh-university-libraries/scanventory/internal/store"
)

// RecoveryReport records what the startup recovery pass found.
type RecoveryReport struct {
	Scanned   int
	Recovered []string // sessions with in-flight claims that were requeued
	Corrupt   []string // sessions whose record file could not be parsed
}

// RecoverAll reconciles the durable store after a process restart. It must
// run before any claims are served: a prior process may have crashed with
// images still marked processing, and those claims can no longer report.
// Every such record goes back to pending with the retry count untouched.
// Unparseable record files are reported and preserved, never resumed.
func (m *Manager) RecoverAll(ctx context.Context) (*RecoveryReport, error) {
	ids, err := m.store.ListIDs()
	if err != nil {
		return nil, fmt.Errorf("list sessions for recovery: %w", err)
	}

	report := &RecoveryReport{Scanned: len(ids)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		recovered, err := m.recoverOne(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrCorrupt) {
				slog.Error("session record unparseable, preserving for diagnostics",
					"session_id", id, "path", m.store.Path(id), "err", err)
				report.Corrupt = append(report.Corrupt, id)
				continue
			}
			return report, fmt.Errorf("recover session %s: %w", id, err)
		}
		if recovered {
			report.Recovered = append(report.Recovered, id)
		}
	}

	slog.Info("session recovery finished",
		"scanned", report.Scanned,
		"recovered", len(report.Recovered),
		"corrupt", len(report.Corrupt))
	return report, nil
}

func (m *Manager) recoverOne(ctx context.Context, id string) (bool, error) {
	recovered := false
	err := m.mutate(ctx, id, func(s *models.ScanSession) (bool, error) {
		if s.Status != models.StatusActive && s.Status != models.StatusRecovering {
			return false, nil
		}
		dirty := false
		for i := range s.Images {
			r := &s.Images[i]
			if r.State != models.ImageProcessing {
				continue
			}
			slog.Warn("requeueing image left processing by previous process",
				"session_id", s.ID, "index", r.Index, "token", r.ClaimToken)
			r.State = models.ImagePending
			r.ClaimToken = ""
			r.ClaimedAt = time.Time{}
			dirty = true
		}
		if s.Status == models.StatusRecovering {
			s.Status = models.StatusActive
			dirty = true
		}
		recovered = dirty
		return dirty, nil
	})
	return recovered, err
}
