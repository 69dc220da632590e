package models

import "time"

// SessionStatus is the lifecycle status of a scan session.
type SessionStatus string

const (
	StatusActive     SessionStatus = "active"
	StatusRecovering SessionStatus = "recovering"
	StatusCompleted  SessionStatus = "completed"
	StatusArchived   SessionStatus = "archived"
	StatusAbandoned  SessionStatus = "abandoned"
)

// ImageState is the per-image processing state.
type ImageState string

const (
	ImagePending           ImageState = "pending"
	ImageProcessing        ImageState = "processing"
	ImageCompleted         ImageState = "completed"
	ImageFailedRetryable   ImageState = "failed_retryable"
	ImageFailedPermanently ImageState = "failed_permanently"
)

// ScanSession represents one batch of images being analyzed together
// toward a single inventory commit.
type ScanSession struct {
	ID        string        `json:"id"`
	Status    SessionStatus `json:"status"`
	Location  string        `json:"location"`
	Images    []ImageRecord `json:"images"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ImageRecord tracks one image within a scan session. Index is assigned at
// insertion and never reassigned; removal is logical via the Removed flag so
// indices stay stable.
type ImageRecord struct {
	Index      int        `json:"index"`
	Source     string     `json:"source"`
	State      ImageState `json:"state"`
	RetryCount int        `json:"retry_count"`
	Removed    bool       `json:"removed,omitempty"`
	ClaimToken string     `json:"claim_token,omitempty"`
	ClaimedAt  time.Time  `json:"claimed_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Result     string     `json:"result,omitempty"`
}

// Terminal reports whether the record needs no further processing.
func (r *ImageRecord) Terminal() bool {
	return r.State == ImageCompleted || r.State == ImageFailedPermanently
}

// Claimable reports whether the record is eligible for a new claim.
// Both pending and failed_retryable records may be claimed; the two states
// are kept distinct so the UI can show "retrying".
func (r *ImageRecord) Claimable() bool {
	if r.Removed {
		return false
	}
	return r.State == ImagePending || r.State == ImageFailedRetryable
}

// SessionSummary is the list-view projection of a session.
type SessionSummary struct {
	ID        string        `json:"id"`
	Status    SessionStatus `json:"status"`
	Location  string        `json:"location"`
	Images    int           `json:"images"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Summarize builds the list-view projection for the session. Removed records
// are excluded from the counts.
func (s *ScanSession) Summarize() SessionSummary {
	sum := SessionSummary{
		ID:        s.ID,
		Status:    s.Status,
		Location:  s.Location,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	for i := range s.Images {
		r := &s.Images[i]
		if r.Removed {
			continue
		}
		sum.Images++
		switch r.State {
		case ImageCompleted:
			sum.Completed++
		case ImageFailedPermanently:
			sum.Failed++
		}
	}
	return sum
}

// AllTerminal reports whether every non-removed image record is in a
// terminal state. A session may only be completed when this holds.
func (s *ScanSession) AllTerminal() bool {
	for i := range s.Images {
		r := &s.Images[i]
		if r.Removed {
			continue
		}
		if !r.Terminal() {
			return false
		}
	}
	return true
}
