package scans

import "errors"

var (
	// ErrInvalidState indicates the operation is not legal for the current
	// session or record state.
	ErrInvalidState = errors.New("operation not valid in current state")

	// ErrBusy indicates lock acquisition kept timing out after bounded
	// retries. The operation was never applied.
	ErrBusy = errors.New("session busy")

	// ErrStaleClaim indicates a reported outcome whose worker token no
	// longer matches the record's claim. The record is unchanged; callers
	// treat this as a no-op acknowledgment.
	ErrStaleClaim = errors.New("stale claim token")

	// ErrNoneAvailable indicates no image record is eligible for claiming.
	ErrNoneAvailable = errors.New("no image available to claim")
)
