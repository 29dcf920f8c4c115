package models

import (
	"errors"
	"fmt"
)

// DenyReason is the machine-readable reason an admission was rejected
type DenyReason string

// DenyReason constants
const (
	DenyRateLimitedUser          DenyReason = "rate_limited_user"
	DenyRateLimitedTenant        DenyReason = "rate_limited_tenant"
	DenyConcurrencyLimitedUser   DenyReason = "concurrency_limited_user"
	DenyConcurrencyLimitedTenant DenyReason = "concurrency_limited_tenant"
	DenyQuotaExceededDaily       DenyReason = "quota_exceeded_daily"
	DenyQuotaExceededMonthly     DenyReason = "quota_exceeded_monthly"
	DenyFileTooLarge             DenyReason = "file_too_large"
	DenyClipTooLong              DenyReason = "clip_too_long"
	DenyDiarizationDisabled      DenyReason = "diarization_disabled"
	DenyInvalidModel             DenyReason = "invalid_model"
)

var (
	// ErrNotFound is returned for unknown job ids
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a job is not in the expected state
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrIdempotencyInFlight is returned while an earlier submission with the
	// same Idempotency-Key has not finished admission
	ErrIdempotencyInFlight = errors.New("idempotency key in flight")

	// ErrLeaseLost is returned when a worker heartbeats a job it no longer runs
	ErrLeaseLost = errors.New("job no longer held by this worker")
)

// DeniedError is returned when admission policy rejects a submission
type DeniedError struct {
	Reason DenyReason
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("admission denied: %s", e.Reason)
}

// Deny builds a DeniedError for reason
func Deny(reason DenyReason) *DeniedError {
	return &DeniedError{Reason: reason}
}

// AsDenied extracts a DeniedError from err's chain
func AsDenied(err error) (*DeniedError, bool) {
	var de *DeniedError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// ValidationError is a malformed request or option value
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// TransitionError describes a rejected state change
type TransitionError struct {
	JobID  string
	From   JobStatus
	To     JobStatus
	Actual JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot transition %s -> %s (current %s)", e.JobID, e.From, e.To, e.Actual)
}

// Unwrap lets errors.Is match ErrInvalidTransition
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
