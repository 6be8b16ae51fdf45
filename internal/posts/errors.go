package posts

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("post not found")
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrClaimConflict means another sweep already owns the post.
	ErrClaimConflict = errors.New("post already claimed")

	// ErrConflict is returned by compare-and-swap writes that lost a race.
	ErrConflict = errors.New("concurrent update conflict")

	ErrNoPlatforms     = errors.New("at least one platform is required")
	ErrUnknownPlatform = errors.New("unknown platform")
	ErrEmptyContent    = errors.New("content is required")
	ErrQuotaExceeded   = errors.New("daily post quota exceeded")

	ErrNegativeEngagement = errors.New("engagement counts must not be negative")

	ErrDispatchTimeout = errors.New("platform publish timed out")
	ErrDispatchPanic   = errors.New("platform connector panicked")
)

// AdmissionError rejects a schedule request before anything is persisted.
type AdmissionError struct {
	Reason string
	Err    error
}

func (e *AdmissionError) Error() string {
	if e.Reason == "" {
		return "admission rejected: " + e.Err.Error()
	}
	return fmt.Sprintf("admission rejected: %s: %v", e.Reason, e.Err)
}

func (e *AdmissionError) Unwrap() error { return e.Err }

// Admission wraps err as an AdmissionError.
func Admission(reason string, err error) error {
	return &AdmissionError{Reason: reason, Err: err}
}

// PlatformDispatchError is a single platform's publish failure. It never
// aborts sibling dispatches.
type PlatformDispatchError struct {
	PlatformID string
	Err        error
}

func (e *PlatformDispatchError) Error() string {
	return fmt.Sprintf("dispatch %s: %v", e.PlatformID, e.Err)
}

func (e *PlatformDispatchError) Unwrap() error { return e.Err }

// PersistenceError is a store failure while claiming or finalizing a post.
type PersistenceError struct {
	Op     string
	PostID string
	Err    error
}

func (e *PersistenceError) Error() string {
	if e.PostID == "" {
		return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence %s (post %s): %v", e.Op, e.PostID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// OptimizationFeedbackError is logged and swallowed by callers; it never
// affects a post's publish outcome.
type OptimizationFeedbackError struct {
	PlatformID string
	Err        error
}

func (e *OptimizationFeedbackError) Error() string {
	return fmt.Sprintf("optimization feedback %s: %v", e.PlatformID, e.Err)
}

func (e *OptimizationFeedbackError) Unwrap() error { return e.Err }
