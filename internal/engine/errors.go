package engine

import (
	"errors"
	"fmt"

	"github.com/splitshelf/splitshelf/internal/storage"
)

// ValidationError marks a malformed or misattributed event or an
// operation against an unknown/terminal experiment. Always surfaced
// synchronously to the caller, never swallowed.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func validationErrorf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ExternalServiceError wraps a catalog API failure during rotation.
// It is recorded in rotation history and retried on a shortened
// schedule; it never aborts a scheduler tick as a whole.
type ExternalServiceError struct {
	Op  string
	Err error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("catalog %s: %v", e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// IsConsistency reports whether err means another writer already
// rotated the experiment (optimistic precondition failed at commit).
func IsConsistency(err error) bool {
	return errors.Is(err, storage.ErrStaleExperiment)
}
