package workstate

import (
	"errors"
	"fmt"
)

var (
	ErrCorruptDocument   = errors.New("corrupt persisted document")
	ErrCapacityExceeded  = errors.New("storage capacity exceeded")
	ErrRemoteUnavailable = errors.New("remote service unavailable")
	ErrImportValidation  = errors.New("import validation failed")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotImplemented    = errors.New("not implemented")
)

// CapacityError carries the sizing detail behind an ErrCapacityExceeded.
// Limit is zero when the failure came from the medium itself rather than
// the configured document quota.
type CapacityError struct {
	Limit     int64
	Attempted int64
	Cause     error
}

func (e *CapacityError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("storage capacity exceeded: document is %d bytes, limit is %d", e.Attempted, e.Limit)
	}
	if e.Cause != nil {
		return "storage capacity exceeded: " + e.Cause.Error()
	}
	return "storage capacity exceeded"
}

func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacityExceeded
}

func (e *CapacityError) Unwrap() error {
	return e.Cause
}
