package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/philocalist9/gym-manage-sub000/internal/models"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("conflict")
	ErrNotFound          = errors.New("appointment not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrStorage           = errors.New("storage failure")
)

type ValidationError struct {
	Field   string
	Message string
}

func newValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ConflictError is returned for overlapping bookings and for stale writes.
// ConflictingIDs lists the appointments the request collided with.
type ConflictError struct {
	Message        string
	ConflictingIDs []string
}

func (e *ConflictError) Error() string {
	if len(e.ConflictingIDs) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, strings.Join(e.ConflictingIDs, ", "))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("appointment %s not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

type InvalidTransitionError struct {
	ID   string
	From models.AppointmentStatus
	To   models.AppointmentStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition appointment %s from %s to %s", e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// StorageError wraps a persistence failure. Nothing was committed, so it is
// the only error class callers may retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// IsRetryable reports whether err may be retried without re-validating input.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage)
}
