package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrForbidden   = errors.New("forbidden")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation failed")
	ErrCrypto      = errors.New("crypto failure")
	ErrRateLimited = errors.New("rate limited")
	ErrInternal    = errors.New("internal error")

	// Authentication outcomes surfaced only by the validator.
	ErrDisabled = errors.New("api key disabled")
	ErrExpired  = errors.New("api key expired")
)

// ValidationError names the offending field. It matches ErrValidation with errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsTaxonomy reports whether err already belongs to the error taxonomy and can be
// surfaced to callers verbatim.
func IsTaxonomy(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrForbidden, ErrConflict, ErrValidation,
		ErrCrypto, ErrRateLimited, ErrInternal, ErrDisabled, ErrExpired,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
