package graph

import (
	"errors"
	"fmt"
)

// Error codes for store operations. The code, not the message, drives
// retry policy downstream.
const (
	// ErrCodeRateLimited: the store or its backing LLM account throttled
	// the request. Retriable with backoff.
	ErrCodeRateLimited = "rate_limited"
	// ErrCodeValidation: the episode itself is malformed (bad group ID,
	// reserved field collision). Retrying without fixing it is pointless.
	ErrCodeValidation = "validation"
	// ErrCodeServerError: the store failed internally. Retriable.
	ErrCodeServerError = "server_error"
	// ErrCodeUnavailable: the store is unreachable. Retriable.
	ErrCodeUnavailable = "unavailable"
	// ErrCodeAuth: credentials rejected. Not retriable.
	ErrCodeAuth = "auth"
	// ErrCodeUnknown: anything unclassified. Not retriable.
	ErrCodeUnknown = "unknown"
)

// StoreError is the tagged error returned by Store implementations.
// Retryable is authoritative: the commit pipeline's backoff policy is a
// pure function of this flag.
type StoreError struct {
	Code       string
	Message    string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *StoreError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("graph store: %s (%d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("graph store: %s: %s", e.Code, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError builds a StoreError with Retryable derived from the code.
func NewStoreError(code, message string, statusCode int, err error) *StoreError {
	return &StoreError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  code == ErrCodeRateLimited || code == ErrCodeServerError || code == ErrCodeUnavailable,
		Err:        err,
	}
}

// IsRetryable reports whether err is a store error worth retrying.
func IsRetryable(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// IsValidation reports whether err is a validation rejection that must be
// fixed before resubmission.
func IsValidation(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code == ErrCodeValidation
	}
	return false
}

// IsRateLimited reports whether err is specifically a rate-limit rejection.
func IsRateLimited(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code == ErrCodeRateLimited
	}
	return false
}
