package core

import (
	"errors"
	"fmt"
)

// FailureKind classifies a failed synthesis attempt.
type FailureKind string

const (
	// FailureTransient covers network, timeout and unclassified failures.
	FailureTransient FailureKind = "TRANSIENT"
	// FailureRateLimited means the credential is temporarily throttled.
	FailureRateLimited FailureKind = "RATE_LIMITED"
	// FailureAuthInvalid means the service rejected the credential.
	FailureAuthInvalid FailureKind = "AUTH_INVALID"
	// FailureFatal means the request can never succeed as sent.
	FailureFatal FailureKind = "FATAL"
)

// SynthesisError is the classified failure returned by a Synthesizer.
type SynthesisError struct {
	Kind       FailureKind
	StatusCode int
	Message    string
	Cause      error
}

// Error implements the error interface.
func (e *SynthesisError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *SynthesisError) Unwrap() error {
	return e.Cause
}

// NewSynthesisError creates a classified synthesis failure.
func NewSynthesisError(kind FailureKind, statusCode int, message string, cause error) *SynthesisError {
	return &SynthesisError{
		Kind:       kind,
		StatusCode: statusCode,
		Message:    message,
		Cause:      cause,
	}
}

// KindOf returns the failure kind carried by err. Unclassified errors are transient.
func KindOf(err error) FailureKind {
	var synthErr *SynthesisError
	if errors.As(err, &synthErr) {
		return synthErr.Kind
	}

	return FailureTransient
}
