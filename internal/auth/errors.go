package auth

import (
	"errors"
	"fmt"
)

// ErrorKind identifies the stage of the authentication or ingestion flow
// that produced an error.
type ErrorKind string

const (
	// KindTokenExchangeFailed marks a failed code or refresh grant at the
	// provider token endpoint.
	KindTokenExchangeFailed ErrorKind = "token_exchange_failed"

	// KindTokenValidationFailed marks a failed call to the validate endpoint.
	KindTokenValidationFailed ErrorKind = "token_validation_failed"

	// KindCredentialAcquisitionFailed marks a failed exchange with the
	// Cognito identity broker.
	KindCredentialAcquisitionFailed ErrorKind = "credential_acquisition_failed"

	// KindSessionExpired marks a refresh failure that forced a logout.
	KindSessionExpired ErrorKind = "session_expired"

	// KindDiscoveryFailed marks a failed pagination call during resource
	// discovery.
	KindDiscoveryFailed ErrorKind = "discovery_failed"

	// KindSubmissionFailed marks a failed analysis batch; non-fatal per chunk.
	KindSubmissionFailed ErrorKind = "submission_failed"

	// KindInitializationFailed marks an unexpected failure on the restore path.
	KindInitializationFailed ErrorKind = "initialization_failed"
)

// FlowError represents a stage-attributed failure in the authentication
// or ingestion flow.
type FlowError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

func (e *FlowError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewFlowError creates a stage-attributed error with an underlying cause.
func NewFlowError(kind ErrorKind, message string, cause error) *FlowError {
	return &FlowError{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the error kind from err, or an empty kind when err does not
// carry one.
func KindOf(err error) ErrorKind {
	var flowErr *FlowError
	if errors.As(err, &flowErr) {
		return flowErr.Kind
	}
	return ""
}

// IsFlowError checks if an error is a stage-attributed flow error.
func IsFlowError(err error) bool {
	var flowErr *FlowError
	return errors.As(err, &flowErr)
}

// GetUserFriendlyMessage returns a user-facing message for err. Stage detail
// stays in logs; the user sees a single authentication failure message.
func GetUserFriendlyMessage(err error) string {
	switch KindOf(err) {
	case KindTokenExchangeFailed, KindTokenValidationFailed, KindCredentialAcquisitionFailed:
		return "Authentication failed. Please try again."
	case KindSessionExpired:
		return "Your session has expired. Please log in again."
	case KindDiscoveryFailed:
		return "Could not load your library. Please try again later."
	case KindInitializationFailed:
		return "Failed to initialize authentication."
	default:
		return "An unexpected error occurred. Please try again."
	}
}
