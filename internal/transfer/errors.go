package transfer

import (
	"fmt"
	"net/http"

	"github.com/italolelis/media_relay/internal/job"
)

// Error is the classified failure of the transfer stage. ChunkIndex is -1
// when the failure is not tied to a chunk.
type Error struct {
	Kind       job.FailureKind
	ChunkIndex int
	Err        error
}

func (e *Error) Error() string {
	if e.ChunkIndex < 0 {
		return fmt.Sprintf("transfer failed: %s: %v", e.Kind, e.Err)
	}

	return fmt.Sprintf("transfer of chunk %d failed: %s: %v", e.ChunkIndex, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) FailureKind() job.FailureKind {
	return e.Kind
}

// RejectedError represents content the destination refused outright, such as
// an object over its size limit or an invalid name.
type RejectedError struct {
	Name   string // Name of the artifact that was rejected
	Reason string // Human-readable explanation of the rejection
	Err    error  // Underlying error, if any
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("destination rejected %s: %s", e.Name, e.Reason)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

func (e *RejectedError) FailureKind() job.FailureKind {
	return job.FailureDestinationRejected
}

// NetworkError represents network failures and API errors including 5xx responses,
// connection timeouts, and rate limiting.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "upload_chunk", "assemble")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the API or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// FailureKind treats client errors other than throttling as a rejection.
func (e *NetworkError) FailureKind() job.FailureKind {
	if e.StatusCode >= http.StatusBadRequest && e.StatusCode < http.StatusInternalServerError &&
		e.StatusCode != http.StatusTooManyRequests && e.StatusCode != http.StatusRequestTimeout {
		return job.FailureDestinationRejected
	}

	return job.FailureNetworkTransient
}

// DirectoryError represents failures resolving or creating the destination
// folder of a job.
type DirectoryError struct {
	DirectoryName string // The directory name that caused the error
	Reason        string // Human-readable explanation of the directory error
	Err           error  // Underlying error, if any
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("directory error for '%s': %s", e.DirectoryName, e.Reason)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}

func (e *DirectoryError) FailureKind() job.FailureKind {
	return job.FailureDestinationRejected
}

// AuthenticationError represents authentication and authorization failures
// including 401 Unauthorized and 403 Forbidden responses.
type AuthenticationError struct {
	Operation string // The operation that required authentication
	Err       error  // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

func (e *AuthenticationError) FailureKind() job.FailureKind {
	return job.FailureDestinationRejected
}

// HTTPError builds the error of a failed HTTP-backed destination call.
func HTTPError(operation string, status int, message string, err error) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthenticationError{Operation: operation, Err: err}
	}

	return &NetworkError{Operation: operation, StatusCode: status, APIMessage: message, Err: err}
}
