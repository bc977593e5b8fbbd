// Package errors provides structured error types for the chat client and its
// development backend.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout      = errors.New("operation timed out")
	ErrRateLimit    = errors.New("rate limit exceeded")
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("service unavailable")
	ErrExpired      = errors.New("resource expired")
	ErrClosed       = errors.New("connection closed")
)

// APIError represents a non-success response from the chat backend.
type APIError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message}
}

// SubmissionError is an HTTP or network failure before a job exists. The turn
// is over; the caller does not retry.
type SubmissionError struct {
	Endpoint string
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit %s: %v", e.Endpoint, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// StreamProtocolError is a frame payload that could not be decoded. The frame
// is skipped and the stream continues.
type StreamProtocolError struct {
	Payload string
	Err     error
}

func (e *StreamProtocolError) Error() string {
	return fmt.Sprintf("malformed frame %q: %v", truncate(e.Payload, 64), e.Err)
}

func (e *StreamProtocolError) Unwrap() error { return e.Err }

// StreamTransportError is a dropped connection or an error frame sent by the
// backend. Any partial reply is discarded.
type StreamTransportError struct {
	// Remote is true when the backend sent an explicit error frame.
	Remote  bool
	Message string
	Err     error
}

func (e *StreamTransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stream: %s: %v", e.Message, e.Err)
	}
	return "stream: " + e.Message
}

func (e *StreamTransportError) Unwrap() error { return e.Err }

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrUnavailable)
}

// IsSubmission reports whether err is a SubmissionError.
func IsSubmission(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se)
}

// IsTransport reports whether err is a StreamTransportError.
func IsTransport(err error) bool {
	var te *StreamTransportError
	return errors.As(err, &te)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
