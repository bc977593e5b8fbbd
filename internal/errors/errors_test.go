package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPIError_Error(t *testing.T) {
	err := NewAPIError("chat", 503, "unavailable")
	assert.Contains(t, err.Error(), "chat")
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "unavailable")
}

func TestAPIError_WithWrapped(t *testing.T) {
	inner := errors.New("connection refused")
	err := &APIError{Service: "todos", StatusCode: 500, Message: "fail", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewAPIError("todos", 429, "rate limit")))
	assert.True(t, IsRetryable(NewAPIError("todos", 502, "bad gateway")))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", NewAPIError("todos", 503, "unavailable"))))
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(ErrUnavailable))

	assert.False(t, IsRetryable(NewAPIError("todos", 400, "bad request")))
	assert.False(t, IsRetryable(NewAPIError("todos", 404, "not found")))
	assert.False(t, IsRetryable(ErrInvalidInput))
}

func TestSubmissionError(t *testing.T) {
	api := NewAPIError("chat", 500, "boom")
	err := &SubmissionError{Endpoint: "/chat/new", Err: api}

	assert.Contains(t, err.Error(), "/chat/new")
	assert.True(t, IsSubmission(err))
	assert.False(t, IsTransport(err))

	var got *APIError
	assert.True(t, errors.As(err, &got))
	assert.Equal(t, 500, got.StatusCode)
}

func TestStreamTransportError(t *testing.T) {
	err := &StreamTransportError{Remote: true, Message: "timeout"}
	assert.Equal(t, "stream: timeout", err.Error())
	assert.True(t, IsTransport(fmt.Errorf("turn: %w", err)))

	wrapped := &StreamTransportError{Message: "connection error", Err: ErrClosed}
	assert.ErrorIs(t, wrapped, ErrClosed)
}

func TestStreamProtocolError_TruncatesPayload(t *testing.T) {
	payload := ""
	for i := 0; i < 100; i++ {
		payload += "x"
	}
	err := &StreamProtocolError{Payload: payload, Err: ErrInvalidInput}
	assert.Contains(t, err.Error(), "…")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
