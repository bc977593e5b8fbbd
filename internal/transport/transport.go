// Package transport talks to the chat backend: it submits chat messages as
// jobs and attaches to the live frame stream that carries each job's reply.
//
// Three stream strategies are provided. SSEStreamer and WSStreamer subscribe
// to a stream addressed by job id; BodyStreamer posts the message and parses
// the chunked response body. All of them deliver frames through the same
// subscription guard, so callers get identical ordering and completion
// guarantees regardless of strategy.
package transport

import (
	"context"

	"github.com/p-blackswan/todo-maistro/internal/frame"
)

// Handle identifies one submitted turn.
type Handle struct {
	// JobID addresses the stream. Empty for the streaming-body strategy,
	// where the backend announces it in the start frame.
	JobID string

	// ThreadID is the conversation the job belongs to. Set when the backend
	// issued or confirmed one in its submission response.
	ThreadID string

	// New is true when the submission started a new conversation.
	New bool

	pending *chatRequest
}

// Handlers receives the events of one stream. Frames arrive in receipt order
// on a single goroutine. For every stream that is not closed first, exactly
// one of OnComplete or OnError is called, after the last OnFrame.
type Handlers struct {
	OnFrame    func(frame.Frame)
	OnError    func(error)
	OnComplete func()
}

// Subscription is an open stream. Close releases the connection; once Close
// returns no handler begins to run. Close is idempotent and safe to call
// from any goroutine, including from inside a handler.
type Subscription interface {
	Close()
}

// Streamer opens the live stream for a submitted job.
type Streamer interface {
	Open(ctx context.Context, h Handle, handlers Handlers) (Subscription, error)
}

// JobClient submits over HTTP and streams with a job-addressed Streamer.
type JobClient struct {
	*Client
	streamer Streamer
}

// NewJobClient pairs the HTTP client with a job-addressed streamer.
func NewJobClient(c *Client, s Streamer) *JobClient {
	return &JobClient{Client: c, streamer: s}
}

// Open attaches to the stream of h.JobID.
func (j *JobClient) Open(ctx context.Context, h Handle, handlers Handlers) (Subscription, error) {
	return j.streamer.Open(ctx, h, handlers)
}
