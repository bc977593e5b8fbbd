package transport

import (
	"context"
	"fmt"
	"net/http"

	perrors "github.com/p-blackswan/todo-maistro/internal/errors"
	"github.com/p-blackswan/todo-maistro/internal/frame"
)

const streamSuffix = "/stream"

// BodyStreamer posts the chat message to /chat/{new|continue}/stream and
// parses the response body as newline-separated "data: " records.
type BodyStreamer struct {
	client *Client
}

// NewBodyStreamer creates a streaming-body strategy on top of c.
func NewBodyStreamer(c *Client) *BodyStreamer {
	return &BodyStreamer{client: c}
}

// Open issues the streaming request for a handle produced by
// BodyClient.Submit. A non-2xx response is a *errors.SubmissionError
// because no job exists yet.
func (st *BodyStreamer) Open(ctx context.Context, h Handle, handlers Handlers) (Subscription, error) {
	if h.pending == nil {
		return nil, fmt.Errorf("open stream: handle was not issued by BodyClient: %w", perrors.ErrInvalidInput)
	}
	c := st.client
	endpoint := h.pending.endpoint() + streamSuffix
	logger := c.logger.With().Str("strategy", "body").Str("endpoint", endpoint).Logger()

	sub := newSubscription(ctx, handlers, logger, c.metrics)
	stop := sub.dialing(ctx)
	defer stop()

	req, err := c.newRequest(sub.ctx, http.MethodPost, endpoint, h.pending)
	if err != nil {
		sub.release()
		return nil, &perrors.SubmissionError{Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		sub.release()
		c.metrics.RecordError("transport", "submit")
		return nil, &perrors.SubmissionError{Endpoint: endpoint, Err: err}
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		sub.release()
		c.metrics.RecordError("transport", "submit")
		return nil, &perrors.SubmissionError{Endpoint: endpoint, Err: err}
	}
	sub.onRelease(func() { resp.Body.Close() })

	rd := frame.NewReader(resp.Body, frame.ModeLine, c.cfg.ChunkSize)
	rd.SetMaxRecord(c.cfg.MaxRecord)

	logger.Debug().Msg("stream opened")
	sub.start(rd)
	return sub, nil
}

// BodyClient is the streaming-body transport. The request that submits the
// message is the stream, so Submit only prepares it and Open sends it.
type BodyClient struct {
	*Client
	streamer *BodyStreamer
}

// NewBodyClient creates the streaming-body transport.
func NewBodyClient(c *Client) *BodyClient {
	return &BodyClient{Client: c, streamer: NewBodyStreamer(c)}
}

// Submit returns a pending handle without network I/O. The job and, for a
// new conversation, the thread are announced by the start frame.
func (b *BodyClient) Submit(_ context.Context, userID, threadID, message string) (Handle, error) {
	return Handle{
		ThreadID: threadID,
		New:      threadID == "",
		pending:  newChatRequest(userID, threadID, message),
	}, nil
}

// Open sends the pending submission and streams its reply.
func (b *BodyClient) Open(ctx context.Context, h Handle, handlers Handlers) (Subscription, error) {
	return b.streamer.Open(ctx, h, handlers)
}
