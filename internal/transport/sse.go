package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	perrors "github.com/p-blackswan/todo-maistro/internal/errors"
	"github.com/p-blackswan/todo-maistro/internal/frame"
)

// SSEStreamer subscribes to GET /stream/{job_id} as text/event-stream.
type SSEStreamer struct {
	client *Client
}

// NewSSEStreamer creates an event-stream strategy on top of c.
func NewSSEStreamer(c *Client) *SSEStreamer {
	return &SSEStreamer{client: c}
}

// Open attaches to the job's event stream. ctx bounds connecting only; the
// stream lives until a terminal frame, a connection error or Close.
func (st *SSEStreamer) Open(ctx context.Context, h Handle, handlers Handlers) (Subscription, error) {
	if h.JobID == "" {
		return nil, fmt.Errorf("open stream: job id: %w", perrors.ErrInvalidInput)
	}
	c := st.client
	logger := c.logger.With().Str("strategy", "sse").Str("job_id", h.JobID).Logger()

	sub := newSubscription(ctx, handlers, logger, c.metrics)
	stop := sub.dialing(ctx)
	defer stop()

	req, err := c.newRequest(sub.ctx, http.MethodGet, pathStream+url.PathEscape(h.JobID), nil)
	if err != nil {
		sub.release()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		sub.release()
		return nil, &perrors.StreamTransportError{Message: "connection error", Err: err}
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		sub.release()
		return nil, &perrors.StreamTransportError{Message: "stream rejected", Err: err}
	}
	sub.onRelease(func() { resp.Body.Close() })

	rd := frame.NewReader(resp.Body, frame.ModeEvent, c.cfg.ChunkSize)
	rd.SetMaxRecord(c.cfg.MaxRecord)

	logger.Debug().Msg("stream opened")
	sub.start(rd)
	return sub, nil
}
