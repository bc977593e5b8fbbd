package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	perrors "github.com/p-blackswan/todo-maistro/internal/errors"
	"github.com/p-blackswan/todo-maistro/internal/requestid"
)

// WSStreamer subscribes to GET /ws/stream/{job_id} over WebSocket. Each text
// message carries one frame.
type WSStreamer struct {
	client *Client
	dialer websocket.Dialer
}

// NewWSStreamer creates a WebSocket strategy on top of c.
func NewWSStreamer(c *Client) *WSStreamer {
	return &WSStreamer{
		client: c,
		dialer: websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   c.cfg.ChunkSize,
		},
	}
}

// Open dials the job's WebSocket stream.
func (st *WSStreamer) Open(ctx context.Context, h Handle, handlers Handlers) (Subscription, error) {
	if h.JobID == "" {
		return nil, fmt.Errorf("open stream: job id: %w", perrors.ErrInvalidInput)
	}
	c := st.client
	logger := c.logger.With().Str("strategy", "ws").Str("job_id", h.JobID).Logger()

	target, err := wsURL(c.wsBase, pathWSStream+url.PathEscape(h.JobID))
	if err != nil {
		return nil, err
	}

	sub := newSubscription(ctx, handlers, logger, c.metrics)
	stop := sub.dialing(ctx)
	defer stop()

	header := http.Header{}
	header.Set(requestid.Header, requestid.FromContext(ctx))

	conn, resp, err := st.dialer.DialContext(sub.ctx, target, header)
	if err != nil {
		sub.release()
		if resp != nil {
			if apiErr := checkStatus(resp); apiErr != nil {
				err = apiErr
			}
		}
		return nil, &perrors.StreamTransportError{Message: "connection error", Err: fmt.Errorf("ws dial failed: %w", err)}
	}
	conn.SetReadLimit(int64(c.cfg.MaxRecord))
	sub.onRelease(func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})

	logger.Debug().Str("url", target).Msg("stream opened")
	sub.start(&wsSource{conn: conn})
	return sub, nil
}

type wsSource struct {
	conn *websocket.Conn
}

func (w *wsSource) Next() ([]byte, error) {
	for {
		mt, msg, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage {
			return msg, nil
		}
	}
}

func wsURL(base *url.URL, path string) (string, error) {
	u := *base
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("scheme %q: %w", u.Scheme, perrors.ErrInvalidInput)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}
