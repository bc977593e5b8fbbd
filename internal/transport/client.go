package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/todo-maistro/internal/errors"
	"github.com/p-blackswan/todo-maistro/internal/frame"
	"github.com/p-blackswan/todo-maistro/internal/metrics"
	"github.com/p-blackswan/todo-maistro/internal/requestid"
)

const (
	pathChatNew      = "/chat/new"
	pathChatContinue = "/chat/continue"
	pathStream       = "/stream/"
	pathWSStream     = "/ws/stream/"
	pathJobs         = "/jobs/"
	pathHealth       = "/health"

	maxErrorBody = 4096
)

// Config holds chat backend client configuration.
type Config struct {
	// BaseURL is the backend root, e.g. "http://localhost:8000".
	BaseURL string

	// WSBaseURL is the WebSocket root. Defaults to BaseURL with a ws or wss
	// scheme.
	WSBaseURL string

	// RequestTimeout bounds submission, status and health calls. Streams
	// are not bounded; they end on a terminal frame, an error or Close.
	RequestTimeout time.Duration

	// ChunkSize is the read buffer for streamed responses.
	ChunkSize int

	// MaxRecord caps a single frame record.
	MaxRecord int

	// HTTPClient overrides the default client. It must not set a Timeout,
	// which would cut long streams.
	HTTPClient *http.Client
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://localhost:8000",
		RequestTimeout: 30 * time.Second,
		ChunkSize:      frame.DefaultChunkSize,
		MaxRecord:      frame.DefaultMaxRecord,
	}
}

// Client is the HTTP side of the chat backend.
type Client struct {
	cfg     Config
	base    *url.URL
	wsBase  *url.URL
	http    *http.Client
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewClient creates a backend client. m may be nil.
func NewClient(cfg Config, logger zerolog.Logger, m *metrics.Metrics) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url: %w", perrors.ErrInvalidInput)
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url scheme %q: %w", base.Scheme, perrors.ErrInvalidInput)
	}
	wsBase := base
	if cfg.WSBaseURL != "" {
		if wsBase, err = url.Parse(strings.TrimRight(cfg.WSBaseURL, "/")); err != nil {
			return nil, fmt.Errorf("parsing ws base url: %w", err)
		}
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = frame.DefaultChunkSize
	}
	if cfg.MaxRecord <= 0 {
		cfg.MaxRecord = frame.DefaultMaxRecord
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		cfg:     cfg,
		base:    base,
		wsBase:  wsBase,
		http:    hc,
		logger:  logger.With().Str("component", "transport").Logger(),
		metrics: m,
	}, nil
}

type chatRequest struct {
	UserID   string `json:"user_id"`
	ThreadID string `json:"thread_id,omitempty"`
	Message  string `json:"message"`
}

type chatResponse struct {
	JobID    string `json:"job_id"`
	ThreadID string `json:"thread_id"`
	Response string `json:"response,omitempty"`
}

func newChatRequest(userID, threadID, message string) *chatRequest {
	return &chatRequest{UserID: userID, ThreadID: threadID, Message: message}
}

// endpoint picks "new conversation" or "continue conversation".
func (r *chatRequest) endpoint() string {
	if r.ThreadID == "" {
		return pathChatNew
	}
	return pathChatContinue
}

// Submit posts the message as a new job. A conversation is continued when
// threadID is set and started otherwise. Failures are returned as
// *errors.SubmissionError and are never retried.
func (c *Client) Submit(ctx context.Context, userID, threadID, message string) (Handle, error) {
	body := newChatRequest(userID, threadID, message)
	endpoint := body.endpoint()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var resp chatResponse
	if err := c.doJSON(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		c.metrics.RecordError("transport", "submit")
		return Handle{}, &perrors.SubmissionError{Endpoint: endpoint, Err: err}
	}
	if resp.JobID == "" {
		c.metrics.RecordError("transport", "submit")
		return Handle{}, &perrors.SubmissionError{
			Endpoint: endpoint,
			Err:      fmt.Errorf("response without job_id: %w", perrors.ErrInvalidInput),
		}
	}

	thread := resp.ThreadID
	if thread == "" {
		thread = threadID
	}

	c.logger.Debug().
		Str("job_id", resp.JobID).
		Str("thread_id", thread).
		Str("endpoint", endpoint).
		Msg("job submitted")

	return Handle{JobID: resp.JobID, ThreadID: thread, New: threadID == ""}, nil
}

// JobStatus is the backend's view of a job.
type JobStatus struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	ThreadID  string `json:"thread_id,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// JobStatus fetches the status of a job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job id: %w", perrors.ErrInvalidInput)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var st JobStatus
	if err := c.doJSON(ctx, http.MethodGet, pathJobs+url.PathEscape(jobID)+"/status", nil, &st); err != nil {
		return nil, fmt.Errorf("job status %s: %w", jobID, err)
	}
	return &st, nil
}

// HealthStatus is the backend health report.
type HealthStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health queries the backend health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var hs HealthStatus
	if err := c.doJSON(ctx, http.MethodGet, pathHealth, nil, &hs); err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	return &hs, nil
}

// url resolves a backend path.
func (c *Client) url(path string) string {
	return c.base.String() + path
}

// newRequest builds a request carrying the turn's request id.
func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), rd)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	requestid.Inject(req)
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s %s: %w", method, path, perrors.ErrTimeout)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// checkStatus maps a non-2xx response to an *errors.APIError.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		switch {
		case payload.Error != "":
			msg = payload.Error
		case payload.Detail != "":
			msg = payload.Detail
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	apiErr := perrors.NewAPIError("chat", resp.StatusCode, msg)
	switch resp.StatusCode {
	case http.StatusNotFound:
		apiErr.Err = perrors.ErrNotFound
	case http.StatusGone:
		apiErr.Err = perrors.ErrExpired
	case http.StatusTooManyRequests:
		apiErr.Err = perrors.ErrRateLimit
	case http.StatusServiceUnavailable:
		apiErr.Err = perrors.ErrUnavailable
	}
	return apiErr
}
