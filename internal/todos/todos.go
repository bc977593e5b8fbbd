// Package todos fetches a user's todo list from the chat backend and
// refreshes it whenever a chat turn completes.
package todos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/todo-maistro/internal/errors"
	"github.com/p-blackswan/todo-maistro/internal/requestid"
	"github.com/p-blackswan/todo-maistro/internal/retry"
)

// Todo statuses.
const (
	StatusNotStarted = "not started"
	StatusInProgress = "in progress"
	StatusDone       = "done"
	StatusArchived   = "archived"
)

// Todo is one item of a user's list.
type Todo struct {
	ID string `json:"id"`
	// Task is the description.
	Task string `json:"task"`
	// TimeToComplete is the estimate in minutes.
	TimeToComplete *int `json:"time_to_complete"`
	// Deadline is an ISO 8601 timestamp.
	Deadline  *string  `json:"deadline"`
	Solutions []string `json:"solutions"`
	Status    string   `json:"status"`
}

// List is the /todos/get response.
type List struct {
	UserID string `json:"user_id"`
	Todos  []Todo `json:"todos"`
}

// Client reads todo lists.
type Client struct {
	baseURL string
	http    *http.Client
	retry   retry.Config
	logger  zerolog.Logger
}

// NewClient creates a todo client for the backend at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		retry:   retry.DefaultConfig(),
		logger:  logger.With().Str("component", "todos").Logger(),
	}
}

// WithRetry overrides the retry policy.
func (c *Client) WithRetry(cfg retry.Config) *Client {
	c.retry = cfg
	return c
}

// Get fetches the todo list of userID, retrying transient failures.
func (c *Client) Get(ctx context.Context, userID string) (*List, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id: %w", perrors.ErrInvalidInput)
	}

	cfg := c.retry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying todo fetch")
	}

	var list *List
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		l, err := c.get(ctx, userID)
		if err != nil {
			return err
		}
		list = l
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching todos for %s: %w", userID, err)
	}
	return list, nil
}

func (c *Client) get(ctx context.Context, userID string) (*List, error) {
	body, err := json.Marshal(map[string]string{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/todos/get", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	requestid.Inject(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", perrors.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, perrors.NewAPIError("todos", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var list List
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding todos: %w", err)
	}
	return &list, nil
}

// Fetcher is the read side used by Refresher.
type Fetcher interface {
	Get(ctx context.Context, userID string) (*List, error)
}

// Refresher refetches the list after every completed chat turn and hands
// the result to OnUpdate. It implements session.Updater.
type Refresher struct {
	fetcher  Fetcher
	onUpdate func(*List)
	timeout  time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRefresher creates a refresher. onUpdate runs on a background goroutine.
func NewRefresher(f Fetcher, onUpdate func(*List), logger zerolog.Logger) *Refresher {
	return &Refresher{
		fetcher:  f,
		onUpdate: onUpdate,
		timeout:  30 * time.Second,
		logger:   logger.With().Str("component", "todo-refresher").Logger(),
	}
}

// Refresh starts a fetch for userID, superseding one still in flight.
func (r *Refresher) Refresh(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)

	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()

		list, err := r.fetcher.Get(ctx, userID)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error().Err(err).Str("user_id", userID).Msg("todo refresh failed")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		r.logger.Debug().Str("user_id", userID).Int("count", len(list.Todos)).Msg("todos refreshed")
		if r.onUpdate != nil {
			r.onUpdate(list)
		}
	}()
}

// Wait blocks until in-flight refreshes finish.
func (r *Refresher) Wait() {
	r.wg.Wait()
}

// Stop cancels any refresh in flight and waits for it.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}
