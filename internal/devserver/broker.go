// Package devserver is a local chat backend that speaks the job protocol the
// client consumes: submit a message, get a job id, stream the reply as
// frames. Replies come from a scripted assistant that manages todos.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/todo-maistro/internal/errors"
	"github.com/p-blackswan/todo-maistro/internal/frame"
	"github.com/p-blackswan/todo-maistro/lru"
)

// Job statuses as stored in job metadata.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// FirstID is the cursor that reads a job stream from its beginning.
const FirstID = "0"

// JobMeta is the metadata kept for every submitted job.
type JobMeta struct {
	JobID     string
	UserID    string
	ThreadID  string
	Status    string
	Error     string
	CreatedAt time.Time
}

// Entry is one frame appended to a job stream. Frame is zero, with
// KindUnknown, when the stored payload could not be decoded.
type Entry struct {
	ID    string
	Frame frame.Frame
}

// Broker stores job metadata and the frames each job publishes. Metadata
// expires after the configured TTL; Meta then reports perrors.ErrNotFound.
type Broker interface {
	Create(ctx context.Context, meta JobMeta) error
	SetStatus(ctx context.Context, jobID, status, errMsg string) error
	Meta(ctx context.Context, jobID string) (*JobMeta, error)
	Publish(ctx context.Context, jobID string, f frame.Frame) error
	// Read returns the entries after lastID, waiting up to block for the
	// first one. It returns no entries and no error when block elapses.
	Read(ctx context.Context, jobID, lastID string, block time.Duration) ([]Entry, error)
	Ping(ctx context.Context) error
	Close() error
}

// --- in-memory ---

type memJob struct {
	mu     sync.Mutex
	meta   JobMeta
	frames []frame.Frame
	signal chan struct{}
}

// MemoryBroker keeps jobs in an expiring LRU cache. It serves a single
// backend process.
type MemoryBroker struct {
	jobs   *lru.Cache[string, *memJob]
	logger zerolog.Logger
}

// NewMemoryBroker creates a broker that holds up to capacity jobs for ttl.
func NewMemoryBroker(capacity int, ttl time.Duration, logger zerolog.Logger) *MemoryBroker {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryBroker{
		jobs:   lru.New[string, *memJob](capacity, lru.WithTTL[string, *memJob](ttl)),
		logger: logger.With().Str("component", "memory_broker").Logger(),
	}
}

func (b *MemoryBroker) Create(_ context.Context, meta JobMeta) error {
	if _, evicted, ok := b.jobs.Put(meta.JobID, &memJob{meta: meta, signal: make(chan struct{})}); ok {
		b.logger.Debug().Str("job_id", evicted.meta.JobID).Msg("job evicted")
	}
	return nil
}

func (b *MemoryBroker) SetStatus(_ context.Context, jobID, status, errMsg string) error {
	j, ok := b.jobs.Peek(jobID)
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, perrors.ErrNotFound)
	}
	j.mu.Lock()
	j.meta.Status = status
	j.meta.Error = errMsg
	j.mu.Unlock()
	return nil
}

func (b *MemoryBroker) Meta(_ context.Context, jobID string) (*JobMeta, error) {
	j, ok := b.jobs.Get(jobID)
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, perrors.ErrNotFound)
	}
	j.mu.Lock()
	meta := j.meta
	j.mu.Unlock()
	return &meta, nil
}

func (b *MemoryBroker) Publish(_ context.Context, jobID string, f frame.Frame) error {
	j, ok := b.jobs.Peek(jobID)
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, perrors.ErrNotFound)
	}
	j.mu.Lock()
	j.frames = append(j.frames, f)
	close(j.signal)
	j.signal = make(chan struct{})
	j.mu.Unlock()
	return nil
}

func (b *MemoryBroker) Read(ctx context.Context, jobID, lastID string, block time.Duration) ([]Entry, error) {
	from, err := strconv.Atoi(lastID)
	if err != nil || from < 0 {
		return nil, fmt.Errorf("cursor %q: %w", lastID, perrors.ErrInvalidInput)
	}

	timer := time.NewTimer(block)
	defer timer.Stop()

	for {
		j, ok := b.jobs.Peek(jobID)
		if !ok {
			return nil, nil
		}
		j.mu.Lock()
		if from < len(j.frames) {
			out := make([]Entry, 0, len(j.frames)-from)
			for i, f := range j.frames[from:] {
				out = append(out, Entry{ID: strconv.Itoa(from + i + 1), Frame: f})
			}
			j.mu.Unlock()
			return out, nil
		}
		signal := j.signal
		j.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-signal:
		}
	}
}

func (b *MemoryBroker) Ping(context.Context) error { return nil }

func (b *MemoryBroker) Close() error {
	b.jobs.Clear()
	return nil
}

// --- redis ---

// RedisBroker keeps job metadata in the hash job:{id}:meta and frames in the
// stream job:{id}:stream, so several backend processes can share jobs.
type RedisBroker struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// RedisConfig configures a RedisBroker.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// NewRedisBroker connects to Redis and verifies the connection.
func NewRedisBroker(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisBroker{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "redis_broker").Str("addr", cfg.Addr).Logger(),
	}, nil
}

func metaKey(jobID string) string   { return "job:" + jobID + ":meta" }
func streamKey(jobID string) string { return "job:" + jobID + ":stream" }

func (b *RedisBroker) Create(ctx context.Context, meta JobMeta) error {
	key := metaKey(meta.JobID)
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"user_id":    meta.UserID,
		"thread_id":  meta.ThreadID,
		"status":     meta.Status,
		"created_at": meta.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create job %s: %w", meta.JobID, err)
	}
	return nil
}

func (b *RedisBroker) SetStatus(ctx context.Context, jobID, status, errMsg string) error {
	fields := map[string]any{"status": status}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	if err := b.client.HSet(ctx, metaKey(jobID), fields).Err(); err != nil {
		return fmt.Errorf("set status %s: %w", jobID, err)
	}
	return nil
}

func (b *RedisBroker) Meta(ctx context.Context, jobID string) (*JobMeta, error) {
	vals, err := b.client.HGetAll(ctx, metaKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("job meta %s: %w", jobID, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("job %s: %w", jobID, perrors.ErrNotFound)
	}
	meta := &JobMeta{
		JobID:    jobID,
		UserID:   vals["user_id"],
		ThreadID: vals["thread_id"],
		Status:   vals["status"],
		Error:    vals["error"],
	}
	if ts, err := time.Parse(time.RFC3339Nano, vals["created_at"]); err == nil {
		meta.CreatedAt = ts
	}
	return meta, nil
}

func (b *RedisBroker) Publish(ctx context.Context, jobID string, f frame.Frame) error {
	data, err := frame.Encode(f)
	if err != nil {
		return err
	}
	key := streamKey(jobID)
	pipe := b.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: map[string]any{"data": string(data)}})
	pipe.Expire(ctx, key, b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", jobID, err)
	}
	return nil
}

func (b *RedisBroker) Read(ctx context.Context, jobID, lastID string, block time.Duration) ([]Entry, error) {
	if block < time.Millisecond {
		block = time.Millisecond
	}
	streams, err := b.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{streamKey(jobID), lastID},
		Count:   100,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", jobID, err)
	}

	var out []Entry
	for _, st := range streams {
		for _, msg := range st.Messages {
			raw, _ := msg.Values["data"].(string)
			f, err := frame.Decode([]byte(raw))
			if err != nil {
				b.logger.Warn().Err(err).Str("job_id", jobID).Str("id", msg.ID).Msg("undecodable stream entry")
			}
			out = append(out, Entry{ID: msg.ID, Frame: f})
		}
	}
	return out, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
