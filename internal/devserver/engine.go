package devserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/todo-maistro/internal/errors"
	"github.com/p-blackswan/todo-maistro/internal/frame"
	"github.com/p-blackswan/todo-maistro/internal/metrics"
)

// ErrQueueFull is returned by Submit when no worker can take the job.
var ErrQueueFull = fmt.Errorf("job queue is full: %w", perrors.ErrUnavailable)

// Job is one chat message waiting for a reply.
type Job struct {
	ID        string
	UserID    string
	ThreadID  string
	Message   string
	New       bool
	RequestID string
}

// Responder produces the full reply to a job.
type Responder interface {
	Respond(ctx context.Context, job *Job) (string, error)
}

// EngineConfig holds configuration for the job engine.
type EngineConfig struct {
	Workers   int
	QueueSize int
	// ChunkDelay paces published chunks so clients see a live stream.
	ChunkDelay time.Duration
	// ChunkWords is the number of words per chunk frame.
	ChunkWords int
}

// Engine runs submitted jobs on a worker pool and publishes their replies
// to the broker as chunk frames ending in an end frame, or an error frame.
type Engine struct {
	queue     chan *Job
	cfg       EngineConfig
	broker    Broker
	responder Responder
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   atomic.Bool
}

// NewEngine creates a job engine.
func NewEngine(cfg EngineConfig, broker Broker, responder Responder, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.ChunkWords <= 0 {
		cfg.ChunkWords = 2
	}
	return &Engine{
		queue:     make(chan *Job, cfg.QueueSize),
		cfg:       cfg,
		broker:    broker,
		responder: responder,
		metrics:   m,
		logger:    logger.With().Str("component", "job_engine").Logger(),
	}
}

// Start launches worker goroutines.
func (e *Engine) Start(ctx context.Context) {
	if e.running.Swap(true) {
		return
	}

	ctx, e.cancel = context.WithCancel(ctx)

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}

	e.logger.Info().Int("workers", e.cfg.Workers).Msg("job engine started")
}

// Stop cancels running jobs and waits for the workers to exit.
func (e *Engine) Stop() {
	if !e.running.Swap(false) {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info().Msg("job engine stopped")
}

// Submit records a queued job and enqueues it. An empty threadID starts a
// new thread.
func (e *Engine) Submit(ctx context.Context, userID, threadID, message, reqID string) (*Job, error) {
	job := &Job{
		ID:        uuid.New().String(),
		UserID:    userID,
		ThreadID:  threadID,
		Message:   message,
		RequestID: reqID,
	}
	if job.ThreadID == "" {
		job.ThreadID = uuid.New().String()
		job.New = true
	}

	meta := JobMeta{
		JobID:     job.ID,
		UserID:    userID,
		ThreadID:  job.ThreadID,
		Status:    JobQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.broker.Create(ctx, meta); err != nil {
		return nil, fmt.Errorf("submit job: %w", err)
	}

	select {
	case e.queue <- job:
		e.metrics.RecordJob(JobQueued)
		e.logger.Info().
			Str("job_id", job.ID).
			Str("thread_id", job.ThreadID).
			Str("user_id", userID).
			Str("request_id", reqID).
			Msg("job enqueued")
		return job, nil
	default:
		e.fail(ctx, job, "job queue is full")
		return nil, ErrQueueFull
	}
}

func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	log := e.logger.With().Int("worker", id).Logger()
	log.Debug().Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("worker stopping")
			return
		case job, ok := <-e.queue:
			if !ok {
				return
			}
			e.run(ctx, job, log)
		}
	}
}

func (e *Engine) run(ctx context.Context, job *Job, log zerolog.Logger) {
	log = log.With().Str("job_id", job.ID).Str("request_id", job.RequestID).Logger()
	start := time.Now()

	if err := e.broker.SetStatus(ctx, job.ID, JobRunning, ""); err != nil {
		log.Warn().Err(err).Msg("failed to mark job running")
	}
	e.metrics.RecordJob(JobRunning)

	reply, err := e.respond(ctx, job)
	if err == nil {
		err = e.publishReply(ctx, job, reply)
	}
	if err != nil {
		log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("job failed")
		e.fail(context.WithoutCancel(ctx), job, err.Error())
		return
	}

	if err := e.broker.SetStatus(ctx, job.ID, JobCompleted, ""); err != nil {
		log.Warn().Err(err).Msg("failed to mark job completed")
	}
	e.metrics.RecordJob(JobCompleted)
	log.Info().Dur("elapsed", time.Since(start)).Int("reply_len", len(reply)).Msg("job completed")
}

func (e *Engine) respond(ctx context.Context, job *Job) (reply string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("responder panic: %v", r)
		}
	}()
	return e.responder.Respond(ctx, job)
}

// publishReply streams reply as chunk frames. The last piece travels in the
// end frame.
func (e *Engine) publishReply(ctx context.Context, job *Job, reply string) error {
	pieces := splitWords(reply, e.cfg.ChunkWords)
	if len(pieces) == 0 {
		return e.broker.Publish(ctx, job.ID, e.stamp(frame.End(job.ID, ""), job))
	}

	for i, p := range pieces {
		if i > 0 && e.cfg.ChunkDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.ChunkDelay):
			}
		}
		f := frame.Chunk(job.ID, p, i)
		if i == len(pieces)-1 {
			f = frame.End(job.ID, p)
			f.ChunkID = i
		}
		if err := e.broker.Publish(ctx, job.ID, e.stamp(f, job)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) stamp(f frame.Frame, job *Job) frame.Frame {
	f.ThreadID = job.ThreadID
	return f
}

func (e *Engine) fail(ctx context.Context, job *Job, msg string) {
	if err := e.broker.Publish(ctx, job.ID, e.stamp(frame.Fail(job.ID, msg), job)); err != nil && !errors.Is(err, perrors.ErrNotFound) {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to publish error frame")
	}
	if err := e.broker.SetStatus(ctx, job.ID, JobFailed, msg); err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to mark job failed")
	}
	e.metrics.RecordJob(JobFailed)
}

// splitWords groups the words of s, keeping their trailing whitespace so
// the chunks concatenate back to s.
func splitWords(s string, per int) []string {
	var (
		out   []string
		b     strings.Builder
		words int
		inWS  bool
		seen  bool
	)
	for _, r := range s {
		isWS := r == ' ' || r == '\n' || r == '\t'
		if !isWS && inWS && seen {
			words++
			if words == per {
				out = append(out, b.String())
				b.Reset()
				words = 0
			}
		}
		inWS = isWS
		seen = seen || !isWS
		b.WriteRune(r)
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}
