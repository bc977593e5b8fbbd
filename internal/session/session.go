// Package session implements the chat session state machine. A Session owns
// the transcript, the accumulation buffer of the turn in flight, the active
// job and the conversation thread, and moves between Idle, Submitting and
// Streaming as user input and stream frames arrive.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/todo-maistro/internal/frame"
	"github.com/p-blackswan/todo-maistro/internal/metrics"
	"github.com/p-blackswan/todo-maistro/internal/transport"
)

// FailureMessage is appended as the assistant reply when a turn fails.
const FailureMessage = "Sorry, I encountered an error. Please try again."

var (
	// ErrEmptyMessage is returned for input that is blank after trimming.
	ErrEmptyMessage = errors.New("empty message")
	// ErrBusy is returned when a turn is already in flight.
	ErrBusy = errors.New("a reply is still in progress")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
	// ErrAborted is returned by Send when its turn was aborted, reset or
	// closed before the stream was attached.
	ErrAborted = errors.New("turn aborted")
)

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateSubmitting
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one transcript entry. Entries are never modified once appended.
type Message struct {
	Role    Role
	Content string
}

// Transport submits turns and streams their replies.
type Transport interface {
	Submit(ctx context.Context, userID, threadID, message string) (transport.Handle, error)
	Open(ctx context.Context, h transport.Handle, handlers transport.Handlers) (transport.Subscription, error)
}

// Updater is told that a completed turn may have changed the user's todos.
type Updater interface {
	Refresh(userID string)
}

// UpdaterFunc adapts a function to Updater.
type UpdaterFunc func(userID string)

// Refresh calls f.
func (f UpdaterFunc) Refresh(userID string) { f(userID) }

// Observer receives a snapshot after every state change. Snapshots are
// delivered in order; a stale one is never delivered after a newer one.
type Observer func(Snapshot)

// Options configures optional collaborators.
type Options struct {
	Observer Observer
	Updater  Updater
	Metrics  *metrics.Metrics
}

// Session is one chat conversation for one user. It is safe for concurrent
// use; every event runs to completion under the session lock.
type Session struct {
	transport Transport
	observer  Observer
	updater   Updater
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu         sync.Mutex
	userID     string
	transcript []Message
	buf        strings.Builder
	state      State
	threadID   string
	jobID      string
	turn       uint64
	sub        transport.Subscription
	started    time.Time
	version    uint64

	notifyMu sync.Mutex
	notified uint64
}

// New creates an idle session for userID.
func New(t Transport, userID string, logger zerolog.Logger, opts Options) *Session {
	return &Session{
		transport: t,
		observer:  opts.Observer,
		updater:   opts.Updater,
		metrics:   opts.Metrics,
		logger:    logger.With().Str("component", "session").Logger(),
		userID:    userID,
	}
}

// Send submits text as the next turn. It returns once the stream is
// attached; the reply arrives asynchronously. Submission and stream-open
// failures are returned after the failure message has been appended.
func (s *Session) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrClosed
	case StateIdle:
	default:
		s.mu.Unlock()
		return ErrBusy
	}
	s.transcript = append(s.transcript, Message{Role: RoleUser, Content: text})
	s.state = StateSubmitting
	s.turn++
	turn := s.turn
	s.buf.Reset()
	s.jobID = ""
	s.started = time.Now()
	userID, threadID := s.userID, s.threadID
	snap := s.changedLocked()
	s.mu.Unlock()
	s.notify(snap)

	log := s.logger.With().Uint64("turn", turn).Logger()

	h, err := s.transport.Submit(ctx, userID, threadID, text)
	if err != nil {
		log.Error().Err(err).Msg("submission failed")
		if s.failTurn(turn) {
			return err
		}
		return ErrAborted
	}

	s.mu.Lock()
	if s.turn != turn {
		s.mu.Unlock()
		return ErrAborted
	}
	s.jobID = h.JobID
	if h.ThreadID != "" {
		s.threadID = h.ThreadID
	}
	s.state = StateStreaming
	snap = s.changedLocked()
	s.mu.Unlock()
	s.notify(snap)

	log.Debug().Str("job_id", h.JobID).Str("thread_id", h.ThreadID).Msg("job accepted")

	sub, err := s.transport.Open(ctx, h, s.handlers(turn))
	if err != nil {
		log.Error().Err(err).Str("job_id", h.JobID).Msg("opening stream failed")
		if s.failTurn(turn) {
			return err
		}
		return ErrAborted
	}

	s.mu.Lock()
	if s.turn != turn || s.state != StateStreaming {
		// Finished or superseded while Open was returning.
		s.mu.Unlock()
		sub.Close()
		return nil
	}
	s.sub = sub
	s.mu.Unlock()
	return nil
}

func (s *Session) handlers(turn uint64) transport.Handlers {
	return transport.Handlers{
		OnFrame:    func(f frame.Frame) { s.handleFrame(turn, f) },
		OnError:    func(err error) { s.handleStreamError(turn, err) },
		OnComplete: func() { s.handleComplete(turn) },
	}
}

// live reports whether turn still owns the session. Callers hold mu.
func (s *Session) live(turn uint64) bool {
	return s.turn == turn && s.state == StateStreaming
}

func (s *Session) handleFrame(turn uint64, f frame.Frame) {
	s.mu.Lock()
	if !s.live(turn) {
		s.mu.Unlock()
		return
	}

	var (
		outcome string
		refresh bool
	)
	switch f.Kind {
	case frame.KindStart:
		if s.threadID == "" && f.ThreadID != "" {
			s.threadID = f.ThreadID
		}
		if s.jobID == "" && f.JobID != "" {
			s.jobID = f.JobID
		}
	case frame.KindChunk:
		s.buf.WriteString(f.Content)
	case frame.KindEnd:
		s.transcript = append(s.transcript, Message{Role: RoleAssistant, Content: s.buf.String() + f.Content})
		outcome, refresh = "completed", true
	case frame.KindError:
		s.logger.Warn().Uint64("turn", turn).Str("job_id", s.jobID).Str("error", f.Error).Msg("backend reported turn failure")
		s.transcript = append(s.transcript, Message{Role: RoleAssistant, Content: FailureMessage})
		outcome = "failed"
	default:
		s.mu.Unlock()
		return
	}
	var sub transport.Subscription
	if outcome != "" {
		sub = s.finishLocked(outcome)
	}
	userID := s.userID
	snap := s.changedLocked()
	s.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	s.notify(snap)
	if refresh {
		s.refresh(userID)
	}
}

func (s *Session) handleStreamError(turn uint64, err error) {
	s.mu.Lock()
	if !s.live(turn) {
		s.mu.Unlock()
		return
	}
	s.logger.Error().Err(err).Uint64("turn", turn).Str("job_id", s.jobID).Msg("stream failed")
	s.transcript = append(s.transcript, Message{Role: RoleAssistant, Content: FailureMessage})
	sub := s.finishLocked("failed")
	snap := s.changedLocked()
	s.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
	s.notify(snap)
}

// handleComplete finalizes a stream that ended cleanly without the session
// having seen its end frame.
func (s *Session) handleComplete(turn uint64) {
	s.mu.Lock()
	if !s.live(turn) {
		s.mu.Unlock()
		return
	}
	s.transcript = append(s.transcript, Message{Role: RoleAssistant, Content: s.buf.String()})
	sub := s.finishLocked("completed")
	userID := s.userID
	snap := s.changedLocked()
	s.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
	s.notify(snap)
	s.refresh(userID)
}

// failTurn appends the failure message if turn is still current. Callers
// must not hold mu.
func (s *Session) failTurn(turn uint64) bool {
	s.mu.Lock()
	if s.turn != turn || (s.state != StateSubmitting && s.state != StateStreaming) {
		s.mu.Unlock()
		return false
	}
	s.transcript = append(s.transcript, Message{Role: RoleAssistant, Content: FailureMessage})
	sub := s.finishLocked("failed")
	snap := s.changedLocked()
	s.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
	s.notify(snap)
	return true
}

// finishLocked ends the current turn and returns to Idle. It returns the
// turn's subscription, which the caller must close after unlocking so the
// next turn never overlaps the previous stream.
func (s *Session) finishLocked(outcome string) transport.Subscription {
	s.metrics.RecordTurn(outcome)
	s.metrics.ObserveTurn(time.Since(s.started).Seconds())
	s.logger.Debug().Uint64("turn", s.turn).Str("outcome", outcome).Int("transcript_len", len(s.transcript)).Msg("turn finished")
	sub := s.sub
	s.buf.Reset()
	s.jobID = ""
	s.sub = nil
	s.state = StateIdle
	return sub
}

// dropTurnLocked abandons the turn in flight without emitting a message and
// returns the subscription the caller must close after unlocking.
func (s *Session) dropTurnLocked() transport.Subscription {
	sub := s.sub
	if s.state == StateSubmitting || s.state == StateStreaming {
		s.metrics.RecordTurn("aborted")
	}
	s.turn++
	s.sub = nil
	s.buf.Reset()
	s.jobID = ""
	return sub
}

// Abort disposes the turn in flight. The partial reply is discarded and no
// message is appended.
func (s *Session) Abort() {
	s.mu.Lock()
	if s.state != StateSubmitting && s.state != StateStreaming {
		s.mu.Unlock()
		return
	}
	sub := s.dropTurnLocked()
	s.state = StateIdle
	snap := s.changedLocked()
	s.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	s.logger.Debug().Msg("turn aborted")
	s.notify(snap)
}

// Close tears the session down. Any open stream is disposed and later
// frames are ignored.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	sub := s.dropTurnLocked()
	s.state = StateClosed
	snap := s.changedLocked()
	s.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	s.logger.Debug().Msg("session closed")
	s.notify(snap)
}

// Reset switches the session to userID, disposing any turn in flight and
// clearing the transcript and thread.
func (s *Session) Reset(userID string) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	sub := s.dropTurnLocked()
	s.state = StateIdle
	s.userID = userID
	s.transcript = nil
	s.threadID = ""
	snap := s.changedLocked()
	s.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	s.logger.Info().Str("user_id", userID).Msg("session reset")
	s.notify(snap)
	return nil
}

// Snapshot returns a copy of the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// changedLocked records a state change and returns the new snapshot.
func (s *Session) changedLocked() Snapshot {
	s.version++
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	busy := s.state == StateSubmitting || s.state == StateStreaming
	return Snapshot{
		Version:    s.version,
		UserID:     s.userID,
		Transcript: append([]Message(nil), s.transcript...),
		Draft:      s.buf.String(),
		State:      s.state,
		ThreadID:   s.threadID,
		JobID:      s.jobID,
		Thinking:   busy && s.buf.Len() == 0,
	}
}

func (s *Session) notify(snap Snapshot) {
	if s.observer == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if snap.Version <= s.notified {
		return
	}
	s.notified = snap.Version
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("observer panicked")
		}
	}()
	s.observer(snap)
}

func (s *Session) refresh(userID string) {
	if s.updater == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("updater panicked")
		}
	}()
	s.updater.Refresh(userID)
}
