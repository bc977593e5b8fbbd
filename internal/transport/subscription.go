package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/todo-maistro/internal/errors"
	"github.com/p-blackswan/todo-maistro/internal/frame"
	"github.com/p-blackswan/todo-maistro/internal/metrics"
)

// source yields raw frame payloads until it fails.
type source interface {
	Next() ([]byte, error)
}

// subscription drives one stream and enforces the Handlers contract for
// every strategy.
type subscription struct {
	handlers Handlers
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	// mu is held while a handler runs.
	mu         sync.Mutex
	finished   bool
	closed     atomic.Bool
	inCallback atomic.Bool

	releaseOnce sync.Once
	closers     []func()
	done        chan struct{}
}

func newSubscription(ctx context.Context, handlers Handlers, logger zerolog.Logger, m *metrics.Metrics) *subscription {
	if handlers.OnFrame == nil {
		handlers.OnFrame = func(frame.Frame) {}
	}
	if handlers.OnError == nil {
		handlers.OnError = func(error) {}
	}
	if handlers.OnComplete == nil {
		handlers.OnComplete = func() {}
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &subscription{
		handlers: handlers,
		logger:   logger,
		metrics:  m,
		ctx:      sctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// dialing ties the stream to ctx while it is being established. The
// returned stop detaches it once Open hands the subscription out.
func (s *subscription) dialing(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, s.cancel)
}

// onRelease registers a resource to free when the stream ends. Must be
// called before start.
func (s *subscription) onRelease(fn func()) {
	s.closers = append(s.closers, fn)
}

func (s *subscription) start(src source) {
	s.metrics.StreamOpened()
	go s.run(src)
}

func (s *subscription) run(src source) {
	defer func() {
		s.release()
		s.metrics.StreamClosed()
		close(s.done)
	}()

	for {
		payload, err := src.Next()
		if err != nil {
			if s.closed.Load() {
				return
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			s.logger.Warn().Err(err).Msg("stream lost before terminal frame")
			s.metrics.RecordError("transport", "connection")
			s.finish(&perrors.StreamTransportError{Message: "connection error", Err: err})
			return
		}
		if s.dispatch(payload) {
			return
		}
	}
}

// dispatch decodes and delivers one payload. It reports whether the stream
// is over.
func (s *subscription) dispatch(payload []byte) bool {
	f, err := frame.Decode(payload)
	if err != nil {
		s.logger.Warn().Err(err).Msg("skipping malformed frame")
		s.metrics.RecordError("transport", "protocol")
		return false
	}
	s.metrics.RecordFrame(f.Kind.String())

	if !s.emit(func() { s.handlers.OnFrame(f) }) {
		return true
	}

	switch f.Kind {
	case frame.KindEnd:
		s.finish(nil)
		return true
	case frame.KindError:
		msg := f.Error
		if msg == "" {
			msg = "backend reported an error"
		}
		s.metrics.RecordError("transport", "remote")
		s.finish(&perrors.StreamTransportError{Remote: true, Message: msg})
		return true
	}
	return false
}

// emit runs a frame handler unless the stream is closed or finished. A
// panicking handler ends the stream with OnError.
func (s *subscription) emit(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() || s.finished {
		return false
	}
	if err := s.call(fn); err != nil {
		s.finished = true
		_ = s.call(func() {
			s.handlers.OnError(&perrors.StreamTransportError{Message: "handler failed", Err: err})
		})
		return false
	}
	return true
}

// finish fires the single terminal handler: OnComplete for a nil err,
// OnError otherwise.
func (s *subscription) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() || s.finished {
		return
	}
	s.finished = true
	if err == nil {
		_ = s.call(s.handlers.OnComplete)
		return
	}
	_ = s.call(func() { s.handlers.OnError(err) })
}

func (s *subscription) call(fn func()) (err error) {
	s.inCallback.Store(true)
	defer func() {
		s.inCallback.Store(false)
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("stream handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	fn()
	return nil
}

func (s *subscription) release() {
	s.releaseOnce.Do(func() {
		s.cancel()
		for _, c := range s.closers {
			c()
		}
	})
}

// Close disposes the stream. It waits for a handler that is about to start
// so that none begins after Close returns.
func (s *subscription) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.release()
	if !s.inCallback.Load() {
		s.mu.Lock()
		s.mu.Unlock() //nolint:staticcheck // barrier
	}
}

// Done is closed once the read loop has exited.
func (s *subscription) Done() <-chan struct{} {
	return s.done
}
