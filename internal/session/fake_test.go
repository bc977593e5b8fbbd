package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/p-blackswan/todo-maistro/internal/frame"
	"github.com/p-blackswan/todo-maistro/internal/transport"
)

type submitCall struct {
	UserID   string
	ThreadID string
	Message  string
}

// fakeTransport scripts submissions and hands the test control of every
// opened stream.
type fakeTransport struct {
	mu        sync.Mutex
	submits   []submitCall
	handles   []transport.Handle
	submitErr error
	openErr   error
	subs      []*fakeStream

	// onSubmit runs inside Submit before it returns.
	onSubmit func()
	// script is delivered synchronously from Open when set.
	script []frame.Frame
}

func (f *fakeTransport) Submit(_ context.Context, userID, threadID, message string) (transport.Handle, error) {
	f.mu.Lock()
	f.submits = append(f.submits, submitCall{UserID: userID, ThreadID: threadID, Message: message})
	var h transport.Handle
	if len(f.handles) > 0 {
		h = f.handles[0]
		f.handles = f.handles[1:]
	}
	err := f.submitErr
	hook := f.onSubmit
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return h, err
}

func (f *fakeTransport) Open(_ context.Context, h transport.Handle, handlers transport.Handlers) (transport.Subscription, error) {
	f.mu.Lock()
	if f.openErr != nil {
		err := f.openErr
		f.mu.Unlock()
		return nil, err
	}
	st := &fakeStream{handle: h, handlers: handlers}
	f.subs = append(f.subs, st)
	script := f.script
	f.mu.Unlock()

	for _, fr := range script {
		st.Frame(fr)
	}
	return st, nil
}

func (f *fakeTransport) stream(i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[i]
}

func (f *fakeTransport) calls() []submitCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submitCall(nil), f.submits...)
}

// fakeStream delivers frames on demand. Unless honorClose is set it keeps
// delivering after Close, which models frames already queued behind a
// disposal.
type fakeStream struct {
	handle     transport.Handle
	handlers   transport.Handlers
	closed     atomic.Int32
	honorClose bool
}

func (s *fakeStream) Close() { s.closed.Add(1) }

func (s *fakeStream) Closed() bool { return s.closed.Load() > 0 }

func (s *fakeStream) Frame(f frame.Frame) {
	if s.honorClose && s.Closed() {
		return
	}
	s.handlers.OnFrame(f)
	switch f.Kind {
	case frame.KindEnd:
		s.handlers.OnComplete()
	case frame.KindError:
		s.handlers.OnError(&streamErr{msg: f.Error})
	}
}

func (s *fakeStream) Chunk(text string) { s.Frame(frame.Chunk(s.handle.JobID, text, 0)) }

func (s *fakeStream) End(trailing string) { s.Frame(frame.End(s.handle.JobID, trailing)) }

func (s *fakeStream) Drop(err error) {
	if s.honorClose && s.Closed() {
		return
	}
	s.handlers.OnError(err)
}

type streamErr struct{ msg string }

func (e *streamErr) Error() string { return "stream: " + e.msg }
