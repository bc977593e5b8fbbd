package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/todo-maistro/internal/frame"
	"github.com/p-blackswan/todo-maistro/internal/session"
	"github.com/p-blackswan/todo-maistro/internal/surface"
	"github.com/p-blackswan/todo-maistro/internal/todos"
	"github.com/p-blackswan/todo-maistro/internal/transport"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type stubSub struct{}

func (stubSub) Close() {}

// replyTransport answers every turn with a fixed two-piece reply.
type replyTransport struct {
	mu      sync.Mutex
	submits []string
}

func (f *replyTransport) Submit(_ context.Context, userID, threadID, message string) (transport.Handle, error) {
	f.mu.Lock()
	f.submits = append(f.submits, userID+":"+message)
	f.mu.Unlock()
	return transport.Handle{JobID: "job-1", ThreadID: "thread-1"}, nil
}

func (f *replyTransport) Open(_ context.Context, h transport.Handle, handlers transport.Handlers) (transport.Subscription, error) {
	go func() {
		handlers.OnFrame(frame.Start(h.JobID, h.ThreadID))
		handlers.OnFrame(frame.Chunk(h.JobID, "Hi ", 0))
		handlers.OnFrame(frame.End(h.JobID, "there"))
		handlers.OnComplete()
	}()
	return stubSub{}, nil
}

func newBackendStub(t *testing.T) *transport.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /jobs/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"job_id": r.PathValue("id"), "status": "completed"})
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"healthy","checks":{"broker":"ok"}}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := transport.DefaultConfig()
	cfg.BaseURL = srv.URL
	c, err := transport.NewClient(cfg, zerolog.Nop(), nil)
	require.NoError(t, err)
	return c
}

type replHarness struct {
	repl  *repl
	sess  *session.Session
	chat  *replyTransport
	out   *syncBuffer
	in    *io.PipeWriter
	done  chan error
	users chan string
}

func startREPL(t *testing.T) *replHarness {
	t.Helper()
	pr, pw := io.Pipe()
	h := &replHarness{
		chat:  &replyTransport{},
		out:   &syncBuffer{},
		in:    pw,
		done:  make(chan error, 1),
		users: make(chan string, 4),
	}
	h.repl = newREPL(pr, h.out, surface.NewView(0), newBackendStub(t), zerolog.Nop())
	h.sess = session.New(h.chat, "ada", zerolog.Nop(), session.Options{Observer: h.repl.update})
	t.Cleanup(h.sess.Close)
	h.repl.attach(h.sess, session.UpdaterFunc(func(u string) { h.users <- u }))

	go func() { h.done <- h.repl.run(context.Background()) }()
	t.Cleanup(func() { _ = pw.Close() })
	return h
}

func (h *replHarness) send(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(h.in, line+"\n")
	require.NoError(t, err)
}

func (h *replHarness) waitOutput(t *testing.T, substr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Contains(h.out.String(), substr)
	}, 2*time.Second, 10*time.Millisecond, "output never contained %q", substr)
}

func TestREPL_ConversationAndQuit(t *testing.T) {
	h := startREPL(t)

	h.send(t, "hello")
	require.Eventually(t, func() bool {
		snap := h.sess.Snapshot()
		return snap.State == session.StateIdle && len(snap.Transcript) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Hi there", h.sess.Snapshot().Transcript[1].Content)
	h.waitOutput(t, "Assistant: Hi there")

	h.send(t, "/quit")
	select {
	case err := <-h.done:
		assert.ErrorIs(t, err, errQuit)
	case <-time.After(2 * time.Second):
		t.Fatal("repl did not stop on /quit")
	}
	assert.Equal(t, []string{"ada:hello"}, h.chat.submits)
}

func TestREPL_StatusAndHealth(t *testing.T) {
	h := startREPL(t)

	h.send(t, "/status")
	h.waitOutput(t, "no job yet")

	h.send(t, "hello")
	require.Eventually(t, func() bool {
		snap := h.sess.Snapshot()
		return snap.State == session.StateIdle && len(snap.Transcript) == 2
	}, 2*time.Second, 10*time.Millisecond)

	h.send(t, "/status")
	h.waitOutput(t, "Job: job-1... completed")

	h.send(t, "/health")
	h.waitOutput(t, "backend healthy")
}

func TestREPL_ResetSwitchesUser(t *testing.T) {
	h := startREPL(t)

	h.send(t, "/reset grace")
	select {
	case u := <-h.users:
		assert.Equal(t, "grace", u)
	case <-time.After(2 * time.Second):
		t.Fatal("updater not told about the new user")
	}
	h.waitOutput(t, "now chatting as grace")
	assert.Equal(t, "grace", h.sess.Snapshot().UserID)
}

func TestREPL_UnknownCommand(t *testing.T) {
	h := startREPL(t)

	h.send(t, "/frobnicate")
	h.waitOutput(t, "unknown command /frobnicate")
	assert.Empty(t, h.chat.submits)
}

func TestREPL_TodoPanel(t *testing.T) {
	h := startREPL(t)

	h.repl.setTodos(&todos.List{UserID: "ada", Todos: []todos.Todo{{ID: "1", Task: "water plants", Status: todos.StatusNotStarted}}})
	h.waitOutput(t, "[ ] water plants")
}

func TestREPL_EndOfInputQuits(t *testing.T) {
	r := newREPL(strings.NewReader(""), io.Discard, surface.NewView(0), nil, zerolog.Nop())
	sess := session.New(&replyTransport{}, "ada", zerolog.Nop(), session.Options{})
	t.Cleanup(sess.Close)
	r.attach(sess, nil)

	assert.ErrorIs(t, r.run(context.Background()), errQuit)
}
