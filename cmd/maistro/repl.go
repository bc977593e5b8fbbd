package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/todo-maistro/internal/session"
	"github.com/p-blackswan/todo-maistro/internal/surface"
	"github.com/p-blackswan/todo-maistro/internal/todos"
	"github.com/p-blackswan/todo-maistro/internal/transport"
)

const (
	clearScreen  = "\033[H\033[2J"
	tickInterval = 250 * time.Millisecond
	helpText     = "commands: /reset [user], /abort, /status, /health, /quit"
)

// errQuit ends the REPL on /quit or end of input.
var errQuit = errors.New("quit")

// repl reads lines from in and redraws the conversation on out.
type repl struct {
	in     io.Reader
	out    io.Writer
	view   surface.View
	client *transport.Client
	logger zerolog.Logger

	sess    *session.Session
	updater session.Updater

	mu      sync.Mutex
	snap    session.Snapshot
	lastJob string
	todos   []todos.Todo
	notice  string
	dirty   chan struct{}

	wg sync.WaitGroup
}

func newREPL(in io.Reader, out io.Writer, view surface.View, client *transport.Client, logger zerolog.Logger) *repl {
	return &repl{
		in:     in,
		out:    out,
		view:   view,
		client: client,
		logger: logger.With().Str("component", "repl").Logger(),
		dirty:  make(chan struct{}, 1),
	}
}

// attach binds the session the REPL drives. updater is told about user
// switches so the todo panel follows /reset.
func (r *repl) attach(sess *session.Session, updater session.Updater) {
	r.sess = sess
	r.updater = updater
	r.mu.Lock()
	r.snap = sess.Snapshot()
	r.mu.Unlock()
}

// update is the session observer.
func (r *repl) update(snap session.Snapshot) {
	r.mu.Lock()
	r.snap = snap
	if snap.JobID != "" {
		r.lastJob = snap.JobID
	}
	r.mu.Unlock()
	r.markDirty()
}

// setTodos receives refreshed todo lists.
func (r *repl) setTodos(l *todos.List) {
	r.mu.Lock()
	r.todos = l.Todos
	r.mu.Unlock()
	r.markDirty()
}

func (r *repl) setNotice(format string, args ...any) {
	r.mu.Lock()
	r.notice = fmt.Sprintf(format, args...)
	r.mu.Unlock()
	r.markDirty()
}

func (r *repl) markDirty() {
	select {
	case r.dirty <- struct{}{}:
	default:
	}
}

// run drives input and rendering until ctx ends, /quit or end of input.
func (r *repl) run(ctx context.Context) error {
	defer r.wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			r.logger.Warn().Err(err).Msg("reading input failed")
		}
	}()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	tick := 0
	r.render(tick)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if err := r.handle(ctx, line); err != nil {
				return err
			}
		case <-r.dirty:
			r.render(tick)
		case <-ticker.C:
			if r.busy() {
				tick++
				r.render(tick)
			}
		}
	}
}

func (r *repl) busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.Busy()
}

func (r *repl) render(tick int) {
	r.mu.Lock()
	snap, items, notice := r.snap, r.todos, r.notice
	r.mu.Unlock()

	var b strings.Builder
	b.WriteString(clearScreen)
	b.WriteString(r.view.Render(snap, tick))
	b.WriteString("\n")
	b.WriteString(r.view.Todos(items))
	b.WriteString("\n")
	if notice != "" {
		b.WriteString(notice)
		b.WriteString("\n")
	}
	b.WriteString(r.view.Prompt(snap))
	_, _ = io.WriteString(r.out, b.String())
}

// handle runs one input line. Slow calls run on their own goroutine so the
// screen keeps updating and /abort stays available.
func (r *repl) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		r.setNotice(helpText)
	case "/abort":
		r.sess.Abort()
		r.setNotice("")
	case "/reset":
		user := arg
		if user == "" {
			user = r.sess.Snapshot().UserID
		}
		if err := r.sess.Reset(user); err != nil {
			r.setNotice("reset failed: %v", err)
			return nil
		}
		r.mu.Lock()
		r.todos = nil
		r.lastJob = ""
		r.mu.Unlock()
		if r.updater != nil {
			r.updater.Refresh(user)
		}
		r.setNotice("now chatting as %s", user)
	case "/status":
		r.mu.Lock()
		jobID := r.lastJob
		r.mu.Unlock()
		if jobID == "" {
			r.setNotice("no job yet")
			return nil
		}
		r.async(func() {
			st, err := r.client.JobStatus(ctx, jobID)
			if err != nil {
				r.setNotice("status failed: %v", err)
				return
			}
			r.setNotice("%s %s", surface.Badge(st.JobID), st.Status)
		})
	case "/health":
		r.async(func() {
			hs, err := r.client.Health(ctx)
			if err != nil {
				r.setNotice("backend unreachable: %v", err)
				return
			}
			r.setNotice("backend %s", hs.Status)
		})
	default:
		if strings.HasPrefix(cmd, "/") {
			r.setNotice("unknown command %s; %s", cmd, helpText)
			return nil
		}
		r.setNotice("")
		r.async(func() {
			err := r.sess.Send(ctx, line)
			switch {
			case err == nil, errors.Is(err, session.ErrAborted):
			case errors.Is(err, session.ErrBusy):
				r.setNotice("still waiting for the previous reply")
			default:
				r.logger.Debug().Err(err).Msg("send failed")
			}
		})
	}
	return nil
}

func (r *repl) async(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}
