package devserver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/p-blackswan/todo-maistro/internal/store"
)

// Script drives the assistant's replies. Commands (add, done, start,
// archive, list, history) are handled first; otherwise the first matching rule
// answers, and Fallback covers everything else.
type Script struct {
	Greeting string `yaml:"greeting"`
	Fallback string `yaml:"fallback"`
	Rules    []Rule `yaml:"rules"`
}

// Rule answers messages matching a regular expression. A rule with Fail set
// makes the job fail with that message instead of replying.
type Rule struct {
	Match string `yaml:"match"`
	Reply string `yaml:"reply"`
	Fail  string `yaml:"fail"`

	re *regexp.Regexp
}

// DefaultScript is used when no script file is configured.
func DefaultScript() *Script {
	s := &Script{
		Greeting: "Hi! I keep your todo list. Tell me what you need to get done.",
		Fallback: "I can manage your todos. Try \"add <task>\", \"done <task>\", \"start <task>\", \"archive <task>\" or \"list\".",
		Rules: []Rule{
			{Match: `(?i)^(hi|hello|hey)\b`, Reply: "Hello! What would you like to get done today?"},
			{Match: `(?i)\bhelp\b`, Reply: "Commands: add <task> [in <minutes>m], done <task>, start <task>, archive <task>, delete <task>, list."},
		},
	}
	if err := s.compile(); err != nil {
		panic(err)
	}
	return s
}

// LoadScript reads and parses a YAML script file, expanding env vars.
func LoadScript(path string) (*Script, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("script: read %s: %w", path, err)
	}
	s, err := ParseScript(raw)
	if err != nil {
		return nil, fmt.Errorf("script: %s: %w", path, err)
	}
	return s, nil
}

// ParseScript parses a YAML script, expanding ${VAR} and $VAR references.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &s); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	def := DefaultScript()
	if s.Greeting == "" {
		s.Greeting = def.Greeting
	}
	if s.Fallback == "" {
		s.Fallback = def.Fallback
	}
	if err := s.compile(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Script) compile() error {
	for i := range s.Rules {
		r := &s.Rules[i]
		if r.Match == "" {
			return fmt.Errorf("rule %d: empty match", i)
		}
		if r.Reply == "" && r.Fail == "" {
			return fmt.Errorf("rule %d: needs reply or fail", i)
		}
		re, err := regexp.Compile(r.Match)
		if err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		r.re = re
	}
	return nil
}

// envVarPattern matches ${VAR_NAME} and $VAR_NAME.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR} and $VAR with the environment value.
// Missing vars become empty strings.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}

// Assistant answers chat jobs from a Script and keeps each user's todos and
// conversation history in the store.
type Assistant struct {
	script *Script
	store  *store.Store
	logger zerolog.Logger
}

// NewAssistant creates an assistant. A nil script means DefaultScript.
func NewAssistant(script *Script, st *store.Store, logger zerolog.Logger) *Assistant {
	if script == nil {
		script = DefaultScript()
	}
	return &Assistant{
		script: script,
		store:  st,
		logger: logger.With().Str("component", "assistant").Logger(),
	}
}

// Respond records the user's message, builds the reply and records it.
func (a *Assistant) Respond(ctx context.Context, job *Job) (string, error) {
	if err := a.ensureThread(job); err != nil {
		return "", err
	}
	if err := a.store.AppendMessage(job.ThreadID, "user", job.Message); err != nil {
		return "", err
	}

	reply, err := a.reply(ctx, job)
	if err != nil {
		return "", err
	}
	if job.New && a.script.Greeting != "" {
		reply = a.script.Greeting + "\n" + reply
	}

	if err := a.store.AppendMessage(job.ThreadID, "assistant", reply); err != nil {
		return "", err
	}
	return reply, nil
}

// ensureThread creates the job's thread when it is new, or unknown after a
// restart of the backend.
func (a *Assistant) ensureThread(job *Job) error {
	if !job.New {
		_, err := a.store.GetThread(job.ThreadID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		a.logger.Debug().Str("thread_id", job.ThreadID).Msg("recreating unknown thread")
	}
	return a.store.CreateThread(job.ThreadID, job.UserID)
}

var estimatePattern = regexp.MustCompile(`(?i)\s+in\s+(\d+)\s*m(in(utes?)?)?$`)

func (a *Assistant) reply(ctx context.Context, job *Job) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	msg := strings.TrimSpace(job.Message)
	verb, rest, _ := strings.Cut(msg, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(verb) {
	case "add":
		if rest != "" {
			return a.add(job.UserID, rest)
		}
	case "done":
		if rest != "" {
			return a.setStatus(job.UserID, rest, "done", "Marked %q as done.")
		}
	case "start":
		if rest != "" {
			return a.setStatus(job.UserID, rest, "in progress", "Started %q.")
		}
	case "archive":
		if rest != "" {
			return a.setStatus(job.UserID, rest, "archived", "Archived %q.")
		}
	case "delete", "remove":
		if rest != "" {
			return a.remove(job.UserID, rest)
		}
	case "list":
		return a.list(job.UserID)
	case "history":
		msgs, err := a.store.Messages(job.ThreadID, 0)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("This conversation has %d messages so far.", len(msgs)), nil
	}

	for _, r := range a.script.Rules {
		if !r.re.MatchString(msg) {
			continue
		}
		if r.Fail != "" {
			return "", errors.New(r.Fail)
		}
		return r.Reply, nil
	}
	return a.script.Fallback, nil
}

func (a *Assistant) add(userID, task string) (string, error) {
	t := &store.Todo{ID: uuid.New().String(), UserID: userID}
	if m := estimatePattern.FindStringSubmatchIndex(task); m != nil {
		minutes, err := strconv.Atoi(task[m[2]:m[3]])
		if err == nil {
			t.TimeToComplete = &minutes
			task = task[:m[0]]
		}
	}
	t.Task = task
	if err := a.store.SaveTodo(t); err != nil {
		return "", err
	}
	a.logger.Debug().Str("user_id", userID).Str("todo_id", t.ID).Msg("todo added")
	if t.TimeToComplete != nil {
		return fmt.Sprintf("Added %q to your list (about %d minutes).", t.Task, *t.TimeToComplete), nil
	}
	return fmt.Sprintf("Added %q to your list.", t.Task), nil
}

func (a *Assistant) setStatus(userID, query, status, format string) (string, error) {
	t, err := a.store.FindTodo(userID, query)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Sprintf("I couldn't find a todo matching %q.", query), nil
	}
	if err != nil {
		return "", err
	}
	if err := a.store.UpdateTodoStatus(userID, t.ID, status); err != nil {
		return "", err
	}
	return fmt.Sprintf(format, t.Task), nil
}

func (a *Assistant) remove(userID, query string) (string, error) {
	t, err := a.store.FindTodo(userID, query)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Sprintf("I couldn't find a todo matching %q.", query), nil
	}
	if err != nil {
		return "", err
	}
	if err := a.store.DeleteTodo(userID, t.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Deleted %q.", t.Task), nil
}

func (a *Assistant) list(userID string) (string, error) {
	todos, err := a.store.ListTodos(userID)
	if err != nil {
		return "", err
	}
	var open []*store.Todo
	for _, t := range todos {
		if t.Status != "archived" {
			open = append(open, t)
		}
	}
	if len(open) == 0 {
		return "Your list is empty.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You have %d todos:", len(open))
	for i, t := range open {
		fmt.Fprintf(&b, "\n%d. %s [%s]", i+1, t.Task, t.Status)
	}
	return b.String(), nil
}
