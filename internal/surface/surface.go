// Package surface renders a chat session snapshot as terminal text. It holds
// no state of its own.
package surface

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/p-blackswan/todo-maistro/internal/session"
	"github.com/p-blackswan/todo-maistro/internal/todos"
)

// QueuedHint is shown while a submitted job has produced no text yet.
const QueuedHint = "Job queued and processing..."

// Styles are the lipgloss styles used for labels and status text.
type Styles struct {
	User      lipgloss.Style
	Assistant lipgloss.Style
	Status    lipgloss.Style
	Failure   lipgloss.Style
	Cursor    string
}

// DefaultStyles returns the standard palette.
func DefaultStyles() Styles {
	return Styles{
		User:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		Assistant: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
		Status:    lipgloss.NewStyle().Faint(true),
		Failure:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		Cursor:    "▌",
	}
}

// View renders snapshots at a fixed width.
type View struct {
	Width  int
	Styles Styles
}

// NewView creates a view with the default styles.
func NewView(width int) View {
	return View{Width: width, Styles: DefaultStyles()}
}

// Render projects snap into text. tick advances the thinking indicator.
func (v View) Render(snap session.Snapshot, tick int) string {
	var b strings.Builder
	for _, m := range snap.Transcript {
		b.WriteString(v.message(m))
		b.WriteString("\n")
	}

	if snap.Busy() {
		label := v.Styles.Assistant.Render("Assistant:")
		switch {
		case snap.Draft != "":
			b.WriteString(v.wrap(label + " " + snap.Draft + v.Styles.Cursor))
		default:
			b.WriteString(label + " " + ThinkingDots(tick))
		}
		b.WriteString("\n")

		var status []string
		if badge := Badge(snap.JobID); badge != "" {
			status = append(status, badge)
		}
		if snap.Thinking {
			status = append(status, QueuedHint)
		}
		if len(status) > 0 {
			b.WriteString(v.Styles.Status.Render(strings.Join(status, "  ")))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Prompt returns the input prompt; it is disabled while a turn is in flight.
func (v View) Prompt(snap session.Snapshot) string {
	switch {
	case snap.State == session.StateClosed:
		return v.Styles.Status.Render("(session closed)")
	case snap.Busy():
		return v.Styles.Status.Render("(waiting for reply)")
	default:
		return "> "
	}
}

func (v View) message(m session.Message) string {
	if m.Role == session.RoleUser {
		return v.wrap(v.Styles.User.Render("You:") + " " + m.Content)
	}
	content := m.Content
	if content == session.FailureMessage {
		content = v.Styles.Failure.Render(content)
	}
	return v.wrap(v.Styles.Assistant.Render("Assistant:") + " " + content)
}

func (v View) wrap(s string) string {
	if v.Width <= 0 {
		return s
	}
	return lipgloss.NewStyle().Width(v.Width).Render(s)
}

// Todos renders the todo panel shown under the conversation. Archived items
// are hidden.
func (v View) Todos(items []todos.Todo) string {
	var b strings.Builder
	b.WriteString(v.Styles.Status.Render("Todos"))
	b.WriteString("\n")
	shown := 0
	for _, t := range items {
		if t.Status == todos.StatusArchived {
			continue
		}
		shown++
		mark := "[ ]"
		switch t.Status {
		case todos.StatusDone:
			mark = "[x]"
		case todos.StatusInProgress:
			mark = "[~]"
		}
		line := mark + " " + t.Task
		if t.TimeToComplete != nil {
			line += fmt.Sprintf(" (%dm)", *t.TimeToComplete)
		}
		if t.Deadline != nil && *t.Deadline != "" {
			line += " due " + *t.Deadline
		}
		b.WriteString(v.wrap(line))
		b.WriteString("\n")
	}
	if shown == 0 {
		b.WriteString(v.Styles.Status.Render("(nothing to do)"))
		b.WriteString("\n")
	}
	return b.String()
}

// Badge abbreviates a job id to its first 8 characters.
func Badge(jobID string) string {
	if jobID == "" {
		return ""
	}
	if len(jobID) > 8 {
		jobID = jobID[:8]
	}
	return "Job: " + jobID + "..."
}

// ThinkingDots returns one to three dots cycling with tick.
func ThinkingDots(tick int) string {
	if tick < 0 {
		tick = -tick
	}
	return strings.Repeat(".", tick%3+1)
}
