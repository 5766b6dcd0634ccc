// Package ticket implements the task store: one markdown file per task with
// YAML frontmatter, a status state machine, and backlog/archive moves.
package ticket

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"kd/internal/frontmatter"
)

// Status is the lifecycle state of a ticket.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusInReview   Status = "in_review"
	StatusClosed     Status = "closed"
)

// ErrInvalidTransition is returned for a status change outside the table.
var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[Status][]Status{
	StatusOpen:       {StatusInProgress},
	StatusInProgress: {StatusInReview, StatusClosed},
	StatusInReview:   {StatusInProgress, StatusClosed},
	StatusClosed:     {StatusOpen},
}

// CanTransition reports whether s → to is a legal lifecycle move.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusInReview, StatusClosed:
		return true
	}
	return false
}

// Ticket is one unit of work.
type Ticket struct {
	ID       string
	Status   Status
	Deps     []string
	Links    []string
	Created  time.Time
	Type     string
	Priority string
	Assignee string
	HandMode bool

	// Body is the markdown after the frontmatter: title heading,
	// description, acceptance criteria, worklog.
	Body string

	// Path is where the ticket currently lives on disk.
	Path string
}

type ticketMeta struct {
	ID       string    `yaml:"id"`
	Status   Status    `yaml:"status"`
	Deps     []string  `yaml:"deps"`
	Links    []string  `yaml:"links"`
	Created  time.Time `yaml:"created"`
	Type     string    `yaml:"type"`
	Priority string    `yaml:"priority"`
	Assignee string    `yaml:"assignee"`
	HandMode *bool     `yaml:"hand_mode,omitempty"`
}

// Title returns the first heading of the body, or "" when absent.
func (t *Ticket) Title() string {
	for _, line := range strings.Split(t.Body, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return ""
}

// Description returns the paragraph between the title and the first section.
func (t *Ticket) Description() string {
	lines := strings.Split(t.Body, "\n")
	var desc []string
	seenTitle := false
	for _, line := range lines {
		if strings.HasPrefix(line, "# ") {
			seenTitle = true
			continue
		}
		if strings.HasPrefix(line, "## ") {
			break
		}
		if seenTitle {
			desc = append(desc, line)
		}
	}
	return strings.TrimSpace(strings.Join(desc, "\n"))
}

// AcceptanceCriteria returns the checkbox items under "## Acceptance Criteria".
func (t *Ticket) AcceptanceCriteria() []string {
	var items []string
	inSection := false
	for _, line := range strings.Split(t.Body, "\n") {
		if strings.HasPrefix(line, "## ") {
			inSection = strings.TrimSpace(line) == "## Acceptance Criteria"
			continue
		}
		if !inSection {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- [ ]") || strings.HasPrefix(trimmed, "- [x]") {
			items = append(items, trimmed)
		}
	}
	return items
}

// Worklog returns the raw lines of the worklog section.
func (t *Ticket) Worklog() string {
	var out []string
	inSection := false
	for _, line := range strings.Split(t.Body, "\n") {
		if strings.HasPrefix(line, "## ") {
			inSection = strings.TrimSpace(line) == "## Worklog"
			continue
		}
		if inSection {
			out = append(out, line)
		}
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// WorklogTail returns the last n non-empty worklog lines.
func (t *Ticket) WorklogTail(n int) string {
	var lines []string
	for _, line := range strings.Split(t.Worklog(), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// AppendWorklog inserts an entry at the end of the worklog section, before
// any following "##" heading so entries stay inside their section. The
// section is created when missing.
func (t *Ticket) AppendWorklog(entry string) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return
	}
	stamped := fmt.Sprintf("- %s %s", time.Now().UTC().Format("2006-01-02 15:04"), entry)

	lines := strings.Split(t.Body, "\n")
	sectionStart := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == "## Worklog" {
			sectionStart = i
			break
		}
	}
	if sectionStart < 0 {
		body := strings.TrimRight(t.Body, "\n")
		t.Body = body + "\n\n## Worklog\n\n" + stamped + "\n"
		return
	}

	insertAt := len(lines)
	for i := sectionStart + 1; i < len(lines); i++ {
		if strings.HasPrefix(lines[i], "## ") {
			insertAt = i
			break
		}
	}
	// Back up over blank lines separating this section from the next heading.
	for insertAt > sectionStart+1 && strings.TrimSpace(lines[insertAt-1]) == "" {
		insertAt--
	}
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:insertAt]...)
	out = append(out, stamped)
	out = append(out, lines[insertAt:]...)
	t.Body = strings.Join(out, "\n")
}

// Serialize renders the ticket as frontmatter + body.
func (t *Ticket) Serialize() ([]byte, error) {
	meta := ticketMeta{
		ID:       t.ID,
		Status:   t.Status,
		Deps:     t.Deps,
		Links:    t.Links,
		Created:  t.Created,
		Type:     t.Type,
		Priority: t.Priority,
		Assignee: t.Assignee,
	}
	if t.HandMode {
		handMode := true
		meta.HandMode = &handMode
	}
	return frontmatter.Render(meta, t.Body)
}

// Parse decodes a ticket file.
func Parse(path string, data []byte) (*Ticket, error) {
	var meta ticketMeta
	body, err := frontmatter.Parse(data, &meta)
	if err != nil {
		return nil, fmt.Errorf("ticket %s: %w", path, err)
	}
	if meta.ID == "" {
		return nil, fmt.Errorf("ticket %s: missing id", path)
	}
	if !meta.Status.Valid() {
		return nil, fmt.Errorf("ticket %s: unknown status %q", path, meta.Status)
	}
	t := &Ticket{
		ID:       meta.ID,
		Status:   meta.Status,
		Deps:     meta.Deps,
		Links:    meta.Links,
		Created:  meta.Created,
		Type:     meta.Type,
		Priority: meta.Priority,
		Assignee: meta.Assignee,
		Body:     body,
		Path:     path,
	}
	if meta.HandMode != nil {
		t.HandMode = *meta.HandMode
	}
	return t, nil
}

// ComposeBody builds the canonical body for a new ticket.
func ComposeBody(title, description string, criteria []string) string {
	var b strings.Builder
	b.WriteString("# " + title + "\n")
	if description != "" {
		b.WriteString("\n" + strings.TrimSpace(description) + "\n")
	}
	b.WriteString("\n## Acceptance Criteria\n\n")
	for _, item := range criteria {
		b.WriteString("- [ ] " + item + "\n")
	}
	b.WriteString("\n## Worklog\n")
	return b.String()
}
