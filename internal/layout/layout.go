// Package layout resolves every on-disk path the orchestrator touches.
//
// The directory scheme under <repo>/.kd is consumed by other tools (git
// ignores, the TUI, humans with an editor), so nothing outside this package
// is allowed to assemble those paths by hand.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// Root is the repository-local state directory.
	Root = ".kd"

	configFile  = "config.json"
	designFile  = "design.md"
	stateFile   = "state.json"
	threadMeta  = "thread.json"
	ticketsDir  = "tickets"
	threadsDir  = "threads"
	sessionsDir = "sessions"
	logsDir     = "logs"
)

// Layout resolves paths relative to one repository checkout.
type Layout struct {
	repo string
}

// New returns a Layout rooted at the given repository checkout.
func New(repo string) *Layout {
	return &Layout{repo: repo}
}

// Repo returns the repository checkout this layout is rooted at.
func (l *Layout) Repo() string { return l.repo }

// Base returns <repo>/.kd.
func (l *Layout) Base() string { return filepath.Join(l.repo, Root) }

// ConfigPath returns the tracked config file.
func (l *Layout) ConfigPath() string { return filepath.Join(l.Base(), configFile) }

// BranchDir returns the directory for a branch slug.
func (l *Layout) BranchDir(slug string) string {
	return filepath.Join(l.Base(), "branches", slug)
}

// DesignPath returns the branch design document.
func (l *Layout) DesignPath(slug string) string {
	return filepath.Join(l.BranchDir(slug), designFile)
}

// TicketsDir returns the branch tickets directory.
func (l *Layout) TicketsDir(slug string) string {
	return filepath.Join(l.BranchDir(slug), ticketsDir)
}

// TicketPath returns the markdown file for a ticket on a branch.
func (l *Layout) TicketPath(slug, ticketID string) string {
	return filepath.Join(l.TicketsDir(slug), ticketID+".md")
}

// ThreadsDir returns the branch threads directory.
func (l *Layout) ThreadsDir(slug string) string {
	return filepath.Join(l.BranchDir(slug), threadsDir)
}

// ThreadDir returns the directory for one thread.
func (l *Layout) ThreadDir(branch, thread string) string {
	return filepath.Join(l.ThreadsDir(branch), thread)
}

// ThreadMetaPath returns the thread metadata blob.
func (l *Layout) ThreadMetaPath(branch, thread string) string {
	return filepath.Join(l.ThreadDir(branch, thread), threadMeta)
}

// MessagePath returns the file for message seq from sender in a thread.
// The sender name is slug-normalized for the filename only.
func (l *Layout) MessagePath(branch, thread string, seq int, sender string) string {
	name := fmt.Sprintf("%04d-%s.md", seq, MustSlug(sender))
	return filepath.Join(l.ThreadDir(branch, thread), name)
}

// StreamPath returns the ephemeral NDJSON stream buffer for a member.
func (l *Layout) StreamPath(branch, thread, member string) string {
	return filepath.Join(l.ThreadDir(branch, thread), ".stream-"+MustSlug(member)+".jsonl")
}

// SessionsDir returns the branch sessions directory.
func (l *Layout) SessionsDir(slug string) string {
	return filepath.Join(l.BranchDir(slug), sessionsDir)
}

// SessionPath returns the runtime record for an agent role on a branch.
func (l *Layout) SessionPath(branch, agent string) string {
	return filepath.Join(l.SessionsDir(branch), agent+".json")
}

// LogsDir returns the branch log directory.
func (l *Layout) LogsDir(slug string) string {
	return filepath.Join(l.BranchDir(slug), logsDir)
}

// StatePath returns the branch operational state blob.
func (l *Layout) StatePath(slug string) string {
	return filepath.Join(l.BranchDir(slug), stateFile)
}

// BacklogTicketsDir returns the global backlog tickets directory.
func (l *Layout) BacklogTicketsDir() string {
	return filepath.Join(l.Base(), "backlog", ticketsDir)
}

// BacklogTicketPath returns the backlog file for a ticket.
func (l *Layout) BacklogTicketPath(ticketID string) string {
	return filepath.Join(l.BacklogTicketsDir(), ticketID+".md")
}

// ArchiveBranchDir returns the archive mirror of a branch directory.
func (l *Layout) ArchiveBranchDir(slug string) string {
	return filepath.Join(l.Base(), "archive", "branches", slug)
}

// ArchiveBacklogTicketPath returns the archive mirror of a backlog ticket.
func (l *Layout) ArchiveBacklogTicketPath(ticketID string) string {
	return filepath.Join(l.Base(), "archive", "backlog", ticketsDir, ticketID+".md")
}

// WorktreeDir returns the isolated checkout for a peasant task.
func (l *Layout) WorktreeDir(ticketID string) string {
	return filepath.Join(l.Base(), "worktrees", ticketID)
}

// ListBranches returns the slugs of all non-archived branches.
func (l *Layout) ListBranches() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.Base(), "branches"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var slugs []string
	for _, entry := range entries {
		if entry.IsDir() {
			slugs = append(slugs, entry.Name())
		}
	}
	return slugs, nil
}

// Slug normalizes a human name into its on-disk identity: lowercased,
// runs of non-alphanumerics collapsed to single hyphens, edges stripped.
// Returns an error when nothing survives normalization.
func Slug(name string) (string, error) {
	var b strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(name) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isAlnum {
			if b.Len() > 0 {
				pendingHyphen = true
			}
			continue
		}
		if pendingHyphen {
			b.WriteByte('-')
			pendingHyphen = false
		}
		b.WriteRune(r)
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("name %q has no slug characters", name)
	}
	return b.String(), nil
}

// MustSlug is Slug for names already validated upstream; invalid input
// degrades to "x" instead of panicking in a filename position.
func MustSlug(name string) string {
	s, err := Slug(name)
	if err != nil {
		return "x"
	}
	return s
}
