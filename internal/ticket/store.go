package ticket

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"kd/internal/layout"
	"kd/internal/logging"
)

var (
	// ErrNotFound is returned when a ticket id resolves nowhere.
	ErrNotFound = errors.New("ticket not found")
	// ErrInBacklog is returned by branch lookups when the ticket exists in
	// the backlog instead; callers surface the auto-pull hint.
	ErrInBacklog = errors.New("ticket is in the backlog")
)

// Store manages ticket files across branch, backlog and archive trees.
type Store struct {
	layout *layout.Layout
	logger logging.Logger
}

// NewStore returns a ticket store over the given layout.
func NewStore(l *layout.Layout) *Store {
	return &Store{layout: l, logger: logging.NewComponentLogger("TicketStore")}
}

// Create allocates a fresh 4-hex id and writes a new open ticket on the
// branch (or the backlog when branch is empty). The id keyspace is 16 bits;
// collisions are retried, duplicates refused.
func (s *Store) Create(branch, title, description string, criteria []string) (*Ticket, error) {
	if title == "" {
		return nil, fmt.Errorf("ticket title required")
	}
	id, err := s.newID()
	if err != nil {
		return nil, err
	}
	t := &Ticket{
		ID:      id,
		Status:  StatusOpen,
		Created: time.Now().UTC(),
		Type:    "task",
		Body:    ComposeBody(title, description, criteria),
	}
	if branch == "" {
		t.Path = s.layout.BacklogTicketPath(id)
	} else {
		t.Path = s.layout.TicketPath(branch, id)
	}
	if err := s.write(t, true); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) newID() (string, error) {
	for attempt := 0; attempt < 32; attempt++ {
		var raw [2]byte
		if _, err := rand.Read(raw[:]); err != nil {
			return "", fmt.Errorf("generate ticket id: %w", err)
		}
		id := hex.EncodeToString(raw[:])
		taken, err := s.idExists(id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", fmt.Errorf("ticket id space exhausted after 32 attempts")
}

func (s *Store) idExists(id string) (bool, error) {
	for _, path := range s.candidatePaths(id) {
		if _, err := os.Stat(path); err == nil {
			return true, nil
		} else if !os.IsNotExist(err) {
			return false, err
		}
	}
	// Archived branch tickets.
	matches, err := filepath.Glob(filepath.Join(s.layout.Base(), "archive", "branches", "*", "tickets", id+".md"))
	if err != nil {
		return false, err
	}
	return len(matches) > 0, nil
}

func (s *Store) candidatePaths(id string) []string {
	var paths []string
	branches, _ := s.layout.ListBranches()
	for _, branch := range branches {
		paths = append(paths, s.layout.TicketPath(branch, id))
	}
	paths = append(paths,
		s.layout.BacklogTicketPath(id),
		s.layout.ArchiveBacklogTicketPath(id),
	)
	return paths
}

// Get loads a ticket from a branch. When the id exists in the backlog
// instead, the error wraps ErrInBacklog so the CLI can hint at auto-pull.
func (s *Store) Get(branch, id string) (*Ticket, error) {
	t, err := s.load(s.layout.TicketPath(branch, id))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if _, berr := os.Stat(s.layout.BacklogTicketPath(id)); berr == nil {
		return nil, fmt.Errorf("ticket %s: %w", id, ErrInBacklog)
	}
	return nil, fmt.Errorf("ticket %s on branch %s: %w", id, branch, ErrNotFound)
}

// GetBacklog loads a ticket from the backlog.
func (s *Store) GetBacklog(id string) (*Ticket, error) {
	return s.load(s.layout.BacklogTicketPath(id))
}

// Find resolves an id anywhere: branch tickets, backlog, archive.
func (s *Store) Find(id string) (*Ticket, error) {
	for _, path := range s.candidatePaths(id) {
		t, err := s.load(path)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	matches, err := filepath.Glob(filepath.Join(s.layout.Base(), "archive", "branches", "*", "tickets", id+".md"))
	if err != nil {
		return nil, err
	}
	if len(matches) > 0 {
		return s.load(matches[0])
	}
	return nil, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
}

// List returns a branch's tickets sorted by creation time.
func (s *Store) List(branch string) ([]*Ticket, error) {
	return s.listDir(s.layout.TicketsDir(branch))
}

// ListBacklog returns the backlog tickets.
func (s *Store) ListBacklog() ([]*Ticket, error) {
	return s.listDir(s.layout.BacklogTicketsDir())
}

func (s *Store) listDir(dir string) ([]*Ticket, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.md"))
	if err != nil {
		return nil, err
	}
	tickets := make([]*Ticket, 0, len(paths))
	for _, path := range paths {
		t, err := s.load(path)
		if err != nil {
			s.logger.Warn("skipping ticket %s: %v", path, err)
			continue
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}

// Save rewrites a ticket in place.
func (s *Store) Save(t *Ticket) error {
	return s.write(t, false)
}

// Transition moves a ticket through the status machine and persists it.
// Closing a backlog ticket moves the file to the archive mirror; reopening
// an archived backlog ticket moves it back.
func (s *Store) Transition(t *Ticket, to Status) error {
	if !t.Status.CanTransition(to) {
		return fmt.Errorf("%s -> %s: %w", t.Status, to, ErrInvalidTransition)
	}
	from := t.Status
	t.Status = to
	if err := s.write(t, false); err != nil {
		t.Status = from
		return err
	}

	backlogPath := s.layout.BacklogTicketPath(t.ID)
	archivePath := s.layout.ArchiveBacklogTicketPath(t.ID)
	switch {
	case to == StatusClosed && t.Path == backlogPath:
		return s.move(t, archivePath)
	case to == StatusOpen && t.Path == archivePath:
		return s.move(t, backlogPath)
	}
	return nil
}

func (s *Store) move(t *Ticket, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.Rename(t.Path, dest); err != nil {
		return fmt.Errorf("move ticket %s: %w", t.ID, err)
	}
	t.Path = dest
	return nil
}

func (s *Store) load(path string) (*Ticket, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, err
	}
	return Parse(path, data)
}

func (s *Store) write(t *Ticket, exclusive bool) error {
	data, err := t.Serialize()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.Path), 0o755); err != nil {
		return err
	}
	if exclusive {
		f, err := os.OpenFile(t.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			if os.IsExist(err) {
				return fmt.Errorf("ticket %s already exists", t.ID)
			}
			return err
		}
		defer f.Close()
		_, err = f.Write(data)
		return err
	}
	return os.WriteFile(t.Path, data, 0o644)
}
