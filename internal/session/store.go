// Package session persists per-agent runtime records.
//
// Each agent role writes only its own JSON file, so no locking is needed.
// Stale records (dead pid) are filtered at the ListActive boundary and left
// on disk until the owner's next write.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"kd/internal/layout"
	"kd/internal/logging"
)

// Status is the runtime state of an agent session.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusWorking         Status = "working"
	StatusAwaitingCouncil Status = "awaiting_council"
	StatusNeedsKingReview Status = "needs_king_review"
	StatusBlocked         Status = "blocked"
	StatusDone            Status = "done"
	StatusFailed          Status = "failed"
	StatusStopped         Status = "stopped"
)

// Terminal reports whether the status means the process has exited.
func (s Status) Terminal() bool {
	switch s {
	case StatusIdle, StatusDone, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// ErrNotFound is returned for a session file that does not exist.
var ErrNotFound = errors.New("session not found")

// AgentState is the runtime record of one agent role on a branch.
type AgentState struct {
	Agent             string    `json:"agent"`
	Backend           string    `json:"backend,omitempty"`
	ResumeID          string    `json:"resume_id,omitempty"`
	Status            Status    `json:"status"`
	PID               int       `json:"pid,omitempty"`
	TicketID          string    `json:"ticket_id,omitempty"`
	ThreadID          string    `json:"thread_id,omitempty"`
	StartedAt         time.Time `json:"started_at,omitempty"`
	LastActivity      time.Time `json:"last_activity,omitempty"`
	StartSHA          string    `json:"start_sha,omitempty"`
	ReviewBounceCount int       `json:"review_bounce_count"`
	HandMode          bool      `json:"hand_mode,omitempty"`
}

// Alive reports whether the recorded pid names a live process.
// Records with status=working and a dead pid are stale, not errors.
func (a *AgentState) Alive() bool {
	if a.PID <= 0 {
		return false
	}
	return syscall.Kill(a.PID, 0) == nil
}

// Store reads and writes session records for one repository.
type Store struct {
	layout *layout.Layout
	logger logging.Logger
}

// NewStore returns a session store over the given layout.
func NewStore(l *layout.Layout) *Store {
	return &Store{layout: l, logger: logging.NewComponentLogger("SessionStore")}
}

// Get reads the record for an agent role.
func (s *Store) Get(branch, agent string) (*AgentState, error) {
	path := s.layout.SessionPath(branch, agent)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s: %w", agent, ErrNotFound)
		}
		return nil, err
	}
	var state AgentState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", path, err)
	}
	if state.Agent == "" {
		state.Agent = agent
	}
	return &state, nil
}

// Set writes the full record for an agent role.
func (s *Store) Set(branch string, state *AgentState) error {
	if state.Agent == "" {
		return fmt.Errorf("session agent name required")
	}
	path := s.layout.SessionPath(branch, state.Agent)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Update applies fn to the current record (zero record when absent) and
// writes it back. Fields not touched by fn are preserved.
func (s *Store) Update(branch, agent string, fn func(*AgentState)) (*AgentState, error) {
	state, err := s.Get(branch, agent)
	if errors.Is(err, ErrNotFound) {
		state = &AgentState{Agent: agent, Status: StatusIdle}
	} else if err != nil {
		return nil, err
	}
	fn(state)
	state.Agent = agent
	if err := s.Set(branch, state); err != nil {
		return nil, err
	}
	return state, nil
}

// List returns every session record on a branch, stale ones included.
func (s *Store) List(branch string) ([]*AgentState, error) {
	entries, err := os.ReadDir(s.layout.SessionsDir(branch))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var states []*AgentState
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		agent := strings.TrimSuffix(entry.Name(), ".json")
		state, err := s.Get(branch, agent)
		if err != nil {
			s.logger.Warn("skipping session %s: %v", entry.Name(), err)
			continue
		}
		states = append(states, state)
	}
	return states, nil
}

// ListActive returns sessions in a non-terminal status whose pid is alive.
func (s *Store) ListActive(branch string) ([]*AgentState, error) {
	all, err := s.List(branch)
	if err != nil {
		return nil, err
	}
	var active []*AgentState
	for _, state := range all {
		if state.Status.Terminal() {
			continue
		}
		if !state.Alive() {
			continue
		}
		active = append(active, state)
	}
	return active, nil
}

// FindTaskOwner returns the alive session holding a ticket, or nil.
func (s *Store) FindTaskOwner(branch, ticketID string) (*AgentState, error) {
	active, err := s.ListActive(branch)
	if err != nil {
		return nil, err
	}
	for _, state := range active {
		if state.TicketID == ticketID {
			return state, nil
		}
	}
	return nil, nil
}

// FindHandMode returns an alive hand-mode session on the branch, or nil.
// Only one hand-mode harness may be active per repository checkout.
func (s *Store) FindHandMode(branch string) (*AgentState, error) {
	active, err := s.ListActive(branch)
	if err != nil {
		return nil, err
	}
	for _, state := range active {
		if state.HandMode {
			return state, nil
		}
	}
	return nil, nil
}
