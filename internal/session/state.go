package session

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// BranchState is the per-branch operational blob (state.json).
// Read-modify-write; a single process mutates it at a time by convention.
type BranchState struct {
	CurrentThread  string `json:"current_thread,omitempty"`
	DesignApproved bool   `json:"design_approved"`
	Done           bool   `json:"done"`
}

// GetBranchState reads the branch state, returning a zero value when absent.
func (s *Store) GetBranchState(branch string) (*BranchState, error) {
	data, err := os.ReadFile(s.layout.StatePath(branch))
	if err != nil {
		if os.IsNotExist(err) {
			return &BranchState{}, nil
		}
		return nil, err
	}
	var state BranchState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// SetBranchState writes the branch state blob.
func (s *Store) SetBranchState(branch string, state *BranchState) error {
	path := s.layout.StatePath(branch)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// GetCurrentThread returns the branch's current thread pointer.
func (s *Store) GetCurrentThread(branch string) (string, error) {
	state, err := s.GetBranchState(branch)
	if err != nil {
		return "", err
	}
	return state.CurrentThread, nil
}

// SetCurrentThread updates the branch's current thread pointer.
func (s *Store) SetCurrentThread(branch, threadID string) error {
	state, err := s.GetBranchState(branch)
	if err != nil {
		return err
	}
	state.CurrentThread = threadID
	return s.SetBranchState(branch, state)
}
