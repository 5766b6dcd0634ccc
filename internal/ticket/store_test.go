package ticket

import (
	"os"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kd/internal/layout"
)

func newTestStore(t *testing.T) (*Store, *layout.Layout) {
	t.Helper()
	l := layout.New(t.TempDir())
	require.NoError(t, os.MkdirAll(l.BranchDir("main"), 0o755))
	return NewStore(l), l
}

func TestCreateOnBranch(t *testing.T) {
	s, l := newTestStore(t)
	tk, err := s.Create("main", "Do the thing", "because", []string{"it works"})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{4}$`), tk.ID)
	assert.Equal(t, StatusOpen, tk.Status)
	assert.Equal(t, l.TicketPath("main", tk.ID), tk.Path)

	got, err := s.Get("main", tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "Do the thing", got.Title())
}

func TestCreateInBacklog(t *testing.T) {
	s, l := newTestStore(t)
	tk, err := s.Create("", "Backlog item", "", nil)
	require.NoError(t, err)
	assert.Equal(t, l.BacklogTicketPath(tk.ID), tk.Path)

	_, err = s.Get("main", tk.ID)
	assert.ErrorIs(t, err, ErrInBacklog)

	got, err := s.GetBacklog(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, got.ID)
}

func TestGetNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get("main", "ffff")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionPersists(t *testing.T) {
	s, _ := newTestStore(t)
	tk, err := s.Create("main", "T", "", nil)
	require.NoError(t, err)

	require.NoError(t, s.Transition(tk, StatusInProgress))
	got, err := s.Get("main", tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)

	err = s.Transition(got, StatusOpen)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	// The in-memory ticket keeps its status on a refused transition.
	assert.Equal(t, StatusInProgress, got.Status)
}

func TestBacklogArchiveRoundTrip(t *testing.T) {
	s, l := newTestStore(t)
	tk, err := s.Create("", "Archive me", "", nil)
	require.NoError(t, err)
	id := tk.ID

	require.NoError(t, s.Transition(tk, StatusInProgress))
	require.NoError(t, s.Transition(tk, StatusClosed))
	assert.Equal(t, l.ArchiveBacklogTicketPath(id), tk.Path)
	_, err = os.Stat(l.BacklogTicketPath(id))
	assert.True(t, os.IsNotExist(err), "backlog copy must be gone")

	found, err := s.Find(id)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, found.Status)

	require.NoError(t, s.Transition(found, StatusOpen))
	assert.Equal(t, l.BacklogTicketPath(id), found.Path)
	got, err := s.GetBacklog(id)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)
}

func TestIDsNeverCollide(t *testing.T) {
	s, _ := newTestStore(t)
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		tk, err := s.Create("main", "T", "", nil)
		require.NoError(t, err)
		assert.False(t, seen[tk.ID], "duplicate id %s", tk.ID)
		seen[tk.ID] = true
	}
}

func TestFindAcrossTrees(t *testing.T) {
	s, _ := newTestStore(t)
	onBranch, err := s.Create("main", "On branch", "", nil)
	require.NoError(t, err)
	inBacklog, err := s.Create("", "In backlog", "", nil)
	require.NoError(t, err)

	got, err := s.Find(onBranch.ID)
	require.NoError(t, err)
	assert.Equal(t, "On branch", got.Title())

	got, err = s.Find(inBacklog.ID)
	require.NoError(t, err)
	assert.Equal(t, "In backlog", got.Title())

	_, err = s.Find("0000")
	assert.ErrorIs(t, err, ErrNotFound)
}
