package thread

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kd/internal/layout"
)

func newTestStore(t *testing.T) (*Store, *layout.Layout) {
	t.Helper()
	l := layout.New(t.TempDir())
	return NewStore(l), l
}

func TestCreateThread(t *testing.T) {
	s, _ := newTestStore(t)
	meta, err := s.CreateThread("main", "council", []string{"king", "claude"}, PatternCouncil)
	require.NoError(t, err)
	assert.Equal(t, "council", meta.ID)
	assert.Equal(t, PatternCouncil, meta.Pattern)

	_, err = s.CreateThread("main", "council", nil, PatternCouncil)
	assert.ErrorIs(t, err, ErrExists)

	got, err := s.GetThread("main", "council")
	require.NoError(t, err)
	assert.Equal(t, []string{"king", "claude"}, got.Members)
}

func TestGetThreadNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetThread("main", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendAndList(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.CreateThread("main", "council", nil, PatternCouncil)
	require.NoError(t, err)

	seq, path, err := s.AppendMessage("main", "council", "king", "", "first question", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, seq)
	assert.Equal(t, "0001-king.md", filepath.Base(path))

	seq, _, err = s.AppendMessage("main", "council", "claude", "king", "an answer", []string{"a1b2"})
	require.NoError(t, err)
	assert.Equal(t, 2, seq)

	msgs, err := s.ListMessages("main", "council")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "king", msgs[0].From)
	assert.Equal(t, "first question", msgs[0].Body)
	assert.Equal(t, "claude", msgs[1].From)
	assert.Equal(t, "king", msgs[1].To)
	assert.Equal(t, []string{"a1b2"}, msgs[1].Refs)
	assert.False(t, msgs[1].Timestamp.IsZero())
}

func TestAppendToMissingThread(t *testing.T) {
	s, _ := newTestStore(t)
	_, _, err := s.AppendMessage("main", "ghost", "king", "", "hello", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendStripsTrailingWhitespace(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.CreateThread("main", "council", nil, PatternCouncil)
	require.NoError(t, err)

	body := "line one   \n\nline two\t\n"
	_, path, err := s.AppendMessage("main", "council", "king", "", body, nil)
	require.NoError(t, err)

	msg, err := s.ReadMessage(path)
	require.NoError(t, err)
	assert.Equal(t, "line one\n\nline two", msg.Body)
}

func TestConcurrentAppendsStayDense(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.CreateThread("main", "council", nil, PatternCouncil)
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	// A fresh store per goroutine simulates separate processes sharing only
	// the filesystem.
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			local := NewStore(layout.New(s.layout.Repo()))
			_, _, errs[i] = local.AppendMessage("main", "council", fmt.Sprintf("w%d", i), "", "body", nil)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}

	msgs, err := s.ListMessages("main", "council")
	require.NoError(t, err)
	require.Len(t, msgs, writers)
	for i, msg := range msgs {
		assert.Equal(t, i+1, msg.Seq, "sequence must be dense")
	}
}

func TestListSkipsNonMatchingFiles(t *testing.T) {
	s, l := newTestStore(t)
	_, err := s.CreateThread("main", "council", nil, PatternCouncil)
	require.NoError(t, err)
	_, _, err = s.AppendMessage("main", "council", "king", "", "real", nil)
	require.NoError(t, err)

	dir := l.ThreadDir("main", "council")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte("scratch"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0002-broken.md"), []byte("no frontmatter"), 0o644))

	msgs, err := s.ListMessages("main", "council")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "king", msgs[0].From)
}

func TestMessagesAfter(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.CreateThread("main", "work", nil, PatternWork)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, _, err := s.AppendMessage("main", "work", "king", "", fmt.Sprintf("msg %d", i), nil)
		require.NoError(t, err)
	}

	msgs, err := s.MessagesAfter("main", "work", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, 3, msgs[0].Seq)
	assert.Equal(t, 4, msgs[1].Seq)

	msgs, err = s.MessagesAfter("main", "work", 99)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSeqFromName(t *testing.T) {
	cases := []struct {
		name string
		seq  int
		ok   bool
	}{
		{"0001-king.md", 1, true},
		{"0042-claude.md", 42, true},
		{"0000-zero.md", 0, false},
		{"1-king.md", 0, false},
		{"thread.json", 0, false},
	}
	for _, tc := range cases {
		seq, ok := seqFromName(tc.name)
		assert.Equal(t, tc.ok, ok, tc.name)
		if ok {
			assert.Equal(t, tc.seq, seq, tc.name)
		}
	}
}
