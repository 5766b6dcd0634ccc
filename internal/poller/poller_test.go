package poller

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kd/internal/config"
	"kd/internal/layout"
	"kd/internal/thread"
)

func testSetup(t *testing.T) (*Poller, *thread.Store, *layout.Layout) {
	t.Helper()
	l := layout.New(t.TempDir())
	threads := thread.NewStore(l)
	_, err := threads.CreateThread("main", "council", nil, thread.PatternCouncil)
	require.NoError(t, err)

	cfg := &config.Config{
		Agents: map[string]config.AgentConfig{
			"claude": {Parser: "claude"},
			"cursor": {Parser: "cursor"},
		},
	}
	p := New(l, threads, cfg, "main", "council", []string{"claude", "cursor"}, 0)
	return p, threads, l
}

// collect drains events until want of the given kind arrived or the deadline
// passed.
func collect(t *testing.T, p *Poller, kind Kind, want int, deadline time.Duration) []Event {
	t.Helper()
	var got []Event
	timer := time.After(deadline)
	for len(got) < want {
		select {
		case ev, ok := <-p.Events():
			if !ok {
				t.Fatalf("event channel closed; got %d/%d", len(got), want)
			}
			if ev.Kind == kind {
				got = append(got, ev)
			}
		case <-timer:
			t.Fatalf("timed out waiting for %d events of kind %d; got %d", want, kind, len(got))
		}
	}
	return got
}

func TestPollerReportsNewMessages(t *testing.T) {
	p, threads, _ := testSetup(t)
	p.Start()
	defer p.Stop()

	_, _, err := threads.AppendMessage("main", "council", "king", "", "hello council", nil)
	require.NoError(t, err)
	_, _, err = threads.AppendMessage("main", "council", "claude", "", "hello king", nil)
	require.NoError(t, err)

	got := collect(t, p, KindMessage, 2, 5*time.Second)
	assert.Equal(t, 1, got[0].Message.Seq)
	assert.Equal(t, "king", got[0].Member)
	assert.Equal(t, 2, got[1].Message.Seq)
	assert.Equal(t, "claude", got[1].Member)
}

func TestPollerTailsStreamIncrementally(t *testing.T) {
	p, _, l := testSetup(t)
	p.Start()
	defer p.Stop()

	streamPath := l.StreamPath("main", "council", "claude")
	f, err := os.OpenFile(streamPath, os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString(`{"type":"stream_event","event":{"delta":{"type":"text_delta","text":"first "}}}` + "\n")
	require.NoError(t, err)
	collect(t, p, KindStreamStarted, 1, 5*time.Second)
	got := collect(t, p, KindStreamDelta, 1, 5*time.Second)
	assert.Equal(t, "first ", got[0].Text)
	assert.Equal(t, "claude", got[0].Member)

	_, err = f.WriteString(`{"type":"stream_event","event":{"delta":{"type":"text_delta","text":"second"}}}` + "\n")
	require.NoError(t, err)
	got = collect(t, p, KindStreamDelta, 1, 5*time.Second)
	assert.Equal(t, "second", got[0].Text)

	require.NoError(t, f.Close())
	require.NoError(t, os.Remove(streamPath))
	collect(t, p, KindStreamEnded, 1, 5*time.Second)
}

func TestPollerIgnoresPartialLines(t *testing.T) {
	p, _, l := testSetup(t)
	p.Start()
	defer p.Stop()

	streamPath := l.StreamPath("main", "council", "claude")
	f, err := os.OpenFile(streamPath, os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()

	// No trailing newline: the line is incomplete and must stay buffered.
	_, err = f.WriteString(`{"type":"stream_event","event":{"delta":{"type":"text_delta","text":"hal`)
	require.NoError(t, err)
	collect(t, p, KindStreamStarted, 1, 5*time.Second)

	_, err = f.WriteString(`f"}}}` + "\n")
	require.NoError(t, err)
	got := collect(t, p, KindStreamDelta, 1, 5*time.Second)
	assert.Equal(t, "half", got[0].Text)
}

func TestPollerDiffsCumulativeSnapshots(t *testing.T) {
	p, _, l := testSetup(t)
	p.Start()
	defer p.Stop()

	streamPath := l.StreamPath("main", "council", "cursor")
	f, err := os.OpenFile(streamPath, os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString(`{"type":"assistant","message":{"content":[{"type":"text","text":"Hel"}]}}` + "\n")
	require.NoError(t, err)
	got := collect(t, p, KindStreamDelta, 1, 5*time.Second)
	assert.Equal(t, "Hel", got[0].Text)

	_, err = f.WriteString(`{"type":"assistant","message":{"content":[{"type":"text","text":"Hello world"}]}}` + "\n")
	require.NoError(t, err)
	got = collect(t, p, KindStreamDelta, 1, 5*time.Second)
	assert.Equal(t, "lo world", got[0].Text)
}

func TestPollerResetsOnShrink(t *testing.T) {
	p, _, l := testSetup(t)
	p.Start()
	defer p.Stop()

	streamPath := l.StreamPath("main", "council", "claude")
	line := `{"type":"stream_event","event":{"delta":{"type":"text_delta","text":"old old old"}}}` + "\n"
	require.NoError(t, os.WriteFile(streamPath, []byte(line), 0o644))
	got := collect(t, p, KindStreamDelta, 1, 5*time.Second)
	assert.Equal(t, "old old old", got[0].Text)

	// A smaller rewrite means a new invocation reused the path.
	short := `{"type":"stream_event","event":{"delta":{"type":"text_delta","text":"new"}}}` + "\n"
	require.NoError(t, os.WriteFile(streamPath, []byte(short), 0o644))
	got = collect(t, p, KindStreamDelta, 1, 5*time.Second)
	assert.Equal(t, "new", got[0].Text)
}
