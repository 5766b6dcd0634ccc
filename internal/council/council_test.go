package council

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kd/internal/config"
	"kd/internal/layout"
	"kd/internal/thread"
)

func testConfig(agents map[string]config.AgentConfig) *config.Config {
	members := make([]string, 0, len(agents))
	for _, name := range []string{"alpha", "beta", "gamma"} {
		if _, ok := agents[name]; ok {
			members = append(members, name)
		}
	}
	return &config.Config{
		Council: config.CouncilConfig{
			Members:  members,
			Timeout:  30,
			Mode:     config.ModeBroadcast,
			Preamble: "You are a read-only advisor.",
		},
		Agents: agents,
	}
}

func fakeMember(t *testing.T, reply string) config.AgentConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "member.sh")
	script := "#!/bin/sh\ncat <<'EOF'\n{\"type\":\"result\",\"result\":\"" + reply + "\",\"session_id\":\"s\"}\nEOF\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return config.AgentConfig{Binary: path, Parser: "claude"}
}

func TestResolveTargets(t *testing.T) {
	cfg := testConfig(map[string]config.AgentConfig{
		"alpha": {}, "beta": {}, "gamma": {},
	})
	o := New(cfg, layout.New(t.TempDir()), nil)

	assert.Equal(t, []string{"alpha", "beta", "gamma"}, o.ResolveTargets("no mentions here", nil))
	assert.Equal(t, []string{"beta"}, o.ResolveTargets("@beta what do you think?", nil))
	assert.Equal(t, []string{"alpha", "beta"}, o.ResolveTargets("@alpha and @beta please", nil))
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, o.ResolveTargets("@all sound off", nil))
	// Unknown mentions fall back to everyone.
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, o.ResolveTargets("@nobody knows", nil))
	// Muting filters after addressing.
	assert.Equal(t, []string{"alpha", "gamma"}, o.ResolveTargets("hello", map[string]bool{"beta": true}))
	assert.Empty(t, o.ResolveTargets("@beta only you", map[string]bool{"beta": true}))
}

func TestDirected(t *testing.T) {
	assert.True(t, Directed("@alpha take this"))
	assert.False(t, Directed("@all broadcast"))
	assert.False(t, Directed("plain message"))
}

func TestQueryToThreadPersistsInCompletionOrder(t *testing.T) {
	agents := map[string]config.AgentConfig{
		"alpha": fakeMember(t, "alpha says yes"),
		"beta":  fakeMember(t, "beta says no"),
	}
	cfg := testConfig(agents)
	l := layout.New(t.TempDir())
	threads := thread.NewStore(l)
	_, err := threads.CreateThread("main", "council", nil, thread.PatternCouncil)
	require.NoError(t, err)

	o := New(cfg, l, threads)
	responses, err := o.QueryToThread("main", "council", "what say you", nil, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, responses, 2)
	assert.Equal(t, "alpha", responses[0].Member)
	assert.Equal(t, "alpha says yes", responses[0].Text)
	assert.Equal(t, "beta says no", responses[1].Text)

	msgs, err := threads.ListMessages("main", "council")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	bodies := map[string]string{msgs[0].From: msgs[0].Body, msgs[1].From: msgs[1].Body}
	assert.Equal(t, "alpha says yes", bodies["alpha"])
	assert.Equal(t, "beta says no", bodies["beta"])
}

func TestQueryToThreadEmbedsMemberErrors(t *testing.T) {
	broken := filepath.Join(t.TempDir(), "broken.sh")
	require.NoError(t, os.WriteFile(broken, []byte("#!/bin/sh\necho nope >&2\nexit 1\n"), 0o755))
	agents := map[string]config.AgentConfig{
		"alpha": fakeMember(t, "still fine"),
		"beta":  {Binary: broken, Parser: "claude"},
	}
	cfg := testConfig(agents)
	l := layout.New(t.TempDir())
	threads := thread.NewStore(l)
	_, err := threads.CreateThread("main", "council", nil, thread.PatternCouncil)
	require.NoError(t, err)

	o := New(cfg, l, threads)
	responses, err := o.QueryToThread("main", "council", "q", nil, QueryOptions{Timeout: 10 * time.Second})
	require.NoError(t, err)
	require.Len(t, responses, 2)
	assert.NoError(t, responses[0].Err)
	assert.Error(t, responses[1].Err)

	// Both outcomes land in the thread; the failure as an error note.
	msgs, err := threads.ListMessages("main", "council")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	var errBody string
	for _, msg := range msgs {
		if msg.From == "beta" {
			errBody = msg.Body
		}
	}
	assert.Contains(t, errBody, "(error:")
}

func TestQueryOneDoesNotPersist(t *testing.T) {
	agents := map[string]config.AgentConfig{"alpha": fakeMember(t, "hi")}
	cfg := testConfig(agents)
	l := layout.New(t.TempDir())
	threads := thread.NewStore(l)
	_, err := threads.CreateThread("main", "council", nil, thread.PatternCouncil)
	require.NoError(t, err)

	o := New(cfg, l, threads)
	resp := o.QueryOne("main", "council", "alpha", "q", QueryOptions{})
	require.NoError(t, resp.Err)
	assert.Equal(t, "hi", resp.Text)

	msgs, err := threads.ListMessages("main", "council")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
