package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kd/internal/config"
	"kd/internal/council"
	"kd/internal/layout"
	"kd/internal/poller"
	"kd/internal/thread"
)

// testChatModel builds a model with just the scheduler state populated.
// ready stays false so viewport refreshes are no-ops.
func testChatModel(members ...string) *chatModel {
	m := &chatModel{
		procs:    newProcTable(),
		textarea: textarea.New(),
		preview:  make(map[string]*strings.Builder),
		thinking: make(map[string]*strings.Builder),
		muted:    make(map[string]bool),
		order:    append([]string(nil), members...),
	}
	return m
}

// chatApp wires real stores in a temp directory with fake member CLIs, so the
// submit path can run end to end.
func chatApp(t *testing.T, replies map[string]string) *app {
	t.Helper()
	l := layout.New(t.TempDir())
	threads := thread.NewStore(l)
	_, err := threads.CreateThread("main", "council", nil, thread.PatternCouncil)
	require.NoError(t, err)

	var members []string
	agents := make(map[string]config.AgentConfig)
	for _, name := range []string{"alpha", "beta", "gamma"} {
		reply, ok := replies[name]
		if !ok {
			continue
		}
		members = append(members, name)
		path := filepath.Join(t.TempDir(), name+".sh")
		script := "#!/bin/sh\ncat <<'EOF'\n{\"type\":\"result\",\"result\":\"" + reply + "\",\"session_id\":\"s\"}\nEOF\n"
		require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
		agents[name] = config.AgentConfig{Binary: path, Parser: "claude"}
	}

	cfg := &config.Config{
		Council: config.CouncilConfig{
			Members:  members,
			Timeout:  30,
			Mode:     config.ModeBroadcast,
			Preamble: "You are a read-only advisor.",
		},
		Agents: agents,
	}
	a := &app{layout: l, cfg: cfg, threads: threads}
	a.council = council.New(cfg, l, threads)
	return a
}

func chatModelWith(a *app) *chatModel {
	m := testChatModel(a.cfg.Council.Members...)
	m.app = a
	m.branch = "main"
	m.threadID = "council"
	return m
}

func TestNextUnmutedRoundRobin(t *testing.T) {
	m := testChatModel("alpha", "beta", "gamma")
	m.muted["beta"] = true

	assert.Equal(t, "alpha", m.nextUnmuted())
	assert.Equal(t, "gamma", m.nextUnmuted())
	assert.Equal(t, "alpha", m.nextUnmuted())
	assert.Equal(t, "gamma", m.nextUnmuted())
}

func TestNextUnmutedAllMuted(t *testing.T) {
	m := testChatModel("alpha", "beta")
	m.muted["alpha"] = true
	m.muted["beta"] = true
	assert.Equal(t, "", m.nextUnmuted())
}

func TestUnmutedCount(t *testing.T) {
	m := testChatModel("alpha", "beta", "gamma")
	assert.Equal(t, 3, m.unmutedCount())
	m.muted["beta"] = true
	assert.Equal(t, 2, m.unmutedCount())
}

func TestFirstExchangeBroadcasts(t *testing.T) {
	a := chatApp(t, map[string]string{"alpha": "hi", "beta": "hello"})
	m := chatModelWith(a)
	m.textarea.SetValue("good morning council")

	_, cmd := m.handleSubmit()
	require.NotNil(t, cmd)
	assert.Equal(t, 2, m.inflight, "the thread's first exchange goes to everyone at once")

	msgs, err := a.threads.ListMessages("main", "council")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "king", msgs[0].From)
}

func TestFollowUpDoesNotBroadcast(t *testing.T) {
	a := chatApp(t, map[string]string{"alpha": "one", "beta": "two"})
	m := chatModelWith(a)

	// A prior exchange already exists.
	_, _, err := a.threads.AppendMessage("main", "council", "king", "", "opening", nil)
	require.NoError(t, err)
	_, _, err = a.threads.AppendMessage("main", "council", "alpha", "", "reply", nil)
	require.NoError(t, err)

	m.textarea.SetValue("and what about testing?")
	_, cmd := m.handleSubmit()
	require.NotNil(t, cmd)
	assert.Equal(t, 1, m.inflight, "follow-ups go one member at a time")
	assert.Equal(t, 1, m.budget, "one turn of the default budget is in flight")
}

func TestFollowUpRoundStaysWithinBudget(t *testing.T) {
	a := chatApp(t, map[string]string{"alpha": "one", "beta": "two"})
	two := 2
	a.cfg.Council.AutoMessages = &two
	m := chatModelWith(a)

	_, _, err := a.threads.AppendMessage("main", "council", "king", "", "opening", nil)
	require.NoError(t, err)
	_, _, err = a.threads.AppendMessage("main", "council", "alpha", "", "reply", nil)
	require.NoError(t, err)

	m.textarea.SetValue("follow-up question")
	_, cmd := m.handleSubmit()

	// Drive the sequential round to completion.
	for cmd != nil {
		done, ok := cmd().(turnDoneMsg)
		require.True(t, ok)
		cmd = m.handleTurnDone(done)
	}

	msgs, err := a.threads.ListMessages("main", "council")
	require.NoError(t, err)
	var memberMsgs int
	for _, msg := range msgs[3:] {
		if msg.From != "king" {
			memberMsgs++
		}
	}
	assert.Equal(t, 2, memberMsgs, "the follow-up round appends exactly auto_messages member messages")
	assert.Equal(t, 0, m.budget)
	assert.Equal(t, 0, m.inflight)
}

func TestFollowUpZeroBudgetQueriesNobody(t *testing.T) {
	a := chatApp(t, map[string]string{"alpha": "one", "beta": "two"})
	zero := 0
	a.cfg.Council.AutoMessages = &zero
	m := chatModelWith(a)

	_, _, err := a.threads.AppendMessage("main", "council", "king", "", "opening", nil)
	require.NoError(t, err)
	_, _, err = a.threads.AppendMessage("main", "council", "alpha", "", "reply", nil)
	require.NoError(t, err)

	m.textarea.SetValue("noted, thanks")
	_, cmd := m.handleSubmit()
	assert.Nil(t, cmd, "auto_messages=0 leaves follow-ups with no turns at all")
	assert.Equal(t, 0, m.inflight)

	msgs, err := a.threads.ListMessages("main", "council")
	require.NoError(t, err)
	assert.Len(t, msgs, 3, "only the king's message was appended")
}

func TestDirectedFollowUpSkipsAutoTurns(t *testing.T) {
	a := chatApp(t, map[string]string{"alpha": "one", "beta": "two"})
	m := chatModelWith(a)

	_, _, err := a.threads.AppendMessage("main", "council", "king", "", "opening", nil)
	require.NoError(t, err)
	_, _, err = a.threads.AppendMessage("main", "council", "alpha", "", "reply", nil)
	require.NoError(t, err)

	m.textarea.SetValue("@beta what do you think?")
	_, cmd := m.handleSubmit()
	require.NotNil(t, cmd)
	assert.Equal(t, 1, m.inflight, "only the addressed member is queried")
	assert.Equal(t, 0, m.budget, "directed messages carry no auto-turn budget")
}

func TestSubmitMountsWaitingPanels(t *testing.T) {
	a := chatApp(t, map[string]string{"alpha": "one", "beta": "two"})
	m := chatModelWith(a)
	m.muted["beta"] = true

	m.textarea.SetValue("hello")
	_, _ = m.handleSubmit()
	assert.NotNil(t, m.preview["alpha"])
	assert.Nil(t, m.preview["beta"], "muted members get no panel")
}

func TestHandleTurnDoneZeroBudgetStops(t *testing.T) {
	m := testChatModel("alpha")
	m.gen.Store(1)
	m.inflight = 1
	m.budget = 0

	cmd := m.handleTurnDone(turnDoneMsg{member: "alpha", gen: 1})
	assert.Nil(t, cmd)
	assert.Equal(t, 0, m.inflight)
}

func TestHandleTurnDoneSpendsBudgetThenStops(t *testing.T) {
	m := testChatModel("alpha", "beta")
	m.gen.Store(1)
	m.inflight = 1
	m.budget = 1

	cmd := m.handleTurnDone(turnDoneMsg{member: "alpha", gen: 1})
	assert.NotNil(t, cmd, "one auto turn left, so a turn must be scheduled")
	assert.Equal(t, 0, m.budget)
	assert.Equal(t, 1, m.inflight)

	cmd = m.handleTurnDone(turnDoneMsg{member: "alpha", gen: 1})
	assert.Nil(t, cmd, "budget exhausted")
	assert.Equal(t, 0, m.inflight)
}

func TestHandleTurnDoneWaitsForConcurrentBatch(t *testing.T) {
	m := testChatModel("alpha", "beta")
	m.gen.Store(1)
	m.inflight = 2
	m.budget = 3

	cmd := m.handleTurnDone(turnDoneMsg{member: "alpha", gen: 1})
	assert.Nil(t, cmd, "the first exchange has not drained yet")
	assert.Equal(t, 1, m.inflight)
	assert.Equal(t, 3, m.budget)

	cmd = m.handleTurnDone(turnDoneMsg{member: "beta", gen: 1})
	assert.NotNil(t, cmd)
	assert.Equal(t, 2, m.budget)
}

func TestHandleTurnDoneDropsStaleGeneration(t *testing.T) {
	m := testChatModel("alpha")
	m.gen.Store(2)
	m.inflight = 1
	m.budget = 5

	cmd := m.handleTurnDone(turnDoneMsg{member: "alpha", gen: 1})
	assert.Nil(t, cmd)
	assert.Equal(t, 1, m.inflight, "stale results must not drain the live batch")
	assert.Equal(t, 5, m.budget)
}

func TestHandleTurnDoneAllMutedDropsBudget(t *testing.T) {
	m := testChatModel("alpha", "beta")
	m.muted["alpha"] = true
	m.muted["beta"] = true
	m.gen.Store(1)
	m.inflight = 1
	m.budget = 4

	cmd := m.handleTurnDone(turnDoneMsg{member: "alpha", gen: 1})
	assert.Nil(t, cmd)
	assert.Equal(t, 0, m.budget)
}

func TestInterruptInvalidatesTurns(t *testing.T) {
	m := testChatModel("alpha")
	m.gen.Store(1)
	m.inflight = 1
	m.budget = 3
	m.preview["alpha"] = &strings.Builder{}

	m.interrupt()
	assert.Equal(t, int64(2), m.gen.Load())
	assert.Equal(t, 0, m.budget)
	assert.Empty(t, m.preview, "interrupt drops pending panels")

	cmd := m.handleTurnDone(turnDoneMsg{member: "alpha", gen: 1})
	assert.Nil(t, cmd, "pre-interrupt turns are stale")
}

func TestHandlePollEventMessageReplacesPreview(t *testing.T) {
	m := testChatModel("alpha")
	m.handlePollEvent(poller.Event{Kind: poller.KindStreamStarted, Member: "alpha"})
	m.handlePollEvent(poller.Event{Kind: poller.KindStreamDelta, Member: "alpha", Text: "partial tex"})
	assert.Equal(t, "partial tex", m.preview["alpha"].String())

	m.handlePollEvent(poller.Event{
		Kind:    poller.KindMessage,
		Member:  "alpha",
		Message: thread.Message{Seq: 1, From: "alpha", Body: "full text"},
	})
	assert.Nil(t, m.preview["alpha"])
	assert.Len(t, m.transcript, 1)
	assert.Contains(t, m.transcript[0], "full text")
}

func TestHandlePollEventStreamEndedClearsPreview(t *testing.T) {
	m := testChatModel("alpha")
	m.handlePollEvent(poller.Event{Kind: poller.KindStreamStarted, Member: "alpha"})
	m.handlePollEvent(poller.Event{Kind: poller.KindStreamDelta, Member: "alpha", Text: "abandoned"})
	m.handlePollEvent(poller.Event{Kind: poller.KindStreamEnded, Member: "alpha"})
	assert.Nil(t, m.preview["alpha"])
	assert.Empty(t, m.transcript)
}
