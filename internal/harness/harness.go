// Package harness drives one autonomous peasant through a task: an iterative
// prompt→invoke→parse→commit→gate→review loop with explicit state
// transitions, ending in King review or failure.
package harness

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"kd/internal/agent"
	"kd/internal/config"
	"kd/internal/council"
	"kd/internal/gitx"
	"kd/internal/layout"
	"kd/internal/logging"
	"kd/internal/session"
	"kd/internal/subprocess"
	"kd/internal/thread"
	"kd/internal/ticket"
)

// ErrTaskOwned is returned when an alive session already holds the task.
var ErrTaskOwned = errors.New("task already has an active harness")

// ErrHandModeActive is returned when another hand-mode harness is alive.
var ErrHandModeActive = errors.New("another hand-mode session is active")

// KingSender is the sender name reserved for the human operator.
const KingSender = "king"

// PeasantSender is the sender name the harness writes thread messages as.
const PeasantSender = "peasant"

// RunOptions configure one harness run.
type RunOptions struct {
	Branch string
	// Backend is the configured agent the peasant drives (e.g. "claude").
	Backend string
	// Worktree is where the peasant works: an isolated checkout, or the
	// repository base directory in hand mode.
	Worktree string
	// FeatureBranch scopes the review diff in worktree mode.
	FeatureBranch string
	HandMode      bool
}

// Harness runs the peasant loop for a single task.
type Harness struct {
	cfg      *config.Config
	layout   *layout.Layout
	tickets  *ticket.Store
	threads  *thread.Store
	sessions *session.Store
	council  *council.Orchestrator
	invoker  *agent.Invoker
	logger   logging.Logger

	stopped atomic.Bool
	proc    atomic.Pointer[subprocess.Process]
}

// New wires a harness over shared stores.
func New(cfg *config.Config, l *layout.Layout, tickets *ticket.Store, threads *thread.Store, sessions *session.Store) *Harness {
	return &Harness{
		cfg:      cfg,
		layout:   l,
		tickets:  tickets,
		threads:  threads,
		sessions: sessions,
		council:  council.New(cfg, l, threads),
		invoker:  agent.NewInvoker(),
		logger:   logging.NewComponentLogger("Harness"),
	}
}

// Stop requests a clean shutdown: the flag is checked between iterations and
// right after any blocking subprocess return, and the in-flight agent is
// killed so the check is reached promptly.
func (h *Harness) Stop() {
	h.stopped.Store(true)
	if proc := h.proc.Load(); proc != nil {
		proc.Kill()
	}
}

// WorkThreadID returns the work thread slug for a task.
func WorkThreadID(ticketID string) string {
	return "task-" + ticketID
}

// SessionName returns the session record name for a task's peasant.
func SessionName(ticketID string) string {
	return "peasant-" + ticketID
}

// Run executes the harness loop until the task reaches King review, blocks,
// fails, or is stopped. The returned status is the final session status.
func (h *Harness) Run(ticketID string, opts RunOptions) (session.Status, error) {
	t, err := h.tickets.Get(opts.Branch, ticketID)
	if err != nil {
		return session.StatusFailed, err
	}

	if owner, err := h.sessions.FindTaskOwner(opts.Branch, ticketID); err != nil {
		return session.StatusFailed, err
	} else if owner != nil && owner.PID != os.Getpid() {
		return session.StatusFailed, fmt.Errorf("%w: %s (pid %d)", ErrTaskOwned, owner.Agent, owner.PID)
	}
	if opts.HandMode {
		if other, err := h.sessions.FindHandMode(opts.Branch); err != nil {
			return session.StatusFailed, err
		} else if other != nil && other.PID != os.Getpid() {
			return session.StatusFailed, fmt.Errorf("%w: %s (pid %d)", ErrHandModeActive, other.Agent, other.PID)
		}
	}

	if t.Status == ticket.StatusOpen {
		if err := h.tickets.Transition(t, ticket.StatusInProgress); err != nil {
			return session.StatusFailed, err
		}
	} else if t.Status != ticket.StatusInProgress {
		return session.StatusFailed, fmt.Errorf("ticket %s is %s; cannot start", ticketID, t.Status)
	}

	threadID := WorkThreadID(ticketID)
	if _, err := h.threads.GetThread(opts.Branch, threadID); errors.Is(err, thread.ErrNotFound) {
		if _, err := h.threads.CreateThread(opts.Branch, threadID, []string{KingSender, PeasantSender}, thread.PatternWork); err != nil {
			return session.StatusFailed, err
		}
	} else if err != nil {
		return session.StatusFailed, err
	}

	startSHA, err := gitx.HeadSHA(opts.Worktree)
	if err != nil {
		return session.StatusFailed, err
	}

	name := SessionName(ticketID)
	sess, err := h.sessions.Update(opts.Branch, name, func(s *session.AgentState) {
		s.Backend = opts.Backend
		s.Status = session.StatusWorking
		s.PID = os.Getpid()
		s.TicketID = ticketID
		s.ThreadID = threadID
		s.StartedAt = time.Now().UTC()
		s.LastActivity = time.Now().UTC()
		s.StartSHA = startSHA
		s.HandMode = opts.HandMode
	})
	if err != nil {
		return session.StatusFailed, err
	}

	final, runErr := h.loop(t, sess, opts)
	_, _ = h.sessions.Update(opts.Branch, name, func(s *session.AgentState) {
		s.Status = final
		s.LastActivity = time.Now().UTC()
	})
	return final, runErr
}

func (h *Harness) loop(t *ticket.Ticket, sess *session.AgentState, opts RunOptions) (session.Status, error) {
	agentCfg, err := h.cfg.Agent(opts.Backend)
	if err != nil {
		return session.StatusFailed, err
	}

	highWater := 0
	for iteration := 1; iteration <= h.cfg.Harness.MaxIterations; iteration++ {
		if h.stopped.Load() {
			return session.StatusStopped, nil
		}

		// Reload: the King may have edited the ticket or left directives.
		reloaded, err := h.tickets.Get(opts.Branch, t.ID)
		if err != nil {
			return session.StatusFailed, err
		}
		t = reloaded
		directives, newHigh, err := h.directivesAfter(opts.Branch, sess.ThreadID, highWater)
		if err != nil {
			return session.StatusFailed, err
		}
		highWater = newHigh

		prompt := h.composePrompt(t, iteration, directives)
		resp := h.invoke(t, sess, agentCfg, prompt, iteration, opts)
		if h.stopped.Load() {
			return session.StatusStopped, nil
		}

		if resp.Err != nil {
			if errors.Is(resp.Err, agent.ErrAgentMissing) {
				return session.StatusFailed, resp.Err
			}
			// Timeouts and nonzero exits stay inside the loop; the partial
			// output is still worth recording.
			h.logger.Warn("iteration %d: %v", iteration, resp.Err)
		}
		if resp.SessionID != "" {
			sess.ResumeID = resp.SessionID
		}

		status, hadSentinel := ParseStatus(resp.Text)
		if resp.Err != nil {
			status = StatusContinue
		} else if !hadSentinel {
			h.logger.Warn("iteration %d: response missing STATUS sentinel, assuming CONTINUE", iteration)
		}

		commitMsg := fmt.Sprintf("task %s: iteration %d", t.ID, iteration)
		if _, err := gitx.CommitAll(opts.Worktree, commitMsg); err != nil {
			h.logger.Error("commit failed: %v", err)
			t.AppendWorklog(fmt.Sprintf("commit failed: %v", firstLine(err.Error())))
		}

		if entry := FirstParagraph(resp.Text); entry != "" {
			t.AppendWorklog(entry)
		} else if resp.Err != nil {
			t.AppendWorklog(fmt.Sprintf("agent error: %v", resp.Err))
		}
		if err := h.tickets.Save(t); err != nil {
			return session.StatusFailed, err
		}

		if strings.TrimSpace(resp.Text) != "" {
			if _, _, err := h.threads.AppendMessage(opts.Branch, sess.ThreadID, PeasantSender, "", resp.Text, nil); err != nil {
				h.logger.Error("append response: %v", err)
			}
		}

		sess, err = h.sessions.Update(opts.Branch, sess.Agent, func(s *session.AgentState) {
			s.ResumeID = sess.ResumeID
			s.LastActivity = time.Now().UTC()
			s.Status = session.StatusWorking
		})
		if err != nil {
			return session.StatusFailed, err
		}

		switch status {
		case StatusBlocked:
			return session.StatusBlocked, nil
		case StatusContinue:
			continue
		case StatusDone:
			outcome, err := h.reviewGate(t, sess, opts)
			if err != nil {
				return session.StatusFailed, err
			}
			if outcome != session.StatusWorking {
				return outcome, nil
			}
			// Bounced: council feedback is waiting as directives.
		}
	}
	return session.StatusFailed, fmt.Errorf("task %s: iteration cap (%d) exceeded", t.ID, h.cfg.Harness.MaxIterations)
}

// reviewGate runs quality gates and the council review for a DONE signal.
// Returns StatusWorking when the task bounced back into the loop.
func (h *Harness) reviewGate(t *ticket.Ticket, sess *session.AgentState, opts RunOptions) (session.Status, error) {
	ok, gateOut := RunGates(opts.Worktree, h.cfg.Harness.Gates)
	if !ok {
		h.logger.Warn("gates failed for %s: %s", t.ID, firstLine(gateOut))
		body := "Quality gates failed; returning to work.\n\n```\n" + gateOut + "\n```"
		if _, _, err := h.threads.AppendMessage(opts.Branch, sess.ThreadID, PeasantSender, "", body, nil); err != nil {
			h.logger.Error("append gate failure: %v", err)
		}
		t.AppendWorklog("quality gates failed, continuing")
		if err := h.tickets.Save(t); err != nil {
			return session.StatusFailed, err
		}
		return session.StatusWorking, nil
	}

	// The request is persisted before the transition so an in_review task
	// always has a record of what review was asked for, crash or not.
	request := h.reviewPrompt(t, sess, opts)
	if _, _, err := h.threads.AppendMessage(opts.Branch, sess.ThreadID, PeasantSender, "", request, nil); err != nil {
		return session.StatusFailed, err
	}
	if err := h.tickets.Transition(t, ticket.StatusInReview); err != nil {
		return session.StatusFailed, err
	}
	if _, err := h.sessions.Update(opts.Branch, sess.Agent, func(s *session.AgentState) {
		s.Status = session.StatusAwaitingCouncil
		s.LastActivity = time.Now().UTC()
	}); err != nil {
		return session.StatusFailed, err
	}

	// Explicit targets: the diff text must not be mistaken for @-addressing.
	reviews, err := h.council.QueryToThread(opts.Branch, sess.ThreadID, request, h.cfg.Council.Members, council.QueryOptions{
		Timeout:     h.cfg.CouncilTimeout(),
		SkipHistory: true,
	})
	if err != nil {
		return session.StatusFailed, err
	}

	anyBlocking := false
	timedOut := false
	var feedback []*agent.Response
	for _, review := range reviews {
		if review.Err != nil && errors.Is(review.Err, agent.ErrAgentTimeout) {
			timedOut = true
			continue
		}
		verdict, hadSentinel := ParseVerdict(review.Text)
		if !hadSentinel {
			h.logger.Warn("review from %s missing VERDICT sentinel, treating as APPROVED", review.Member)
		}
		if verdict == VerdictBlocking {
			anyBlocking = true
			feedback = append(feedback, review)
		}
	}
	if timedOut {
		// Partial reviews are already persisted in the thread.
		return session.StatusNeedsKingReview, nil
	}

	if anyBlocking && sess.ReviewBounceCount < h.cfg.Harness.MaxBounces {
		updated, err := h.sessions.Update(opts.Branch, sess.Agent, func(s *session.AgentState) {
			s.ReviewBounceCount++
			s.Status = session.StatusWorking
			s.LastActivity = time.Now().UTC()
		})
		if err != nil {
			return session.StatusFailed, err
		}
		*sess = *updated
		for _, review := range feedback {
			body := fmt.Sprintf("Council review from %s is BLOCKING. Address this feedback:\n\n%s", review.Member, review.Text)
			if _, _, err := h.threads.AppendMessage(opts.Branch, sess.ThreadID, review.Member, PeasantSender, body, nil); err != nil {
				h.logger.Error("append review directive: %v", err)
			}
		}
		if err := h.tickets.Transition(t, ticket.StatusInProgress); err != nil {
			return session.StatusFailed, err
		}
		return session.StatusWorking, nil
	}

	// All approved, or the bounce cap is reached: the King decides.
	// The ticket stays in_review until accept or reject.
	return session.StatusNeedsKingReview, nil
}

func (h *Harness) invoke(t *ticket.Ticket, sess *session.AgentState, agentCfg config.AgentConfig, prompt string, iteration int, opts RunOptions) *agent.Response {
	logDir := filepath.Join(h.layout.LogsDir(opts.Branch), SessionName(t.ID))
	streamPath := filepath.Join(logDir, fmt.Sprintf("iter-%04d.jsonl", iteration))
	_ = os.MkdirAll(logDir, 0o755)

	resp := h.invoker.Query(opts.Backend, agentCfg, prompt, agent.Options{
		Resume:     sess.ResumeID,
		StreamPath: streamPath,
		Timeout:    h.cfg.AgentTimeout(),
		WorkingDir: opts.Worktree,
		OnStart: func(proc *subprocess.Process) {
			h.proc.Store(proc)
			_, _ = h.sessions.Update(opts.Branch, sess.Agent, func(s *session.AgentState) {
				s.PID = os.Getpid()
				s.LastActivity = time.Now().UTC()
			})
		},
	})
	h.proc.Store(nil)

	// The stream file doubles as the iteration log; stderr goes next to it
	// so nonzero exits are never silent.
	iterLog := logging.NewFileLogger(filepath.Join(logDir, fmt.Sprintf("iter-%04d.log", iteration)), fmt.Sprintf("iter-%d", iteration))
	iterLog.Info("prompt:\n%s", prompt)
	iterLog.Info("response (err=%v):\n%s", resp.Err, resp.Text)
	if resp.Stderr != "" {
		iterLog.Warn("stderr:\n%s", resp.Stderr)
	}
	return resp
}

func (h *Harness) composePrompt(t *ticket.Ticket, iteration int, directives []thread.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are an autonomous engineer working on task %s.\n\n", t.ID)
	fmt.Fprintf(&b, "# %s\n\n", t.Title())
	if desc := t.Description(); desc != "" {
		b.WriteString(desc + "\n\n")
	}
	if criteria := t.AcceptanceCriteria(); len(criteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, item := range criteria {
			b.WriteString(item + "\n")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Iteration: %d\n\n", iteration)
	if tail := t.WorklogTail(10); tail != "" {
		b.WriteString("Recent worklog:\n" + tail + "\n\n")
	}
	if len(directives) > 0 {
		b.WriteString("New directives:\n")
		for _, msg := range directives {
			fmt.Fprintf(&b, "- from %s: %s\n", msg.From, strings.TrimSpace(msg.Body))
		}
		b.WriteString("\n")
	}
	b.WriteString("Work toward the acceptance criteria. Your response MUST end with a line of exactly:\n")
	b.WriteString("STATUS: DONE|BLOCKED|CONTINUE\n")
	return b.String()
}

func (h *Harness) reviewPrompt(t *ticket.Ticket, sess *session.AgentState, opts RunOptions) string {
	scope := sess.StartSHA + "..HEAD"
	if !opts.HandMode && opts.FeatureBranch != "" {
		// Three-dot form diffs against the merge base.
		scope = opts.FeatureBranch + "...HEAD"
	}
	diff, err := gitx.DiffRange(opts.Worktree, scope)
	if err != nil {
		h.logger.Warn("review diff %s: %v", scope, err)
		diff = fmt.Sprintf("(diff unavailable: %v)", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Review the completed work on task %s: %s\n\n", t.ID, t.Title())
	if desc := t.Description(); desc != "" {
		b.WriteString(desc + "\n\n")
	}
	if criteria := t.AcceptanceCriteria(); len(criteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, item := range criteria {
			b.WriteString(item + "\n")
		}
		b.WriteString("\n")
	}
	if worklog := t.Worklog(); worklog != "" {
		b.WriteString("Worklog:\n" + worklog + "\n\n")
	}
	b.WriteString("Diff under review (" + scope + "):\n\n```diff\n" + diff + "\n```\n\n")
	b.WriteString("Give a free-form review, then end with a line of exactly:\n")
	b.WriteString("VERDICT: APPROVED|BLOCKING\n")
	return b.String()
}

// directivesAfter returns King directives and review feedback addressed to
// the peasant with ordinal greater than the high-water mark.
func (h *Harness) directivesAfter(branch, threadID string, after int) ([]thread.Message, int, error) {
	msgs, err := h.threads.MessagesAfter(branch, threadID, after)
	if err != nil {
		return nil, after, err
	}
	high := after
	var directives []thread.Message
	for _, msg := range msgs {
		if msg.Seq > high {
			high = msg.Seq
		}
		if msg.From == KingSender || msg.To == PeasantSender {
			directives = append(directives, msg)
		}
	}
	return directives, high, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
