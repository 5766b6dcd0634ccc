// Package council fans a prompt out to the configured advisor agents and
// persists their finalized responses to a thread.
package council

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"kd/internal/agent"
	"kd/internal/config"
	"kd/internal/layout"
	"kd/internal/logging"
	"kd/internal/subprocess"
	"kd/internal/thread"
)

var mentionRe = regexp.MustCompile(`@([a-zA-Z0-9_-]+)`)

// Orchestrator coordinates concurrent advisor queries.
type Orchestrator struct {
	cfg     *config.Config
	layout  *layout.Layout
	threads *thread.Store
	invoker *agent.Invoker
	logger  logging.Logger
}

// New returns a council orchestrator.
func New(cfg *config.Config, l *layout.Layout, threads *thread.Store) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		layout:  l,
		threads: threads,
		invoker: agent.NewInvoker(),
		logger:  logging.NewComponentLogger("Council"),
	}
}

// QueryOptions tune one fan-out.
type QueryOptions struct {
	// Timeout per member; zero uses council.timeout.
	Timeout time.Duration
	// OnStart receives each member's process handle as it launches, so the
	// TUI can interrupt them.
	OnStart func(member string, proc *subprocess.Process)
	// SkipHistory omits thread-history injection (the caller embedded its
	// own context in the prompt).
	SkipHistory bool
}

// ResolveTargets applies @-mention addressing to the prompt. No mentions or
// only unknown mentions address everyone; "@all" broadcasts explicitly.
// Muted members are removed after addressing.
func (o *Orchestrator) ResolveTargets(prompt string, muted map[string]bool) []string {
	members := o.cfg.Council.Members
	var mentioned []string
	broadcast := false
	for _, match := range mentionRe.FindAllStringSubmatch(prompt, -1) {
		name := match[1]
		if name == "all" {
			broadcast = true
			continue
		}
		for _, member := range members {
			if member == name {
				mentioned = append(mentioned, name)
			}
		}
	}
	targets := members
	if len(mentioned) > 0 && !broadcast {
		targets = mentioned
	}
	var out []string
	for _, member := range targets {
		if !muted[member] {
			out = append(out, member)
		}
	}
	return out
}

// Directed reports whether the prompt names specific members.
func Directed(prompt string) bool {
	for _, match := range mentionRe.FindAllStringSubmatch(prompt, -1) {
		if match[1] != "all" {
			return true
		}
	}
	return false
}

// QueryToThread sends the prompt to the targets concurrently, appending each
// finalized response to the thread as it completes. Empty targets means all
// configured members. Per-member failures land in the returned slice; they
// never abort the other members.
func (o *Orchestrator) QueryToThread(branch, threadID, prompt string, targets []string, opts QueryOptions) ([]*agent.Response, error) {
	if len(targets) == 0 {
		targets = o.ResolveTargets(prompt, nil)
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = o.cfg.CouncilTimeout()
	}

	history, err := o.threads.ListMessages(branch, threadID)
	if err != nil {
		return nil, err
	}

	responses := make([]*agent.Response, len(targets))
	var appendMu sync.Mutex

	var g errgroup.Group
	for i, member := range targets {
		i, member := i, member
		g.Go(func() error {
			responses[i] = o.queryMember(branch, threadID, member, prompt, history, timeout, opts)
			// Appends happen in completion order; the store's exclusive-create
			// sequencing keeps each one consistent.
			appendMu.Lock()
			defer appendMu.Unlock()
			o.persist(branch, threadID, member, responses[i])
			return nil
		})
	}
	_ = g.Wait()
	return responses, nil
}

// QueryOne sends the prompt to a single member without persisting; the chat
// scheduler uses it for sequential turns and persists itself.
func (o *Orchestrator) QueryOne(branch, threadID, member, prompt string, opts QueryOptions) *agent.Response {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = o.cfg.CouncilTimeout()
	}
	history, err := o.threads.ListMessages(branch, threadID)
	if err != nil {
		return &agent.Response{Member: member, Err: err}
	}
	return o.queryMember(branch, threadID, member, prompt, history, timeout, opts)
}

// Persist appends a member's finalized response (or error note) to the thread.
func (o *Orchestrator) Persist(branch, threadID, member string, resp *agent.Response) {
	o.persist(branch, threadID, member, resp)
}

func (o *Orchestrator) queryMember(branch, threadID, member, prompt string, history []thread.Message, timeout time.Duration, opts QueryOptions) *agent.Response {
	agentCfg, err := o.cfg.Agent(member)
	if err != nil {
		return &agent.Response{Member: member, Err: err}
	}

	full := o.composePrompt(member, prompt, history, opts.SkipHistory)
	streamPath := o.layout.StreamPath(branch, threadID, member)

	var onStart func(*subprocess.Process)
	if opts.OnStart != nil {
		onStart = func(proc *subprocess.Process) { opts.OnStart(member, proc) }
	}

	return o.invoker.Query(member, agentCfg, full, agent.Options{
		StreamPath: streamPath,
		ReadOnly:   true,
		Timeout:    timeout,
		WorkingDir: o.layout.Repo(),
		OnStart:    onStart,
	})
}

func (o *Orchestrator) composePrompt(member, prompt string, history []thread.Message, skipHistory bool) string {
	var b strings.Builder
	b.WriteString(o.cfg.Council.Preamble)
	b.WriteString("\n\n")
	if !skipHistory && len(history) > 0 {
		b.WriteString(thread.FormatHistory(history, member))
		b.WriteString("\n\n")
	}
	b.WriteString(prompt)
	return b.String()
}

func (o *Orchestrator) persist(branch, threadID, member string, resp *agent.Response) {
	body := resp.Text
	if resp.Err != nil {
		if strings.TrimSpace(body) != "" {
			body = fmt.Sprintf("(error: %v; partial response follows)\n\n%s", resp.Err, body)
		} else {
			body = fmt.Sprintf("(error: %v)", resp.Err)
		}
	}
	if strings.TrimSpace(body) == "" {
		body = "(empty response)"
	}
	if _, _, err := o.threads.AppendMessage(branch, threadID, member, "", body, nil); err != nil {
		o.logger.Error("append %s response to %s/%s: %v", member, branch, threadID, err)
	}
}
