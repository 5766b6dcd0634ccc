package main

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"kd/internal/council"
	"kd/internal/poller"
	"kd/internal/subprocess"
)

func newChatCmd() *cobra.Command {
	var threadID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open the interactive council chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isTTY() {
				return fmt.Errorf("kd chat needs a terminal")
			}
			a, err := loadApp()
			if err != nil {
				return err
			}
			branch, err := a.branchSlug()
			if err != nil {
				return err
			}
			id := threadID
			if id == "" {
				if id, err = a.sessions.GetCurrentThread(branch); err != nil {
					return err
				}
				if id == "" {
					id = defaultCouncilThread
				}
			}
			if err := a.ensureCouncilThread(branch, id); err != nil {
				return err
			}
			if err := a.sessions.SetCurrentThread(branch, id); err != nil {
				return err
			}

			model := newChatModel(a, branch, id)
			program := tea.NewProgram(model, tea.WithAltScreen())
			_, err = program.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "thread to open (default: the branch's current thread)")
	return cmd
}

// procTable tracks the subprocess handles this chat launched, so Escape can
// kill exactly the agents it owns and nothing else.
type procTable struct {
	mu    sync.Mutex
	procs map[string]*subprocess.Process
}

func newProcTable() *procTable {
	return &procTable{procs: make(map[string]*subprocess.Process)}
}

func (p *procTable) set(member string, proc *subprocess.Process) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.procs[member] = proc
}

func (p *procTable) clear(member string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.procs, member)
}

func (p *procTable) killAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for member, proc := range p.procs {
		proc.Kill()
		delete(p.procs, member)
	}
}

var (
	senderStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	kingStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3"))
	thinkingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	statusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

type pollMsg struct{ ev poller.Event }

type turnDoneMsg struct {
	member string
	gen    int64
	err    error
}

type chatModel struct {
	app      *app
	branch   string
	threadID string

	viewport viewport.Model
	textarea textarea.Model
	renderer *glamour.TermRenderer
	ready    bool
	width    int
	height   int

	poller *poller.Poller
	procs  *procTable

	// transcript holds rendered finalized messages in arrival order.
	transcript []string
	// streaming previews per member, replaced when the message finalizes.
	preview  map[string]*strings.Builder
	thinking map[string]*strings.Builder

	muted map[string]bool

	// gen invalidates in-flight turns: Escape and every new human message
	// bump it, and results from older generations are dropped. Atomic because
	// turn commands run on their own goroutines and read both fields.
	gen         atomic.Int64
	interrupted atomic.Bool
	inflight    int
	budget      int
	order       []string
	next        int

	lastEsc time.Time
	status  string
}

func newChatModel(a *app, branch, threadID string) *chatModel {
	ta := textarea.New()
	ta.Placeholder = "Message the council (@name to direct, /help for commands)"
	ta.Prompt = "> "
	ta.SetHeight(3)
	ta.ShowLineNumbers = false
	ta.Focus()

	return &chatModel{
		app:      a,
		branch:   branch,
		threadID: threadID,
		textarea: ta,
		poller:   poller.New(a.layout, a.threads, a.cfg, branch, threadID, a.cfg.Council.Members, 0),
		procs:    newProcTable(),
		preview:  make(map[string]*strings.Builder),
		thinking: make(map[string]*strings.Builder),
		muted:    make(map[string]bool),
		order:    append([]string(nil), a.cfg.Council.Members...),
	}
}

func (m *chatModel) Init() tea.Cmd {
	m.poller.Start()
	return m.waitForEvent()
}

func (m *chatModel) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.poller.Events()
		if !ok {
			return nil
		}
		return pollMsg{ev: ev}
	}
}

func (m *chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m.quit()
		case tea.KeyEscape:
			return m.handleEscape()
		case tea.KeyEnter:
			if !msg.Alt {
				return m.handleSubmit()
			}
		}

	case pollMsg:
		m.handlePollEvent(msg.ev)
		return m, m.waitForEvent()

	case turnDoneMsg:
		return m, m.handleTurnDone(msg)
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.textarea, cmd = m.textarea.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *chatModel) quit() (tea.Model, tea.Cmd) {
	m.interrupt()
	m.poller.Stop()
	return m, tea.Quit
}

// handleEscape interrupts in-flight agents; a second Escape in quick
// succession quits outright.
func (m *chatModel) handleEscape() (tea.Model, tea.Cmd) {
	now := time.Now()
	if now.Sub(m.lastEsc) < 600*time.Millisecond {
		return m.quit()
	}
	m.lastEsc = now
	m.interrupt()
	m.status = "interrupted (Esc again to quit)"
	m.refreshViewport()
	return m, nil
}

func (m *chatModel) interrupt() {
	m.interrupted.Store(true)
	m.gen.Add(1)
	m.inflight = 0
	m.budget = 0
	m.procs.killAll()
	// The killed agents never finalize, so their panels would hang around.
	m.preview = make(map[string]*strings.Builder)
	m.thinking = make(map[string]*strings.Builder)
}

func (m *chatModel) handleSubmit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.textarea.Value())
	if text == "" {
		return m, nil
	}
	m.textarea.Reset()

	if strings.HasPrefix(text, "/") {
		return m.handleCommand(text)
	}

	seq, _, err := m.app.threads.AppendMessage(m.branch, m.threadID, "king", "", text, nil)
	if err != nil {
		m.status = errorStyle.Render("send failed: " + err.Error())
		m.refreshViewport()
		return m, nil
	}
	firstExchange := seq == 1

	m.interrupted.Store(false)
	gen := m.gen.Add(1)

	targets := m.app.council.ResolveTargets(text, m.muted)
	if len(targets) == 0 {
		m.status = "everyone is muted"
		m.refreshViewport()
		return m, nil
	}
	directed := council.Directed(text)
	if directed {
		m.budget = 0
	} else {
		m.budget = m.app.cfg.AutoMessages(m.unmutedCount())
	}

	// Waiting panels for everyone queried this round; finalized messages or
	// the end of the round replace them.
	for _, member := range targets {
		m.preview[member] = &strings.Builder{}
		m.thinking[member] = &strings.Builder{}
	}

	if firstExchange || directed {
		// The thread's first exchange broadcasts concurrently; a directed
		// message goes straight to the addressed members.
		m.inflight = len(targets)
		cmds := make([]tea.Cmd, 0, len(targets))
		for _, member := range targets {
			cmds = append(cmds, m.runTurn(member, text, gen))
		}
		m.status = "waiting for " + strings.Join(targets, ", ")
		m.refreshViewport()
		return m, tea.Batch(cmds...)
	}

	// Follow-ups never broadcast: members answer one at a time, each turn
	// drawing on the thread history, until the auto-turn budget runs out.
	m.inflight = 0
	if cmd := m.scheduleAutoTurn(); cmd != nil {
		m.refreshViewport()
		return m, cmd
	}
	m.status = ""
	m.clearIdlePanels()
	m.refreshViewport()
	return m, nil
}

func (m *chatModel) handleCommand(text string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(text)
	switch fields[0] {
	case "/quit", "/exit":
		return m.quit()
	case "/mute":
		if len(fields) < 2 {
			m.status = "usage: /mute <member>"
			break
		}
		m.muted[fields[1]] = true
		m.status = fields[1] + " muted"
	case "/unmute":
		if len(fields) < 2 {
			m.status = "usage: /unmute <member>"
			break
		}
		delete(m.muted, fields[1])
		m.status = fields[1] + " unmuted"
	case "/help":
		m.status = "/mute <member>  /unmute <member>  /quit   Esc interrupts, double-Esc quits"
	default:
		m.status = "unknown command " + fields[0]
	}
	m.refreshViewport()
	return m, nil
}

// runTurn queries one member off the Update loop. The generation is re-checked
// inside the command so turns scheduled before an interrupt never launch.
func (m *chatModel) runTurn(member, prompt string, gen int64) tea.Cmd {
	return func() tea.Msg {
		if m.interrupted.Load() || gen != m.gen.Load() {
			return turnDoneMsg{member: member, gen: gen}
		}
		resp := m.app.council.QueryOne(m.branch, m.threadID, member, prompt, council.QueryOptions{
			OnStart: func(name string, proc *subprocess.Process) {
				m.procs.set(name, proc)
			},
		})
		m.procs.clear(member)
		if gen == m.gen.Load() {
			m.app.council.Persist(m.branch, m.threadID, member, resp)
		}
		return turnDoneMsg{member: member, gen: gen, err: resp.Err}
	}
}

// handleTurnDone drives the auto-turn scheduler: once the in-flight turns of
// the current round drain, members take sequential round-robin turns until
// the budget runs out. Errors consume budget like any other turn.
func (m *chatModel) handleTurnDone(msg turnDoneMsg) tea.Cmd {
	if msg.gen != m.gen.Load() {
		return nil
	}
	if m.inflight > 0 {
		m.inflight--
	}
	if msg.err != nil {
		m.status = errorStyle.Render(msg.member + ": " + msg.err.Error())
		m.refreshViewport()
	}
	if m.inflight > 0 {
		return nil
	}
	if cmd := m.scheduleAutoTurn(); cmd != nil {
		m.refreshViewport()
		return cmd
	}
	if m.status == "" || strings.HasPrefix(m.status, "waiting") || strings.Contains(m.status, "taking a turn") {
		m.status = ""
	}
	m.clearIdlePanels()
	m.refreshViewport()
	return nil
}

// scheduleAutoTurn launches the next sequential turn, or returns nil when the
// round is over (budget spent, everyone muted, or interrupted).
func (m *chatModel) scheduleAutoTurn() tea.Cmd {
	if m.interrupted.Load() || m.budget <= 0 {
		return nil
	}
	member := m.nextUnmuted()
	if member == "" {
		m.budget = 0
		return nil
	}
	m.budget--
	m.inflight = 1
	m.status = member + " is taking a turn (" + fmt.Sprint(m.budget) + " left)"
	return m.runTurn(member, "Continue the discussion.", m.gen.Load())
}

// clearIdlePanels drops waiting panels that never received any output, so
// members the round did not reach stop showing as pending.
func (m *chatModel) clearIdlePanels() {
	for member, b := range m.preview {
		if b.Len() == 0 {
			delete(m.preview, member)
			delete(m.thinking, member)
		}
	}
}

func (m *chatModel) nextUnmuted() string {
	for range m.order {
		member := m.order[m.next%len(m.order)]
		m.next++
		if !m.muted[member] {
			return member
		}
	}
	return ""
}

func (m *chatModel) unmutedCount() int {
	n := 0
	for _, member := range m.order {
		if !m.muted[member] {
			n++
		}
	}
	return n
}
