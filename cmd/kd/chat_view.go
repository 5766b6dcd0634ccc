package main

import (
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/glamour"

	"kd/internal/config"
	"kd/internal/poller"
	"kd/internal/thread"
)

func (m *chatModel) resize(width, height int) {
	m.width = width
	m.height = height
	inputHeight := m.textarea.Height() + 1
	viewHeight := height - inputHeight - 1
	if viewHeight < 1 {
		viewHeight = 1
	}
	if !m.ready {
		m.viewport = viewport.New(width, viewHeight)
		m.ready = true
	} else {
		m.viewport.Width = width
		m.viewport.Height = viewHeight
	}
	m.textarea.SetWidth(width)

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width-2),
	)
	if err == nil {
		m.renderer = renderer
	}
	m.refreshViewport()
}

func (m *chatModel) handlePollEvent(ev poller.Event) {
	switch ev.Kind {
	case poller.KindMessage:
		// The finalized message replaces whatever preview was accumulating.
		delete(m.preview, ev.Member)
		delete(m.thinking, ev.Member)
		m.transcript = append(m.transcript, m.renderMessage(ev.Message))
	case poller.KindStreamStarted:
		m.preview[ev.Member] = &strings.Builder{}
		m.thinking[ev.Member] = &strings.Builder{}
	case poller.KindStreamDelta:
		if b := m.preview[ev.Member]; b != nil {
			b.WriteString(ev.Text)
		}
	case poller.KindThinkingDelta:
		if m.app.cfg.Chat.ThinkingVisibility == config.ThinkingHide {
			return
		}
		if b := m.thinking[ev.Member]; b != nil {
			b.WriteString(ev.Text)
		}
	case poller.KindStreamEnded:
		delete(m.preview, ev.Member)
		delete(m.thinking, ev.Member)
	}
	m.refreshViewport()
}

func (m *chatModel) renderMessage(msg thread.Message) string {
	var b strings.Builder
	sender := msg.From
	if sender == "king" {
		b.WriteString(kingStyle.Render(sender))
	} else {
		b.WriteString(senderStyle.Render(sender))
	}
	if msg.To != "" {
		b.WriteString(statusStyle.Render(" → " + msg.To))
	}
	b.WriteString("\n")
	body := msg.Body
	if m.renderer != nil {
		if rendered, err := m.renderer.Render(body); err == nil {
			body = strings.TrimRight(rendered, "\n")
		}
	}
	b.WriteString(body)
	b.WriteString("\n")
	return b.String()
}

// refreshViewport rebuilds the viewport content. The view only follows the
// tail when it was already at the bottom, so scrollback reading survives
// incoming messages.
func (m *chatModel) refreshViewport() {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()

	var b strings.Builder
	for _, entry := range m.transcript {
		b.WriteString(entry)
		b.WriteString("\n")
	}
	for _, member := range m.order {
		preview := m.preview[member]
		if preview == nil {
			continue
		}
		b.WriteString(senderStyle.Render(member) + statusStyle.Render(" (streaming)"))
		b.WriteString("\n")
		if think := m.thinking[member]; think != nil && think.Len() > 0 && m.showThinking() {
			b.WriteString(thinkingStyle.Render(think.String()))
			b.WriteString("\n")
		}
		if preview.Len() > 0 {
			b.WriteString(preview.String())
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	m.viewport.SetContent(b.String())
	if atBottom {
		m.viewport.GotoBottom()
	}
}

// showThinking reports whether reasoning deltas are rendered. In auto mode
// thinking shows only while streaming, which is exactly when previews exist.
func (m *chatModel) showThinking() bool {
	switch m.app.cfg.Chat.ThinkingVisibility {
	case config.ThinkingHide:
		return false
	default:
		return true
	}
}

func (m *chatModel) View() string {
	if !m.ready {
		return "loading..."
	}
	var b strings.Builder
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	if m.status != "" {
		b.WriteString(statusStyle.Render(m.status))
	} else {
		muted := m.mutedList()
		header := m.threadID
		if muted != "" {
			header += "  muted: " + muted
		}
		b.WriteString(statusStyle.Render(header))
	}
	b.WriteString("\n")
	b.WriteString(m.textarea.View())
	return b.String()
}

func (m *chatModel) mutedList() string {
	var names []string
	for _, member := range m.order {
		if m.muted[member] {
			names = append(names, member)
		}
	}
	return strings.Join(names, ", ")
}
