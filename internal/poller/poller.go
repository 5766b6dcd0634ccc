// Package poller watches a thread directory and surfaces finalized messages
// and live stream deltas as events for the chat TUI.
//
// Finalized messages are the source of truth; stream files are best-effort
// preview. The poller never writes anything.
package poller

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"kd/internal/agent"
	"kd/internal/config"
	"kd/internal/layout"
	"kd/internal/logging"
	"kd/internal/thread"
)

// Kind classifies a poll event.
type Kind int

const (
	// KindMessage is a finalized thread message past the last-seen ordinal.
	KindMessage Kind = iota
	// KindStreamStarted fires when a member's stream file first appears.
	KindStreamStarted
	// KindStreamDelta carries incremental response text from a live stream.
	KindStreamDelta
	// KindThinkingDelta carries incremental reasoning text from a live stream.
	KindThinkingDelta
	// KindStreamEnded fires when a member's stream file disappears.
	KindStreamEnded
)

// Event is one observation from the thread directory.
type Event struct {
	Kind    Kind
	Member  string
	Message thread.Message
	Text    string
}

// pollInterval is the fallback scan cadence when fsnotify is quiet. Scans are
// cheap (one directory glob plus stat calls), so a tight interval is fine.
const pollInterval = 100 * time.Millisecond

type memberTail struct {
	offset   int64
	partial  []byte
	rendered string
	active   bool
}

// Poller emits events for one thread.
type Poller struct {
	layout   *layout.Layout
	threads  *thread.Store
	cfg      *config.Config
	branch   string
	threadID string
	members  []string

	lastSeq int
	tails   map[string]*memberTail

	events   chan Event
	done     chan struct{}
	stopOnce sync.Once

	watcher *fsnotify.Watcher
	watched bool

	logger logging.Logger
}

// New returns a poller for the given thread, reporting messages with ordinal
// greater than lastSeq and tailing the stream files of the given members.
func New(l *layout.Layout, threads *thread.Store, cfg *config.Config, branch, threadID string, members []string, lastSeq int) *Poller {
	return &Poller{
		layout:   l,
		threads:  threads,
		cfg:      cfg,
		branch:   branch,
		threadID: threadID,
		members:  append([]string(nil), members...),
		lastSeq:  lastSeq,
		tails:    make(map[string]*memberTail),
		events:   make(chan Event, 256),
		done:     make(chan struct{}),
		logger:   logging.NewComponentLogger("Poller"),
	}
}

// Events returns the event stream. Closed after Stop.
func (p *Poller) Events() <-chan Event { return p.events }

// LastSeq returns the highest message ordinal reported so far.
func (p *Poller) LastSeq() int { return p.lastSeq }

// Start begins watching. The fsnotify watcher wakes scans up early; the
// interval ticker guarantees progress when the watcher cannot attach (the
// thread directory may not exist yet) or drops events.
func (p *Poller) Start() {
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		p.watcher = watcher
		p.tryWatch()
	} else {
		p.logger.Warn("fsnotify unavailable, polling only: %v", err)
	}
	go p.run()
}

// Stop ends watching and closes the event channel.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

func (p *Poller) tryWatch() {
	if p.watcher == nil || p.watched {
		return
	}
	if err := p.watcher.Add(p.layout.ThreadDir(p.branch, p.threadID)); err == nil {
		p.watched = true
	}
}

func (p *Poller) run() {
	defer close(p.events)
	if p.watcher != nil {
		defer p.watcher.Close()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var notify <-chan fsnotify.Event
	var errs <-chan error
	if p.watcher != nil {
		notify = p.watcher.Events
		errs = p.watcher.Errors
	}

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.tryWatch()
			p.scan()
		case <-notify:
			p.scan()
		case err := <-errs:
			if err != nil {
				p.logger.Warn("watcher: %v", err)
			}
		}
	}
}

func (p *Poller) scan() {
	p.scanMessages()
	for _, member := range p.members {
		p.tailStream(member)
	}
}

func (p *Poller) scanMessages() {
	msgs, err := p.threads.MessagesAfter(p.branch, p.threadID, p.lastSeq)
	if err != nil {
		p.logger.Warn("scan %s/%s: %v", p.branch, p.threadID, err)
		return
	}
	for _, msg := range msgs {
		if msg.Seq > p.lastSeq {
			p.lastSeq = msg.Seq
		}
		p.emit(Event{Kind: KindMessage, Member: msg.From, Message: msg})
	}
}

// tailStream reads new bytes from a member's stream file. The file is
// recreated per invocation; a shrink means a new stream, so the offset resets
// and preview state starts over.
func (p *Poller) tailStream(member string) {
	tail := p.tails[member]
	if tail == nil {
		tail = &memberTail{}
		p.tails[member] = tail
	}

	path := p.layout.StreamPath(p.branch, p.threadID, member)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) && tail.active {
			*tail = memberTail{}
			p.emit(Event{Kind: KindStreamEnded, Member: member})
		}
		return
	}
	if info.Size() < tail.offset {
		*tail = memberTail{}
	}
	if !tail.active {
		tail.active = true
		p.emit(Event{Kind: KindStreamStarted, Member: member})
	}
	if info.Size() == tail.offset {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := f.Seek(tail.offset, 0); err != nil {
		return
	}
	buf := make([]byte, info.Size()-tail.offset)
	n, err := f.Read(buf)
	if n <= 0 {
		if err != nil {
			p.logger.Warn("read stream %s: %v", path, err)
		}
		return
	}
	tail.offset += int64(n)
	tail.partial = append(tail.partial, buf[:n]...)

	// Consume only complete lines; a partial JSON line stays buffered.
	for {
		idx := strings.IndexByte(string(tail.partial), '\n')
		if idx < 0 {
			break
		}
		line := tail.partial[:idx]
		tail.partial = tail.partial[idx+1:]
		p.handleLine(member, tail, line)
	}
}

func (p *Poller) handleLine(member string, tail *memberTail, line []byte) {
	if len(strings.TrimSpace(string(line))) == 0 {
		return
	}
	event, err := agent.ParseEvent(line)
	if err != nil {
		return
	}
	parser := p.parserFor(member)
	text, thinking := agent.StreamDelta(parser, event)
	if text != "" {
		if agent.CumulativeStream(parser) {
			// Snapshots restate everything emitted so far; send the suffix.
			if strings.HasPrefix(text, tail.rendered) {
				delta := text[len(tail.rendered):]
				tail.rendered = text
				text = delta
			} else {
				tail.rendered = text
			}
			if text == "" {
				return
			}
		}
		p.emit(Event{Kind: KindStreamDelta, Member: member, Text: text})
	}
	if thinking != "" {
		p.emit(Event{Kind: KindThinkingDelta, Member: member, Text: thinking})
	}
}

func (p *Poller) parserFor(member string) string {
	if agentCfg, err := p.cfg.Agent(member); err == nil {
		return agentCfg.Parser
	}
	return "claude"
}

func (p *Poller) emit(ev Event) {
	select {
	case p.events <- ev:
	case <-p.done:
	}
}
