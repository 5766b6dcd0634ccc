// Package thread implements the append-only conversation store.
//
// Messages are markdown files with YAML frontmatter, numbered 0001 upward.
// Sequencing relies on exclusive-create: the writer picks the next ordinal by
// directory scan and opens the file O_CREATE|O_EXCL; losing the race means
// retrying with the next number. No file locks, safe across processes.
package thread

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"kd/internal/frontmatter"
	"kd/internal/layout"
	"kd/internal/logging"
)

// Pattern classifies what a thread is for.
type Pattern string

const (
	PatternCouncil Pattern = "council"
	PatternWork    Pattern = "work"
	PatternDirect  Pattern = "direct"
)

var (
	// ErrContended is returned when the exclusive-create retry budget runs out.
	ErrContended = errors.New("thread append contended")
	// ErrNotFound is returned for missing threads or messages.
	ErrNotFound = errors.New("thread not found")
	// ErrExists is returned when creating a thread that already exists.
	ErrExists = errors.New("thread already exists")
)

const maxAppendRetries = 8

// Meta is the thread metadata blob (thread.json).
type Meta struct {
	ID        string    `json:"id"`
	Members   []string  `json:"members"`
	Pattern   Pattern   `json:"pattern"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one finalized, immutable thread message.
type Message struct {
	Seq       int
	From      string
	To        string
	Timestamp time.Time
	Refs      []string
	Body      string
	Path      string
}

type messageMeta struct {
	From      string    `yaml:"from"`
	To        string    `yaml:"to"`
	Timestamp time.Time `yaml:"timestamp"`
	Refs      []string  `yaml:"refs,omitempty"`
}

// Store reads and appends thread messages for one repository.
type Store struct {
	layout *layout.Layout
	cache  *lru.Cache[string, Message]
	logger logging.Logger
}

// NewStore returns a Store over the given layout. Parsed messages are cached
// by path; messages are immutable once written, so the cache never goes stale.
func NewStore(l *layout.Layout) *Store {
	cache, _ := lru.New[string, Message](1024)
	return &Store{
		layout: l,
		cache:  cache,
		logger: logging.NewComponentLogger("ThreadStore"),
	}
}

// CreateThread writes the metadata blob for a new thread. Refuses overwrite.
func (s *Store) CreateThread(branch, id string, members []string, pattern Pattern) (Meta, error) {
	slug, err := layout.Slug(id)
	if err != nil {
		return Meta{}, err
	}
	dir := s.layout.ThreadDir(branch, slug)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Meta{}, fmt.Errorf("create thread dir: %w", err)
	}
	meta := Meta{
		ID:        slug,
		Members:   append([]string(nil), members...),
		Pattern:   pattern,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return Meta{}, err
	}
	path := s.layout.ThreadMetaPath(branch, slug)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return Meta{}, fmt.Errorf("thread %q: %w", slug, ErrExists)
		}
		return Meta{}, fmt.Errorf("create thread meta: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return Meta{}, fmt.Errorf("write thread meta: %w", err)
	}
	return meta, nil
}

// GetThread reads a thread's metadata.
func (s *Store) GetThread(branch, id string) (Meta, error) {
	data, err := os.ReadFile(s.layout.ThreadMetaPath(branch, id))
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, fmt.Errorf("thread %q: %w", id, ErrNotFound)
		}
		return Meta{}, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("decode thread meta: %w", err)
	}
	return meta, nil
}

// ListThreads enumerates the threads of a branch.
func (s *Store) ListThreads(branch string) ([]Meta, error) {
	entries, err := os.ReadDir(s.layout.ThreadsDir(branch))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var metas []Meta
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.GetThread(branch, entry.Name())
		if err != nil {
			s.logger.Warn("skipping thread %s: %v", entry.Name(), err)
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.Before(metas[j].CreatedAt) })
	return metas, nil
}

// AppendMessage atomically appends the next message to a thread. Trailing
// whitespace is stripped from each body line; blank lines survive.
func (s *Store) AppendMessage(branch, threadID, from, to, body string, refs []string) (int, string, error) {
	dir := s.layout.ThreadDir(branch, threadID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return 0, "", fmt.Errorf("thread %q: %w", threadID, ErrNotFound)
		}
		return 0, "", err
	}

	meta := messageMeta{
		From:      from,
		To:        to,
		Timestamp: time.Now().UTC(),
		Refs:      refs,
	}
	content, err := frontmatter.Render(meta, stripTrailingWhitespace(body))
	if err != nil {
		return 0, "", err
	}

	seq, err := s.nextSeq(dir)
	if err != nil {
		return 0, "", err
	}
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		path := s.layout.MessagePath(branch, threadID, seq, from)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			if os.IsExist(err) {
				// Another writer won this ordinal; take the next one.
				seq++
				continue
			}
			return 0, "", fmt.Errorf("create message: %w", err)
		}
		_, werr := f.Write(content)
		cerr := f.Close()
		if werr != nil {
			return 0, "", fmt.Errorf("write message: %w", werr)
		}
		if cerr != nil {
			return 0, "", fmt.Errorf("close message: %w", cerr)
		}
		return seq, path, nil
	}
	return 0, "", fmt.Errorf("thread %q after %d attempts: %w", threadID, maxAppendRetries, ErrContended)
}

// ReadMessage parses one message file. Unknown frontmatter keys are preserved
// on disk but not surfaced.
func (s *Store) ReadMessage(path string) (Message, error) {
	if msg, ok := s.cache.Get(path); ok {
		return msg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Message{}, fmt.Errorf("message %s: %w", path, ErrNotFound)
		}
		return Message{}, err
	}
	msg, err := parseMessage(path, data)
	if err != nil {
		return Message{}, err
	}
	s.cache.Add(path, msg)
	return msg, nil
}

// ListMessages returns a thread's messages in sequence order. Files whose
// name does not match the NNNN- prefix are skipped.
func (s *Store) ListMessages(branch, threadID string) ([]Message, error) {
	dir := s.layout.ThreadDir(branch, threadID)
	paths, err := filepath.Glob(filepath.Join(dir, "[0-9][0-9][0-9][0-9]-*.md"))
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(paths))
	for _, path := range paths {
		msg, err := s.ReadMessage(path)
		if err != nil {
			s.logger.Warn("skipping message %s: %v", path, err)
			continue
		}
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })
	return msgs, nil
}

// MessagesAfter returns messages with ordinal greater than seq.
func (s *Store) MessagesAfter(branch, threadID string, seq int) ([]Message, error) {
	all, err := s.ListMessages(branch, threadID)
	if err != nil {
		return nil, err
	}
	idx := sort.Search(len(all), func(i int) bool { return all[i].Seq > seq })
	return all[idx:], nil
}

func (s *Store) nextSeq(dir string) (int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "[0-9][0-9][0-9][0-9]-*.md"))
	if err != nil {
		return 0, err
	}
	max := 0
	for _, path := range paths {
		if seq, ok := seqFromName(filepath.Base(path)); ok && seq > max {
			max = seq
		}
	}
	return max + 1, nil
}

func seqFromName(name string) (int, bool) {
	if len(name) < 5 || name[4] != '-' {
		return 0, false
	}
	seq, err := strconv.Atoi(name[:4])
	if err != nil || seq <= 0 {
		return 0, false
	}
	return seq, true
}

func parseMessage(path string, data []byte) (Message, error) {
	seq, ok := seqFromName(filepath.Base(path))
	if !ok {
		return Message{}, fmt.Errorf("message %s: bad sequence prefix", path)
	}
	var meta messageMeta
	body, err := frontmatter.Parse(data, &meta)
	if err != nil {
		return Message{}, fmt.Errorf("message %s: %w", path, err)
	}
	msg := Message{
		Seq:       seq,
		From:      meta.From,
		To:        meta.To,
		Timestamp: meta.Timestamp,
		Refs:      meta.Refs,
		Body:      strings.TrimRight(body, "\n"),
		Path:      path,
	}
	return msg, nil
}

func stripTrailingWhitespace(body string) string {
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}
