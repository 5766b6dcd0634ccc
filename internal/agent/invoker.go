// Package agent invokes external AI CLIs as subprocesses and parses their
// output envelopes. Backends are opaque: a binary, an argv convention, and
// one of three stream schemas.
package agent

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"kd/internal/config"
	"kd/internal/logging"
	"kd/internal/subprocess"
)

var (
	// ErrAgentMissing means the backend binary is not on PATH.
	ErrAgentMissing = errors.New("agent binary not found")
	// ErrAgentFailed means the backend exited nonzero.
	ErrAgentFailed = errors.New("agent failed")
	// ErrAgentTimeout means the wall-clock limit killed the backend.
	ErrAgentTimeout = errors.New("agent timed out")
)

// Response is the outcome of one agent invocation. Text may be non-empty
// even when Err is set: a timeout keeps the partial output.
type Response struct {
	Member    string
	Text      string
	Err       error
	SessionID string
	Elapsed   time.Duration
	Stderr    string
}

// Options tune one invocation.
type Options struct {
	// Resume continues a prior conversation when the backend supports it.
	Resume string
	// StreamPath tees stdout to an NDJSON stream file, line by line.
	// Deleted on success, preserved on error or timeout.
	StreamPath string
	// ReadOnly passes the backend's tool-restriction flag when it has one.
	ReadOnly bool
	// Timeout bounds the invocation wall-clock.
	Timeout    time.Duration
	WorkingDir string
	// OnStart receives the started process so the caller can record the pid
	// and keep a handle for interrupts.
	OnStart func(*subprocess.Process)
}

// Invoker runs queries against configured backends.
type Invoker struct {
	logger logging.Logger
}

// NewInvoker returns an Invoker.
func NewInvoker() *Invoker {
	return &Invoker{logger: logging.NewComponentLogger("AgentInvoker")}
}

// Query runs one prompt through a backend and parses the response envelope.
func (inv *Invoker) Query(member string, cfg config.AgentConfig, prompt string, opts Options) *Response {
	resp := &Response{Member: member}
	invocation := newInvocationID()

	if _, err := exec.LookPath(cfg.Binary); err != nil {
		resp.Err = fmt.Errorf("%s (%s): %w", member, cfg.Binary, ErrAgentMissing)
		return resp
	}

	args := append([]string{}, cfg.Args...)
	if opts.StreamPath != "" && len(cfg.StreamArgs) > 0 {
		args = append(args, cfg.StreamArgs...)
	} else {
		args = append(args, cfg.ResultArgs...)
	}
	if opts.ReadOnly && len(cfg.ReadOnlyArgs) > 0 {
		args = append(args, cfg.ReadOnlyArgs...)
	}
	if opts.Resume != "" && cfg.ResumeFlag != "" {
		args = append(args, cfg.ResumeFlag, opts.Resume)
	}
	args = append(args, prompt)

	streamPath := opts.StreamPath
	if streamPath != "" && len(cfg.StreamArgs) == 0 {
		// Backend has no stream format; no point teeing its stdout.
		streamPath = ""
	}

	inv.logger.Info("invoking %s [%s] timeout=%s stream=%q", member, invocation, opts.Timeout, streamPath)

	proc, err := subprocess.Start(nil, subprocess.Config{
		Command:    cfg.Binary,
		Args:       args,
		Env:        BuildEnv(cfg.Env),
		WorkingDir: opts.WorkingDir,
		Timeout:    opts.Timeout,
		StreamPath: streamPath,
	})
	if err != nil {
		resp.Err = fmt.Errorf("%s: start: %w", member, err)
		return resp
	}
	if opts.OnStart != nil {
		opts.OnStart(proc)
	}

	result := proc.Wait()
	resp.Elapsed = result.Elapsed
	resp.Stderr = result.StderrTail

	out := ParseOutput(cfg.Parser, result.Stdout)
	resp.Text = out.Text
	resp.SessionID = out.SessionID

	switch {
	case result.TimedOut:
		resp.Err = fmt.Errorf("%s after %s: %w", member, result.Elapsed.Round(time.Second), ErrAgentTimeout)
	case result.ExitErr != nil:
		resp.Err = fmt.Errorf("%s: %w: %s", member, ErrAgentFailed, firstLine(result.StderrTail))
	}

	if resp.Err == nil && streamPath != "" {
		if err := os.Remove(streamPath); err != nil && !os.IsNotExist(err) {
			inv.logger.Warn("remove stream file %s: %v", streamPath, err)
		}
	}
	inv.logger.Info("finished %s [%s] elapsed=%s err=%v", member, invocation, resp.Elapsed.Round(time.Millisecond), resp.Err)
	return resp
}

// newInvocationID returns a time-ordered id tying session records and log
// lines of one invocation together.
func newInvocationID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
