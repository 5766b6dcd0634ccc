// Package subprocess manages the lifecycle of one external agent process.
//
// This is the single primitive shared by the council and the harness: start a
// child in its own process group, tee stdout line-by-line to an in-memory
// buffer and an optional stream file, enforce a wall-clock timeout, and keep
// whatever was captured when the child has to be killed.
package subprocess

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Config defines how to spawn and manage an agent subprocess.
type Config struct {
	Command string
	Args    []string
	// Env is the complete child environment. Nil inherits the host
	// environment; callers that need scrubbing pass the scrubbed set.
	Env        []string
	WorkingDir string
	Timeout    time.Duration
	// StreamPath, when set, receives every stdout line as it arrives,
	// flushed per line. Left on disk by this package; deletion is the
	// caller's call.
	StreamPath string
}

// Result is the outcome of a finished subprocess.
type Result struct {
	// Stdout holds every full line read, up to the last newline boundary
	// reached before exit or kill.
	Stdout string
	// StderrTail holds the last portion of stderr.
	StderrTail string
	// TimedOut is set when the wall-clock limit killed the process.
	TimedOut bool
	// ExitErr is the process exit error, nil on clean exit.
	ExitErr error
	Elapsed time.Duration
}

const (
	stderrTailLimit = 64 * 1024
	termGrace       = 2 * time.Second
	drainGrace      = 2 * time.Second
)

// Process is a started subprocess.
type Process struct {
	cfg     Config
	cmd     *exec.Cmd
	pgid    int
	started time.Time

	done    chan struct{}
	waitErr error

	stdoutMu  sync.Mutex
	stdout    strings.Builder
	stderrMu  sync.Mutex
	stderr    strings.Builder
	readersWG sync.WaitGroup

	killMu sync.Mutex
	killed bool
}

// Start spawns the subprocess. Stdin is /dev/null; the child gets its own
// process group so a kill takes the whole tree down.
func Start(ctx context.Context, cfg Config) (*Process, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("subprocess command required")
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if cfg.WorkingDir != "" {
		cmd.Dir = cfg.WorkingDir
	}
	if cfg.Env != nil {
		cmd.Env = cfg.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Parent-owned pipes: cmd.Wait never closes them out from under the
	// readers, so full lines written right before exit are never lost. EOF
	// arrives once every write-end holder in the child tree is gone.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	var streamFile *os.File
	if cfg.StreamPath != "" {
		streamFile, err = os.OpenFile(cfg.StreamPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			stdoutR.Close()
			stdoutW.Close()
			stderrR.Close()
			stderrW.Close()
			return nil, fmt.Errorf("open stream file: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		if streamFile != nil {
			streamFile.Close()
		}
		return nil, err
	}
	// The child holds duplicates of the write ends now.
	stdoutW.Close()
	stderrW.Close()

	p := &Process{
		cfg:     cfg,
		cmd:     cmd,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	if cmd.Process != nil {
		p.pgid, _ = syscall.Getpgid(cmd.Process.Pid)
	}

	p.readersWG.Add(2)
	go p.readStdout(stdoutR, streamFile)
	go p.readStderr(stderrR)

	go func() {
		err := cmd.Wait()
		p.waitErr = err
		close(p.done)
	}()

	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				p.Kill()
			case <-p.done:
			}
		}()
	}

	return p, nil
}

func (p *Process) readStdout(r *os.File, streamFile *os.File) {
	defer p.readersWG.Done()
	defer r.Close()
	if streamFile != nil {
		defer streamFile.Close()
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.stdoutMu.Lock()
		p.stdout.WriteString(line)
		p.stdout.WriteByte('\n')
		p.stdoutMu.Unlock()
		if streamFile != nil {
			// One write per line keeps the stream file tailable.
			_, _ = streamFile.WriteString(line + "\n")
		}
	}
}

func (p *Process) readStderr(r *os.File) {
	defer p.readersWG.Done()
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.stderrMu.Lock()
		p.stderr.WriteString(scanner.Text())
		p.stderr.WriteByte('\n')
		if p.stderr.Len() > stderrTailLimit {
			tail := p.stderr.String()
			tail = tail[len(tail)-stderrTailLimit/2:]
			p.stderr.Reset()
			p.stderr.WriteString(tail)
		}
		p.stderrMu.Unlock()
	}
}

// PID returns the child's process id.
func (p *Process) PID() int {
	if p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

// Kill terminates the whole process group: SIGTERM, then SIGKILL after a
// short grace. Safe to call more than once.
func (p *Process) Kill() {
	p.killMu.Lock()
	if p.killed {
		p.killMu.Unlock()
		return
	}
	p.killed = true
	p.killMu.Unlock()

	pgid := p.pgid
	if pgid == 0 {
		if p.cmd.Process == nil {
			return
		}
		pgid = p.cmd.Process.Pid
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	select {
	case <-p.done:
	case <-time.After(termGrace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}

// Wait blocks until exit or timeout and returns the captured result.
// On timeout the process group is killed and the readers get a bounded
// drain; their partial capture is the result.
func (p *Process) Wait() Result {
	timedOut := false
	if p.cfg.Timeout > 0 {
		timer := time.NewTimer(p.cfg.Timeout)
		defer timer.Stop()
		select {
		case <-p.done:
		case <-timer.C:
			timedOut = true
			p.Kill()
			<-p.done
		}
	} else {
		<-p.done
	}

	// Drain buffered pipe content; readers exit when the pipes close.
	drained := make(chan struct{})
	go func() {
		p.readersWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainGrace):
	}

	p.stdoutMu.Lock()
	out := p.stdout.String()
	p.stdoutMu.Unlock()
	p.stderrMu.Lock()
	errTail := p.stderr.String()
	p.stderrMu.Unlock()

	return Result{
		Stdout:     out,
		StderrTail: errTail,
		TimedOut:   timedOut,
		ExitErr:    p.waitErr,
		Elapsed:    time.Since(p.started),
	}
}
