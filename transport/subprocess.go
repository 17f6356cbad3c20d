package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// readChunkSize is the size of the reusable read buffer handed to
	// the stdout pipe.
	readChunkSize = 64 * 1024

	// defaultMaxStderrSize bounds captured stderr output.
	defaultMaxStderrSize = 512 * 1024

	// gracefulExitWait is how long Close waits for the process to exit
	// on its own after stdin EOF before escalating to SIGTERM.
	gracefulExitWait = 3 * time.Second

	// killDelay is how long after SIGTERM the process gets before
	// SIGKILL.
	killDelay = 5 * time.Second
)

// Subprocess runs the agent CLI as a child process and exposes its
// stdio pipes as a Transport. The CLI is spawned with stream-json input
// and output so every record on the pipes is a newline-delimited JSON
// object.
type Subprocess struct {
	opts SubprocessOptions

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *tailBuffer
	cancel context.CancelFunc

	readBuf []byte

	processDone chan struct{} // closed when the process has been reaped
	waitErr     error         // set before processDone is closed
	reapOnce    sync.Once

	// writeMu serializes stdin writes. It is separate from mu so a
	// write blocked on a full pipe cannot stall teardown.
	writeMu sync.Mutex

	mu          sync.Mutex
	started     bool
	stdinClosed bool
	closed      bool
}

var _ Transport = (*Subprocess)(nil)

// NewSubprocess returns an unconnected subprocess transport.
func NewSubprocess(opts SubprocessOptions) *Subprocess {
	return &Subprocess{
		opts:        opts,
		readBuf:     make([]byte, readChunkSize),
		processDone: make(chan struct{}),
	}
}

// Connect resolves the CLI binary, spawns it, and wires up the pipes.
func (s *Subprocess) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("subprocess already connected")
	}

	cliPath := s.opts.CLIPath
	if cliPath == "" {
		var err error
		cliPath, err = FindCLI()
		if err != nil {
			return err
		}
	}

	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(procCtx, cliPath, buildArgs(s.opts)...)
	cmd.Dir = s.opts.WorkingDir

	// The CLI refuses to start inside another agent session; strip the
	// markers and set our own entrypoint tag.
	cmd.Env = filterEnv(cmd.Environ(), "CLAUDECODE", "CLAUDE_CODE_ENTRYPOINT")
	cmd.Env = append(cmd.Env, "CLAUDE_CODE_ENTRYPOINT=sdk-go")
	for k, v := range s.opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	// SIGTERM first so the CLI can persist session state; Go escalates
	// to SIGKILL after WaitDelay.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}

	maxStderr := s.opts.MaxStderrSize
	if maxStderr <= 0 {
		maxStderr = defaultMaxStderrSize
	}
	stderr := &tailBuffer{max: maxStderr}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start %s: %w", cliPath, err)
	}

	slog.Debug("agent CLI started", "path", cliPath, "pid", cmd.Process.Pid)

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = stdout
	s.stderr = stderr
	s.cancel = cancel
	s.started = true
	return nil
}

// Write sends one record to the CLI's stdin, adding the trailing
// newline when missing.
//
// The pipe write happens under its own mutex, not s.mu: a write blocked
// on a full pipe must never keep Close, EndInput, or Alive from
// reaching the process. EndInput closing stdin is what unblocks a
// stalled writer.
func (s *Subprocess) Write(_ context.Context, line []byte) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.New("subprocess not connected")
	}
	if s.stdinClosed {
		s.mu.Unlock()
		return errors.New("input already closed")
	}
	stdin := s.stdin
	s.mu.Unlock()

	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := stdin.Write(line); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// ReadChunk blocks until stdout produces bytes or closes. The returned
// slice aliases an internal buffer valid until the next call, which is
// safe for the engine's single-reader consumption pattern.
//
// On end of stream the process is reaped: a clean exit surfaces io.EOF,
// anything else a ProcessExitError carrying the stderr tail.
func (s *Subprocess) ReadChunk(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil, errors.New("subprocess not connected")
	}

	n, err := s.stdout.Read(s.readBuf)
	if n > 0 {
		return s.readBuf[:n], nil
	}
	if err == nil {
		return nil, nil
	}

	// Stdout is gone; reap the process to learn how it ended. Waiting
	// here is safe because the pipe has already drained.
	s.reap()
	<-s.processDone

	if code := s.exitCode(); code != 0 {
		return nil, &ProcessExitError{ExitCode: code, Stderr: s.StderrTail()}
	}
	return nil, io.EOF
}

// Alive reports whether the process is still running.
func (s *Subprocess) Alive() bool {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-s.processDone:
		return false
	default:
		return true
	}
}

// EndInput closes the CLI's stdin, signalling that no further input is
// coming. The CLI treats stdin EOF as a shutdown request once the
// current response completes.
func (s *Subprocess) EndInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stdinClosed {
		return nil
	}
	s.stdinClosed = true
	return s.stdin.Close()
}

// Close terminates the process: stdin EOF first for a graceful exit,
// then SIGTERM, then SIGKILL after the wait delay. It is idempotent and
// blocks until the process has been reaped.
func (s *Subprocess) Close() error {
	s.mu.Lock()
	if !s.started || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.EndInput()
	s.reap()

	select {
	case <-s.processDone:
		return nil
	case <-time.After(gracefulExitWait):
	}

	s.cancel()
	<-s.processDone
	return nil
}

// StderrTail returns the captured tail of the process's stderr output.
func (s *Subprocess) StderrTail() string {
	if s.stderr == nil {
		return ""
	}
	return strings.TrimSpace(s.stderr.String())
}

// reap starts (once) the goroutine that waits on the process and
// publishes its exit.
func (s *Subprocess) reap() {
	s.reapOnce.Do(func() {
		go func() {
			s.waitErr = s.cmd.Wait()
			close(s.processDone)
		}()
	})
}

func (s *Subprocess) exitCode() int {
	var exitErr *exec.ExitError
	if errors.As(s.waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if s.waitErr != nil {
		return -1
	}
	return 0
}

// filterEnv returns a copy of environ with entries matching any of the
// given key names removed. Keys are matched case-insensitively by the
// portion before the first '='.
func filterEnv(environ []string, keys ...string) []string {
	filtered := make([]string, 0, len(environ))
	for _, entry := range environ {
		name, _, _ := strings.Cut(entry, "=")
		skip := false
		for _, k := range keys {
			if strings.EqualFold(name, k) {
				skip = true
				break
			}
		}
		if !skip {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}

// tailBuffer keeps the last max bytes written to it. Stderr from a
// crashing CLI can be arbitrarily chatty; only the tail matters for
// diagnosis.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	b   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.b = append(t.b, p...)
	if len(t.b) > t.max {
		t.b = t.b[len(t.b)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.b)
}
