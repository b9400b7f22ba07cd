// Package process runs one external child at a time and streams its output.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// maxLineSize bounds a single output line. Longer lines are dropped and the
// rest of the stream is still drained.
const maxLineSize = 1024 * 1024

// Stream identifies which output channel a line came from
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Output is one line of child output
type Output struct {
	Stream Stream
	Text   string
}

// OutputHandler receives output lines. It is called from two goroutines, one
// per stream, and must not block for long.
type OutputHandler func(Output)

// RunOptions configures a single Run
type RunOptions struct {
	OnOutput OutputHandler
	Dir      string
	Env      []string // appended to the parent environment
}

// Supervisor tracks the currently running child so it can be cancelled
// from another goroutine
type Supervisor struct {
	logger *slog.Logger

	mu  sync.Mutex
	cmd *exec.Cmd
}

func NewSupervisor(logger *slog.Logger) *Supervisor {
	return &Supervisor{logger: logger}
}

// Run starts name with args and blocks until it exits. The returned error is
// set only when the child could not be started; a child killed by a signal
// reports exit code -1.
func (s *Supervisor) Run(ctx context.Context, name string, args []string, opts RunOptions) (int, error) {
	s.logger.Debug("executing command", "command", name, "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = opts.Dir
	// own process group so a kill also reaches grandchildren holding the pipes
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killGroup(cmd.Process) }
	if len(opts.Env) > 0 {
		cmd.Env = append(cmd.Environ(), opts.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("failed to start %s: %w", name, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cmd = nil
		s.mu.Unlock()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go s.drain(&wg, stdout, Stdout, opts.OnOutput)
	go s.drain(&wg, stderr, Stderr, opts.OnOutput)
	// Wait closes the pipes, so both readers must finish first
	wg.Wait()

	err = cmd.Wait()
	if err == nil {
		s.logger.Debug("process exited", "command", name, "exit_code", 0)
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		s.logger.Debug("process exited", "command", name, "exit_code", code)
		return code, nil
	}

	s.logger.Error("failed to wait for process", "command", name, "error", err)
	return -1, nil
}

func (s *Supervisor) drain(wg *sync.WaitGroup, r io.Reader, stream Stream, onOutput OutputHandler) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		if onOutput != nil {
			onOutput(Output{Stream: stream, Text: scanner.Text()})
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("output reader stopped, discarding rest of stream", "stream", stream.String(), "error", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

// Cancel kills the running child. With no child it only logs a warning.
// For a docker exec child only the local client dies; the process inside
// the container keeps running until it exits on its own.
func (s *Supervisor) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil || s.cmd.Process == nil {
		s.logger.Warn("no active process to cancel")
		return nil
	}

	s.logger.Info("cancelling current process", "pid", s.cmd.Process.Pid)
	if err := killGroup(s.cmd.Process); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("failed to cancel process: %w", err)
	}
	s.logger.Info("process cancelled")
	return nil
}

func killGroup(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return p.Kill()
	}
	return nil
}
