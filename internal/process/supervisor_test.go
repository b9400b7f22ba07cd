package process

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bimefy/slam-worker/internal/logging"
)

type collector struct {
	mu    sync.Mutex
	lines []Output
}

func (c *collector) handle(o Output) {
	c.mu.Lock()
	c.lines = append(c.lines, o)
	c.mu.Unlock()
}

func (c *collector) stream(s Stream) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, l := range c.lines {
		if l.Stream == s {
			out = append(out, l.Text)
		}
	}
	return out
}

func TestRunStreamsBothChannels(t *testing.T) {
	s := NewSupervisor(logging.Discard())
	c := &collector{}

	code, err := s.Run(context.Background(), "sh", []string{"-c", "echo one; echo oops >&2; echo two; exit 3"}, RunOptions{OnOutput: c.handle})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code != 3 {
		t.Errorf("expected exit code 3, got %d", code)
	}

	if got := c.stream(Stdout); strings.Join(got, ",") != "one,two" {
		t.Errorf("unexpected stdout %v", got)
	}
	if got := c.stream(Stderr); strings.Join(got, ",") != "oops" {
		t.Errorf("unexpected stderr %v", got)
	}
}

func TestRunWorkingDirectory(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s := NewSupervisor(logging.Discard())
	c := &collector{}

	if _, err := s.Run(context.Background(), "sh", []string{"-c", "pwd -P"}, RunOptions{OnOutput: c.handle, Dir: dir}); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := c.stream(Stdout)
	if len(got) != 1 || got[0] != dir {
		t.Errorf("expected pwd %s, got %v", dir, got)
	}
}

func TestRunDrainsLargeOutputOnBothStreams(t *testing.T) {
	s := NewSupervisor(logging.Discard())
	c := &collector{}

	script := "i=0; while [ $i -lt 20000 ]; do echo out$i; echo err$i >&2; i=$((i+1)); done"
	done := make(chan int, 1)
	go func() {
		code, _ := s.Run(context.Background(), "sh", []string{"-c", script}, RunOptions{OnOutput: c.handle})
		done <- code
	}()

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("expected exit 0, got %d", code)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("child stalled on output")
	}

	if n := len(c.stream(Stdout)); n != 20000 {
		t.Errorf("expected 20000 stdout lines, got %d", n)
	}
	if n := len(c.stream(Stderr)); n != 20000 {
		t.Errorf("expected 20000 stderr lines, got %d", n)
	}
}

func TestCancelKillsChild(t *testing.T) {
	s := NewSupervisor(logging.Discard())
	started := make(chan struct{})
	var once sync.Once

	done := make(chan int, 1)
	go func() {
		code, _ := s.Run(context.Background(), "sh", []string{"-c", "echo ready; sleep 30"}, RunOptions{
			OnOutput: func(Output) { once.Do(func() { close(started) }) },
		})
		done <- code
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("child never produced output")
	}

	if err := s.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	select {
	case code := <-done:
		if code != -1 {
			t.Errorf("expected -1 for killed child, got %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled child did not exit")
	}
}

func TestCancelWithoutChildIsNoop(t *testing.T) {
	s := NewSupervisor(logging.Discard())
	if err := s.Cancel(); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestRunStartFailure(t *testing.T) {
	s := NewSupervisor(logging.Discard())
	if _, err := s.Run(context.Background(), "/nonexistent/binary", nil, RunOptions{}); err == nil {
		t.Error("expected start error")
	}
}
