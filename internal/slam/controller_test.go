package slam

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bimefy/slam-worker/internal/config"
	"github.com/bimefy/slam-worker/internal/logging"
	"github.com/bimefy/slam-worker/internal/process"
)

type fakeTerminator struct {
	calls atomic.Int32
	err   error
}

func (f *fakeTerminator) Terminate(ctx context.Context) error {
	f.calls.Add(1)
	return f.err
}

// newScriptController builds a direct-runtime controller whose binary is a
// shell script with the given body
func newScriptController(t *testing.T, body string, timeout time.Duration, term *fakeTerminator) *Controller {
	t.Helper()
	dir := t.TempDir()

	binary := filepath.Join(dir, "run_video_slam")
	if err := os.WriteFile(binary, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	vocab := filepath.Join(dir, "orb_vocab.fbow")
	if err := os.WriteFile(vocab, []byte("vocab"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.SLAMConfig{
		Runtime:             RuntimeDirect,
		Binary:              binary,
		VocabPath:           vocab,
		ConfigPath:          filepath.Join(dir, "config.yml"),
		OutputDirName:       "slam",
		TrackingLostTimeout: timeout,
	}
	return NewController(cfg, process.NewSupervisor(logging.Discard()), term, logging.Discard())
}

func runWithDeadline(t *testing.T, c *Controller) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), "/videos/in.mp4", t.TempDir()) }()
	select {
	case err := <-done:
		return err
	case <-time.After(20 * time.Second):
		t.Fatal("slam run did not finish")
		return nil
	}
}

func TestRunSucceeds(t *testing.T) {
	term := &fakeTerminator{}
	c := newScriptController(t, `echo "frame 1"; echo "frame 2"; exit 0`, time.Second, term)

	if err := runWithDeadline(t, c); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if term.calls.Load() != 0 {
		t.Error("terminator should not be called")
	}
}

func TestRunRelocalizationWithinWindow(t *testing.T) {
	term := &fakeTerminator{}
	script := `echo "tracking lost"; sleep 0.2; echo "relocalization succeeded"; sleep 1; exit 0`
	c := newScriptController(t, script, 700*time.Millisecond, term)

	if err := runWithDeadline(t, c); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if n := term.calls.Load(); n != 0 {
		t.Errorf("expected no termination, got %d", n)
	}
}

func TestRunTrackingLostTimeoutTerminatesOnce(t *testing.T) {
	term := &fakeTerminator{}
	// terminator succeeds; the child exits on its own shortly after
	script := `echo "tracking lost"; sleep 1; echo "tracking lost"; sleep 0.5; exit 0`
	c := newScriptController(t, script, 200*time.Millisecond, term)

	err := runWithDeadline(t, c)
	if !errors.Is(err, ErrRunCancelled) {
		t.Fatalf("expected ErrRunCancelled, got %v", err)
	}
	if n := term.calls.Load(); n != 1 {
		t.Errorf("expected exactly one termination request, got %d", n)
	}
}

func TestRunTerminateFailureFallsBackToCancel(t *testing.T) {
	term := &fakeTerminator{err: errors.New("connection refused")}
	c := newScriptController(t, `echo "tracking lost"; sleep 30`, 200*time.Millisecond, term)

	err := runWithDeadline(t, c)
	if !errors.Is(err, ErrRunCancelled) {
		t.Fatalf("expected ErrRunCancelled, got %v", err)
	}
	if n := term.calls.Load(); n != 1 {
		t.Errorf("expected one termination request, got %d", n)
	}
}

func TestRunCriticalErrorCancels(t *testing.T) {
	term := &fakeTerminator{}
	c := newScriptController(t, `echo "cannot open input file" >&2; sleep 30`, time.Minute, term)

	err := runWithDeadline(t, c)
	if !errors.Is(err, ErrRunCancelled) {
		t.Fatalf("expected ErrRunCancelled, got %v", err)
	}
	if term.calls.Load() != 0 {
		t.Error("critical error must cancel directly, not via terminator")
	}
}

func TestRunNonZeroExit(t *testing.T) {
	c := newScriptController(t, `exit 2`, time.Minute, &fakeTerminator{})

	err := runWithDeadline(t, c)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 2 {
		t.Fatalf("expected exit error code 2, got %v", err)
	}
}

func TestArgsAndDockerWrap(t *testing.T) {
	c := NewController(config.SLAMConfig{
		Runtime:    RuntimeDocker,
		Container:  "stella-vslam",
		Binary:     "/stella/run_video_slam",
		VocabPath:  "/stella/orb_vocab.fbow",
		ConfigPath: "/stella/config.yml",
	}, process.NewSupervisor(logging.Discard()), &fakeTerminator{}, logging.Discard())

	args := c.Args("/work/my video.mp4", "/work/out")
	joined := strings.Join(args, " ")
	for _, want := range []string{"-v /stella/orb_vocab.fbow", "-m /work/my video.mp4", "--map-db-out /work/out/map.msg", "--auto-term", "--no-sleep"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}

	name, wrapped := c.wrap("/stella/run_video_slam", args)
	if name != "docker" || wrapped[0] != "exec" || wrapped[1] != "stella-vslam" {
		t.Fatalf("unexpected docker invocation %s %v", name, wrapped)
	}
	if !strings.Contains(wrapped[len(wrapped)-1], "'/work/my video.mp4'") {
		t.Errorf("expected quoted video path, got %s", wrapped[len(wrapped)-1])
	}
}
