// Package slam drives the external visual-SLAM binary and watches its output
// for stalls and fatal errors.
package slam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bimefy/slam-worker/internal/client"
	"github.com/bimefy/slam-worker/internal/config"
	"github.com/bimefy/slam-worker/internal/process"
)

// Files written by the SLAM binary into the output directory
const (
	MapFile                = "map.msg"
	FrameTrajectoryFile    = "frame_trajectory.txt"
	KeyframeTrajectoryFile = "keyframe_trajectory.txt"
	TrackTimesFile         = "track_times.txt"
)

// OutputFiles lists the files uploaded after a successful run
var OutputFiles = []string{MapFile, FrameTrajectoryFile, KeyframeTrajectoryFile, TrackTimesFile}

const (
	RuntimeDocker = "docker"
	RuntimeDirect = "direct"
)

// ErrRunCancelled is returned when the run was cancelled or terminated
var ErrRunCancelled = errors.New("slam run cancelled")

// ExitError is returned when the SLAM binary exits non-zero
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("slam process exited with code %d", e.Code)
}

// Runner starts a child and can kill it. *process.Supervisor implements it.
type Runner interface {
	Run(ctx context.Context, name string, args []string, opts process.RunOptions) (int, error)
	Cancel() error
}

// Controller runs the SLAM binary, one run at a time
type Controller struct {
	cfg        config.SLAMConfig
	runner     Runner
	terminator client.Terminator
	logger     *slog.Logger

	vocabMu    sync.Mutex
	vocabReady bool
}

func NewController(cfg config.SLAMConfig, runner Runner, terminator client.Terminator, logger *slog.Logger) *Controller {
	if cfg.TrackingLostTimeout <= 0 {
		cfg.TrackingLostTimeout = 300 * time.Second
	}
	return &Controller{
		cfg:        cfg,
		runner:     runner,
		terminator: terminator,
		logger:     logger.With("component", "slam"),
	}
}

// Run processes videoPath and writes the output files into outputDir. It
// fails with ErrRunCancelled when the run was cancelled and with *ExitError
// on a non-zero exit.
func (c *Controller) Run(ctx context.Context, videoPath, outputDir string) error {
	if err := c.ensureVocabulary(ctx); err != nil {
		return err
	}

	logger := c.logger.With("video", videoPath)
	logger.Info("starting slam run", "output_dir", outputDir, "runtime", c.cfg.Runtime)

	sess := newSession(c.cfg.TrackingLostTimeout, c.runner, c.terminator, logger)
	name, args := c.wrap(c.cfg.Binary, c.Args(videoPath, outputDir))

	start := time.Now()
	code, err := c.runner.Run(ctx, name, args, process.RunOptions{OnOutput: sess.handleOutput})
	cancelled := sess.close()
	if err != nil {
		return fmt.Errorf("failed to run slam: %w", err)
	}

	logger.Info("slam run finished", "exit_code", code, "cancelled", cancelled, "duration", time.Since(start).String())

	if cancelled {
		return ErrRunCancelled
	}
	if code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

// Args builds the SLAM binary arguments
func (c *Controller) Args(videoPath, outputDir string) []string {
	return []string{
		"-v", c.cfg.VocabPath,
		"-m", videoPath,
		"-c", c.cfg.ConfigPath,
		"--eval-log-dir", outputDir,
		"--map-db-out", filepath.Join(outputDir, MapFile),
		"--no-sleep",
		"--auto-term",
		"--temporal-mapping",
		"--wait-loop-ba",
	}
}

// wrap turns a binary invocation into the command for the configured runtime
func (c *Controller) wrap(binary string, args []string) (string, []string) {
	if c.cfg.Runtime == RuntimeDirect {
		return binary, args
	}
	return "docker", []string{"exec", c.cfg.Container, "sh", "-c", shellJoin(binary, args)}
}

// ensureVocabulary fetches the vocabulary file inside the runtime when it is
// missing. A successful check is remembered for the life of the controller.
func (c *Controller) ensureVocabulary(ctx context.Context) error {
	c.vocabMu.Lock()
	defer c.vocabMu.Unlock()
	if c.vocabReady {
		return nil
	}

	vocab := shellQuote(c.cfg.VocabPath)
	script := fmt.Sprintf("if [ ! -f %s ]; then curl -sfL %s -o %s; fi", vocab, shellQuote(c.cfg.VocabURL), vocab)

	var name string
	var args []string
	if c.cfg.Runtime == RuntimeDirect {
		name, args = "sh", []string{"-c", script}
	} else {
		name, args = "docker", []string{"exec", c.cfg.Container, "sh", "-c", script}
	}

	code, err := c.runner.Run(ctx, name, args, process.RunOptions{
		OnOutput: func(o process.Output) {
			c.logger.Debug("vocabulary check", "stream", o.Stream.String(), "line", o.Text)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to check vocabulary: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("failed to fetch vocabulary (exit code %d)", code)
	}

	c.vocabReady = true
	return nil
}

func shellJoin(binary string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(binary))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '.' || r == '-' || r == '_' || r == ':' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
